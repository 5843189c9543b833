// Package chain resolves a callable item into the ordered chain of executors
// that ends at a terminal primitive, verifying content integrity and
// signatures at every hop. It never executes anything.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/everydev1618/threads/capability"
)

// Space is the storage tier an item was resolved from.
type Space string

const (
	SpaceProject Space = "project"
	SpaceUser    Space = "user"
	SpaceSystem  Space = "system"
)

// Precedence orders spaces; unknown spaces rank lowest.
func (s Space) Precedence() int {
	switch s {
	case SpaceProject:
		return 3
	case SpaceUser:
		return 2
	case SpaceSystem:
		return 1
	}
	return 0
}

// Signature is the signing record embedded in an item.
type Signature struct {
	Hash        string    `json:"hash" yaml:"hash"`               // sha256 hex of the signed content
	Value       string    `json:"value" yaml:"value"`             // base64url ed25519 signature over Hash
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"` // signer key fingerprint
	SignedAt    time.Time `json:"signed_at,omitempty" yaml:"signed_at,omitempty"`
}

// Item is what the item store returns for an id: parsed metadata plus the
// raw content that was signed.
type Item struct {
	ID         string
	Kind       capability.Kind
	Version    string
	Space      Space
	ExecutorID string // empty for a terminal primitive
	Content    []byte
	Signature  *Signature

	// Optional I/O declarations checked between adjacent hops.
	Inputs  []string
	Outputs []string

	// Metadata carries whatever the store parsed (description, schema,
	// primitive config). The resolver passes it through untouched.
	Metadata map[string]any
}

// IsPrimitive reports whether the item terminates a chain.
func (it *Item) IsPrimitive() bool { return it.ExecutorID == "" }

// ErrNotFound is returned by item stores for unknown ids.
var ErrNotFound = errors.New("item not found")

// ItemStore looks up items. When from is set, resolution starts at that
// space and falls through to lower-precedence spaces; an empty from searches
// every space in precedence order.
type ItemStore interface {
	Lookup(ctx context.Context, kind capability.Kind, id string, from Space) (*Item, error)
}

// ContentHash returns the sha256 hex digest of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
