package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/internal/logging"
)

// DefaultMaxDepth bounds the number of hops in a chain.
const DefaultMaxDepth = 10

// Element is one verified hop of a chain.
type Element struct {
	ItemID     string          `json:"item_id"`
	Space      Space           `json:"space"`
	Kind       capability.Kind `json:"kind"`
	Version    string          `json:"version,omitempty"`
	ExecutorID string          `json:"executor_id,omitempty"`
	Integrity  string          `json:"integrity"`
}

// Chain is an ordered list of hops from the requested item down to a
// terminal primitive.
type Chain struct {
	Root     string
	Version  string
	Elements []Element

	terminal *Item
}

// Terminal returns the last hop, the primitive that performs the side effect.
func (c *Chain) Terminal() Element {
	return c.Elements[len(c.Elements)-1]
}

// TerminalItem returns the primitive item as looked up during resolution.
func (c *Chain) TerminalItem() *Item { return c.terminal }

// Hash digests the chain's ids and integrity hashes in order.
func (c *Chain) Hash() string {
	h := sha256.New()
	for _, e := range c.Elements {
		h.Write([]byte(e.ItemID))
		h.Write([]byte{':'})
		h.Write([]byte(e.Integrity))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Resolver turns item ids into verified chains.
type Resolver struct {
	store    ItemStore
	trust    Trust
	verifier Verifier
	locks    *LockStore
	maxDepth int
	logger   *zap.Logger
	tracer   trace.Tracer

	group singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLockStore enables lockfile pinning.
func WithLockStore(s *LockStore) ResolverOption {
	return func(r *Resolver) {
		r.locks = s
	}
}

// WithVerifier replaces the signature verifier.
func WithVerifier(v Verifier) ResolverOption {
	return func(r *Resolver) {
		r.verifier = v
	}
}

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logging.OrNop(l)
	}
}

// WithTracer sets the tracer used for resolution spans.
func WithTracer(t trace.Tracer) ResolverOption {
	return func(r *Resolver) {
		r.tracer = t
	}
}

// NewResolver creates a resolver over an item store and trust store.
func NewResolver(store ItemStore, trust Trust, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		trust:    trust,
		verifier: Ed25519Verifier{},
		maxDepth: DefaultMaxDepth,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/everydev1618/threads/chain"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the verified chain for a tool id. When a lockfile exists
// for the item's current version the pinned chain is checked against current
// content and any drift is fatal. Otherwise the chain is walked fresh and a
// lockfile is written. Concurrent calls for the same id share one walk.
func (r *Resolver) Resolve(ctx context.Context, itemID string) (*Chain, error) {
	v, err, _ := r.group.Do(itemID, func() (any, error) {
		return r.resolve(ctx, itemID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chain), nil
}

func (r *Resolver) resolve(ctx context.Context, itemID string) (c *Chain, err error) {
	ctx, span := r.tracer.Start(ctx, "chain.resolve", trace.WithAttributes(attribute.String("item_id", itemID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("chain.length", len(c.Elements)))
		}
		span.End()
	}()

	root, err := r.store.Lookup(ctx, capability.Tool, itemID, "")
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", itemID, err)
	}
	version := root.Version
	if version == "" {
		version = "0.0.0"
	}

	if r.locks != nil {
		lf, err := r.locks.Get(itemID, version)
		if err != nil {
			return nil, err
		}
		if lf != nil {
			span.SetAttributes(attribute.Bool("chain.lockfile", true))
			return r.verifyPinned(ctx, root, lf)
		}
	}

	c, err = r.walk(ctx, root)
	if err != nil {
		return nil, err
	}
	c.Version = version

	if r.locks != nil {
		lf := &Lockfile{
			LockfileVersion: LockfileVersion,
			GeneratedAt:     time.Now().UTC(),
			Root:            LockRoot{ItemID: itemID, Version: version, Integrity: c.Elements[0].Integrity},
			ResolvedChain:   c.Elements,
		}
		path, err := r.locks.Put(lf)
		if err != nil {
			r.logger.Warn("lockfile write failed", zap.String("item_id", itemID), zap.Error(err))
		} else {
			r.logger.Info("lockfile created", zap.String("item_id", itemID), zap.String("version", version), zap.String("path", path))
		}
	}
	return c, nil
}

func (r *Resolver) walk(ctx context.Context, root *Item) (*Chain, error) {
	c := &Chain{Root: root.ID}
	visited := make(map[string]bool)
	var prev *Item
	it := root

	for {
		if len(c.Elements) >= r.maxDepth {
			return nil, fmt.Errorf("%w (max %d): %s", ErrTooDeep, r.maxDepth, root.ID)
		}
		if visited[it.ID] {
			return nil, fmt.Errorf("%w: %s", ErrCircular, it.ID)
		}
		visited[it.ID] = true

		hash, err := r.verify(it)
		if err != nil {
			r.logger.Warn("integrity check failed", zap.String("item_id", it.ID), zap.Error(err))
			return nil, err
		}
		if prev != nil {
			if err := validatePair(prev, it); err != nil {
				return nil, err
			}
		}
		c.Elements = append(c.Elements, elementOf(it, hash))

		if it.IsPrimitive() {
			c.terminal = it
			return c, nil
		}

		next, err := r.store.Lookup(ctx, capability.Tool, it.ExecutorID, it.Space)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s (from %s)", ErrExecutorLookup, it.ExecutorID, it.ID)
			}
			return nil, err
		}
		prev, it = it, next
	}
}

// verifyPinned checks a lockfile against current content. Drift is never
// repaired here.
func (r *Resolver) verifyPinned(ctx context.Context, root *Item, lf *Lockfile) (*Chain, error) {
	if got := ContentHash(root.Content); got != lf.Root.Integrity {
		return nil, &IntegrityError{Kind: StaleLockfile, ItemID: root.ID, Expected: lf.Root.Integrity, Actual: got}
	}

	c := &Chain{Root: root.ID, Version: lf.Root.Version}
	for i, entry := range lf.ResolvedChain {
		it := root
		if i > 0 {
			kind := entry.Kind
			if kind == "" {
				kind = capability.Tool
			}
			var err error
			it, err = r.store.Lookup(ctx, kind, entry.ItemID, entry.Space)
			if err != nil || (entry.Space != "" && it.Space != entry.Space) {
				return nil, &IntegrityError{Kind: MissingElement, ItemID: entry.ItemID, Detail: "space: " + string(entry.Space)}
			}
		}
		if got := ContentHash(it.Content); got != entry.Integrity {
			return nil, &IntegrityError{Kind: StaleLockfile, ItemID: entry.ItemID, Expected: entry.Integrity, Actual: got}
		}
		if _, err := r.verify(it); err != nil {
			return nil, err
		}
		c.Elements = append(c.Elements, entry)
		if i == len(lf.ResolvedChain)-1 {
			c.terminal = it
		}
	}
	return c, nil
}

// verify checks one item's signature record and returns its content hash.
func (r *Resolver) verify(it *Item) (string, error) {
	return Verify(it, r.trust, r.verifier)
}

// Verify checks an item's signature record against trust and returns the content
// hash. A nil verifier means ed25519.
func Verify(it *Item, trust Trust, v Verifier) (string, error) {
	if v == nil {
		v = Ed25519Verifier{}
	}
	sig := it.Signature
	if sig == nil || sig.Value == "" {
		return "", &IntegrityError{Kind: Unsigned, ItemID: it.ID}
	}
	actual := ContentHash(it.Content)
	if actual != sig.Hash {
		return "", &IntegrityError{Kind: HashMismatch, ItemID: it.ID, Expected: sig.Hash, Actual: actual}
	}
	key, ok := trust.Key(sig.Fingerprint)
	if !ok {
		return "", &IntegrityError{Kind: UntrustedKey, ItemID: it.ID, Expected: sig.Fingerprint}
	}
	if !v.Verify(sig.Hash, sig.Value, key) {
		return "", &IntegrityError{Kind: BadSignature, ItemID: it.ID}
	}
	return actual, nil
}

func elementOf(it *Item, hash string) Element {
	kind := it.Kind
	if kind == "" {
		kind = capability.Tool
	}
	return Element{
		ItemID:     it.ID,
		Space:      it.Space,
		Kind:       kind,
		Version:    it.Version,
		ExecutorID: it.ExecutorID,
		Integrity:  hash,
	}
}
