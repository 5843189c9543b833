// Package items reads signed item files from disk: tools, directives and
// knowledge, laid out per space and kind.
package items

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/chain"
	"github.com/everydev1618/threads/config"
	"github.com/everydev1618/threads/harness"
)

// Manifest is the metadata block of an item file. Keys it does not name are
// kept in Extra and reach primitives as item metadata.
type Manifest struct {
	ID                string                `yaml:"id"`
	Kind              capability.Kind       `yaml:"kind"`
	Version           string                `yaml:"version"`
	Executor          string                `yaml:"executor"`
	Description       string                `yaml:"description"`
	Inputs            []string              `yaml:"inputs"`
	Outputs           []string              `yaml:"outputs"`
	InputSchema       map[string]any        `yaml:"input_schema"`
	Capabilities      []string              `yaml:"capabilities"`
	AcknowledgedRisks []capability.RiskTier `yaml:"acknowledged_risks"`
	Limits            config.LimitsConfig   `yaml:"limits"`
	Hooks             []harness.HookSpec    `yaml:"hooks"`
	Model             string                `yaml:"model"`
	Body              string                `yaml:"body"`

	Extra map[string]any `yaml:",inline"`
}

const signedMarker = "threads:signed:"

// Parse reads an item file. Markdown files carry the manifest as YAML
// frontmatter and the body after it; YAML files are the manifest. Either may
// open with a signature line, which is not part of the signed content.
func Parse(data []byte, path string) (*chain.Item, *Manifest, error) {
	sig, content, err := splitSignature(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	m := &Manifest{}
	if isMarkdown(path) {
		front, body := splitFrontmatter(content)
		if len(front) > 0 {
			if err := yaml.Unmarshal(front, m); err != nil {
				return nil, nil, fmt.Errorf("%s: parse frontmatter: %w", path, err)
			}
		}
		if b := strings.TrimSpace(string(body)); b != "" {
			m.Body = b
		}
	} else if err := yaml.Unmarshal(content, m); err != nil {
		return nil, nil, fmt.Errorf("%s: parse manifest: %w", path, err)
	}

	if m.ID == "" {
		return nil, nil, fmt.Errorf("%s: manifest has no id", path)
	}
	if m.Kind != "" && !m.Kind.Valid() {
		return nil, nil, fmt.Errorf("%s: unknown kind %q", path, m.Kind)
	}

	meta := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		meta[k] = v
	}
	if m.Description != "" {
		meta["description"] = m.Description
	}
	if m.Body != "" {
		meta["body"] = m.Body
	}

	return &chain.Item{
		ID:         m.ID,
		Kind:       m.Kind,
		Version:    m.Version,
		ExecutorID: m.Executor,
		Content:    content,
		Signature:  sig,
		Inputs:     m.Inputs,
		Outputs:    m.Outputs,
		Metadata:   meta,
	}, m, nil
}

// splitSignature removes a leading signature line. Content without one is
// returned unchanged with a nil signature.
func splitSignature(data []byte) (*chain.Signature, []byte, error) {
	line, rest, _ := bytes.Cut(data, []byte("\n"))
	text := strings.TrimSpace(string(line))
	text = strings.TrimPrefix(text, "<!--")
	text = strings.TrimSuffix(text, "-->")
	text = strings.TrimPrefix(strings.TrimSpace(text), "#")
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, signedMarker) {
		return nil, data, nil
	}

	// timestamp:hash:value:fingerprint; the timestamp holds colons itself.
	fields := strings.Split(strings.TrimPrefix(text, signedMarker), ":")
	if len(fields) < 4 {
		return nil, nil, fmt.Errorf("malformed signature line")
	}
	n := len(fields)
	sig := &chain.Signature{
		Hash:        fields[n-3],
		Value:       fields[n-2],
		Fingerprint: fields[n-1],
	}
	if ts, err := time.Parse(time.RFC3339, strings.Join(fields[:n-3], ":")); err == nil {
		sig.SignedAt = ts
	}
	return sig, rest, nil
}

// FormatSignature renders the signature line for a file of the given path,
// commented the way the file type allows.
func FormatSignature(sig *chain.Signature, path string) string {
	body := fmt.Sprintf("%s%s:%s:%s:%s", signedMarker,
		sig.SignedAt.UTC().Format(time.RFC3339), sig.Hash, sig.Value, sig.Fingerprint)
	if isMarkdown(path) {
		return "<!-- " + body + " -->"
	}
	return "# " + body
}

// Sign signs data, replacing any existing signature line.
func Sign(data []byte, path string, priv ed25519.PrivateKey) ([]byte, *chain.Signature, error) {
	_, content, err := splitSignature(data)
	if err != nil {
		return nil, nil, err
	}
	sig, err := chain.Sign(content, priv)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, 0, len(content)+160)
	out = append(out, FormatSignature(sig, path)...)
	out = append(out, '\n')
	out = append(out, content...)
	return out, sig, nil
}

// SignFile signs the file at path in place.
func SignFile(path string, priv ed25519.PrivateKey) (*chain.Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, _, err := Parse(data, path); err != nil {
		return nil, err
	}
	out, sig, err := Sign(data, path, priv)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
		return nil, err
	}
	return sig, nil
}

// splitFrontmatter splits "---" delimited YAML from the markdown body.
func splitFrontmatter(data []byte) (front, body []byte) {
	if !bytes.HasPrefix(data, []byte("---\n")) && !bytes.HasPrefix(data, []byte("---\r\n")) {
		return nil, data
	}
	rest := data[bytes.IndexByte(data, '\n')+1:]
	for _, delim := range []string{"\n---\n", "\n---\r\n", "\n---"} {
		if idx := bytes.Index(rest, []byte(delim)); idx >= 0 {
			return rest[:idx], rest[idx+len(delim):]
		}
	}
	return nil, data
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}
