package items

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/chain"
)

var extensions = []string{".md", ".yaml", ".yml"}

var spaceOrder = []chain.Space{chain.SpaceProject, chain.SpaceUser, chain.SpaceSystem}

// Store is a file-backed chain.ItemStore. Each space has a root directory
// holding <kind>/<id>.{md,yaml,yml}; ids containing '/' map to
// subdirectories.
type Store struct {
	roots  map[chain.Space]string
	logger *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRoot sets the directory for a space.
func WithRoot(space chain.Space, dir string) StoreOption {
	return func(s *Store) {
		if dir != "" {
			s.roots[space] = dir
		}
	}
}

// WithLogger sets the logger used for skipped files during List.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a store over the given roots.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{roots: make(map[chain.Space]string), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the directory of a space, or "" when it has none.
func (s *Store) Root(space chain.Space) string { return s.roots[space] }

// Lookup implements chain.ItemStore.
func (s *Store) Lookup(ctx context.Context, kind capability.Kind, id string, from chain.Space) (*chain.Item, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	for _, space := range spaceOrder {
		if from != "" && space.Precedence() > from.Precedence() {
			continue
		}
		root, ok := s.roots[space]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, ok := findFile(filepath.Join(root, string(kind), filepath.FromSlash(id)))
		if !ok {
			continue
		}
		it, err := s.load(path, kind, space)
		if err != nil {
			return nil, err
		}
		if it.ID != id {
			return nil, fmt.Errorf("%s: declares id %q, expected %q", path, it.ID, id)
		}
		return it, nil
	}
	return nil, fmt.Errorf("%w: %s %s", chain.ErrNotFound, kind, id)
}

// Entry is one item found by List.
type Entry struct {
	Item     *chain.Item
	Manifest *Manifest
	Path     string
}

// List returns every item of kind visible across spaces. An id present in
// several spaces is reported once, from the highest-precedence space.
// Unparseable files are logged and skipped.
func (s *Store) List(ctx context.Context, kind capability.Kind) ([]Entry, error) {
	seen := make(map[string]bool)
	var out []Entry
	for _, space := range spaceOrder {
		root, ok := s.roots[space]
		if !ok {
			continue
		}
		dir := filepath.Join(root, string(kind))
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !hasItemExt(path) {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			it, m, err := Parse(data, path)
			if err != nil {
				s.logger.Warn("skipping item file", zap.String("path", path), zap.Error(err))
				return nil
			}
			if seen[it.ID] {
				return nil
			}
			seen[it.ID] = true
			fillDefaults(it, kind, space)
			out = append(out, Entry{Item: it, Manifest: m, Path: path})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item.ID < out[j].Item.ID })
	return out, nil
}

// Manifest looks up an item the way Lookup does and returns its manifest.
func (s *Store) Manifest(ctx context.Context, kind capability.Kind, id string) (*chain.Item, *Manifest, error) {
	if err := validID(id); err != nil {
		return nil, nil, err
	}
	for _, space := range spaceOrder {
		root, ok := s.roots[space]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		path, ok := findFile(filepath.Join(root, string(kind), filepath.FromSlash(id)))
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		it, m, err := Parse(data, path)
		if err != nil {
			return nil, nil, err
		}
		fillDefaults(it, kind, space)
		return it, m, nil
	}
	return nil, nil, fmt.Errorf("%w: %s %s", chain.ErrNotFound, kind, id)
}

// Path returns the file an item would be written to in space.
func (s *Store) Path(space chain.Space, kind capability.Kind, id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	root, ok := s.roots[space]
	if !ok {
		return "", fmt.Errorf("no root for space %s", space)
	}
	base := filepath.Join(root, string(kind), filepath.FromSlash(id))
	if path, ok := findFile(base); ok {
		return path, nil
	}
	return base + ".md", nil
}

func (s *Store) load(path string, kind capability.Kind, space chain.Space) (*chain.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	it, _, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	if it.Kind != "" && it.Kind != kind {
		return nil, fmt.Errorf("%s: declares kind %q under %s", path, it.Kind, kind)
	}
	fillDefaults(it, kind, space)
	return it, nil
}

func fillDefaults(it *chain.Item, kind capability.Kind, space chain.Space) {
	if it.Kind == "" {
		it.Kind = kind
	}
	it.Space = space
}

func findFile(base string) (string, bool) {
	for _, ext := range extensions {
		p := base + ext
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

func hasItemExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func validID(id string) error {
	if id == "" || strings.HasPrefix(id, "/") || strings.Contains(id, "\\") {
		return fmt.Errorf("invalid item id %q", id)
	}
	for _, part := range strings.Split(id, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid item id %q", id)
		}
	}
	return nil
}
