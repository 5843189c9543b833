package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LockfileVersion is the current lockfile format version.
const LockfileVersion = 1

// LockRoot pins the root item of a chain.
type LockRoot struct {
	ItemID    string `json:"item_id"`
	Version   string `json:"version"`
	Integrity string `json:"integrity"`
}

// Lockfile is a pinned, previously verified chain.
type Lockfile struct {
	LockfileVersion int       `json:"lockfile_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Root            LockRoot  `json:"root"`
	ResolvedChain   []Element `json:"resolved_chain"`
}

// ErrMalformedLockfile is returned for lockfiles missing required fields.
var ErrMalformedLockfile = errors.New("malformed lockfile")

// LockStore persists lockfiles as <dir>/<item-id>@<version>.lock.json.
// Item ids containing "/" map to subdirectories. Writes go through a temp
// file and rename so readers never see a partial lockfile.
type LockStore struct {
	dir string
}

// NewLockStore creates a store rooted at dir.
func NewLockStore(dir string) *LockStore {
	return &LockStore{dir: dir}
}

// Path returns where the lockfile for id@version lives.
func (s *LockStore) Path(id, version string) string {
	return filepath.Join(s.dir, filepath.FromSlash(id)+"@"+version+".lock.json")
}

// Get loads a lockfile. It returns nil, nil when none exists.
func (s *LockStore) Get(id, version string) (*Lockfile, error) {
	path := s.Path(id, version)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lockfile: %w", err)
	}
	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedLockfile, path, err)
	}
	if lf.LockfileVersion == 0 || lf.Root.ItemID == "" || lf.Root.Integrity == "" || len(lf.ResolvedChain) == 0 {
		return nil, fmt.Errorf("%w: %s: missing required fields", ErrMalformedLockfile, path)
	}
	return &lf, nil
}

// Put writes a lockfile atomically.
func (s *LockStore) Put(lf *Lockfile) (string, error) {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return "", err
	}
	path := s.Path(lf.Root.ItemID, lf.Root.Version)
	if err := writeFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write lockfile: %w", err)
	}
	return path, nil
}

// Delete removes a lockfile. Missing files are not an error.
func (s *LockStore) Delete(id, version string) error {
	err := os.Remove(s.Path(id, version))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the root of every lockfile in the store.
func (s *LockStore) List() ([]LockRoot, error) {
	var roots []LockRoot
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".lock.json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var lf Lockfile
		if err := json.Unmarshal(data, &lf); err != nil {
			return nil
		}
		roots = append(roots, lf.Root)
		return nil
	})
	return roots, err
}
