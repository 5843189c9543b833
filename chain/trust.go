package chain

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/everydev1618/threads/internal/logging"
)

// Trust returns trusted public keys by fingerprint.
type Trust interface {
	Key(fingerprint string) (ed25519.PublicKey, bool)
}

// TrustStore is a directory of <fingerprint>.pem public keys held in memory.
// The directory is read once on open and again whenever Reload runs, which
// Watch does on every filesystem change.
type TrustStore struct {
	dir    string
	logger *zap.Logger

	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// OpenTrustStore loads every key in dir, creating the directory when missing.
func OpenTrustStore(dir string, logger *zap.Logger) (*TrustStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trust dir: %w", err)
	}
	s := &TrustStore{dir: dir, logger: logging.OrNop(logger), keys: make(map[string]ed25519.PublicKey)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the backing directory.
func (s *TrustStore) Dir() string { return s.dir }

// Key implements Trust.
func (s *TrustStore) Key(fingerprint string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[fingerprint]
	return k, ok
}

// Fingerprints lists the trusted fingerprints.
func (s *TrustStore) Fingerprints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for fp := range s.keys {
		out = append(out, fp)
	}
	return out
}

// Add trusts pub, writing it through a temp file and rename.
func (s *TrustStore) Add(pub ed25519.PublicKey) (string, error) {
	pemBytes, err := EncodePublicKey(pub)
	if err != nil {
		return "", err
	}
	fp := FingerprintPEM(pemBytes)
	if err := writeFileAtomic(filepath.Join(s.dir, fp+".pem"), pemBytes, 0o644); err != nil {
		return "", fmt.Errorf("write trusted key: %w", err)
	}
	s.mu.Lock()
	s.keys[fp] = pub
	s.mu.Unlock()
	s.logger.Info("trusted key added", zap.String("fingerprint", fp))
	return fp, nil
}

// Remove drops a trusted key.
func (s *TrustStore) Remove(fingerprint string) error {
	err := os.Remove(filepath.Join(s.dir, fingerprint+".pem"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.mu.Lock()
	delete(s.keys, fingerprint)
	s.mu.Unlock()
	return nil
}

// Reload re-reads the directory. Files whose name does not match the
// fingerprint of their content are skipped.
func (s *TrustStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read trust dir: %w", err)
	}
	keys := make(map[string]ed25519.PublicKey, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pem") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return err
		}
		pub, err := ParsePublicKey(data)
		if err != nil {
			s.logger.Warn("skipping unreadable trusted key", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		fp := FingerprintPEM(data)
		if strings.TrimSuffix(e.Name(), ".pem") != fp {
			s.logger.Warn("skipping trusted key with mismatched name",
				zap.String("file", e.Name()), zap.String("fingerprint", fp))
			continue
		}
		keys[fp] = pub
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// Watch reloads the store whenever the directory changes, until ctx ends.
// The returned channel is closed when watching stops.
func (s *TrustStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".pem") {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("trust store reload failed", zap.Error(err))
					continue
				}
				s.logger.Debug("trust store reloaded", zap.String("trigger", ev.Name), zap.String("op", ev.Op.String()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("trust store watch error", zap.Error(err))
			}
		}
	}()
	return done, nil
}

// StaticTrust is an in-memory key set.
type StaticTrust map[string]ed25519.PublicKey

// Key implements Trust.
func (t StaticTrust) Key(fingerprint string) (ed25519.PublicKey, bool) {
	k, ok := t[fingerprint]
	return k, ok
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
