package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/pslog"
)

// KV is a string key/value store that survives process restarts.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Store persists values as one JSON file per key under a private directory.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore opens a store rooted at dir without logging.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger opens a store rooted at dir, creating it when missing.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("persist: state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{dir: dir, log: logger.With("state_dir", dir)}, nil
}

// Get reads the value stored for key. A missing key reports ok=false without error.
func (s *Store) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(s.pathForKey(key))
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.log.Debug("state load miss", "key", key)
		return "", false, nil
	case err != nil:
		s.log.Warn("state load failed", "key", key, "err", err)
		return "", false, err
	}
	s.log.Debug("state load ok", "key", key, "bytes", len(data))
	return string(data), true, nil
}

// Set replaces the value for key atomically.
func (s *Store) Set(key, value string) error {
	if err := writeAtomic(s.pathForKey(key), []byte(value)); err != nil {
		s.log.Warn("state save failed", "key", key, "err", err)
		return err
	}
	s.log.Trace("state save ok", "key", key, "bytes", len(value))
	return nil
}

// Remove deletes the value for key. Removing a missing key is not an error.
func (s *Store) Remove(key string) error {
	if err := os.Remove(s.pathForKey(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("state remove failed", "key", key, "err", err)
		return err
	}
	return nil
}

// CheckWritable checks that the state directory is writable.
func (s *Store) CheckWritable() error {
	path := filepath.Join(s.dir, ".writable")
	if err := writeAtomic(path, nil); err != nil {
		return err
	}
	return os.Remove(path)
}

// writeAtomic writes data to a temp file beside path and renames it into place.
func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) pathForKey(key string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("-_.", r) {
			return r
		}
		return '_'
	}, key)
	if strings.Trim(name, ".") == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}
