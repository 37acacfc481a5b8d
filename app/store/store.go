// Package store owns the on-disk tracker document: the job records collection
// with its settings and active-task registry. All producers go through the
// same load-mutate-save cycle guarded by an advisory file lock, so concurrent
// processes can't overwrite each other's writes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gofrs/flock"
)

// ErrLockTimeout indicates the advisory lock could not be acquired in time,
// most likely another producer is holding the store.
var ErrLockTimeout = errors.New("store lock timeout")

// Store is a handle to the persisted tracker file. Safe for use from multiple
// processes, every mutation happens under an advisory lock on a sibling
// .lock file held for the full load-mutate-save critical section.
type Store struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
}

// New makes a store handle for the given file. The file doesn't have to exist
// yet, a missing file loads as an empty collection.
func New(path string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Store{path: path, lock: flock.New(path + ".lock"), lockTimeout: lockTimeout}
}

// Path returns the location of the store file.
func (s *Store) Path() string { return s.path }

// Load reads the full collection. It never fails to the caller: a missing file
// yields a fresh empty collection, malformed content is set aside to a
// .corrupt sibling for forensics and an empty collection is returned. The
// original bytes are only overwritten by the next successful Save.
func (s *Store) Load() *Collection {
	data, err := os.ReadFile(s.path) //nolint:gosec // path is operator-provided
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WARN] can't read store %s, starting empty: %v", s.path, err)
		}
		return NewCollection()
	}

	res := &Collection{}
	if err := json.Unmarshal(data, res); err != nil {
		corrupt := s.path + ".corrupt"
		if werr := os.WriteFile(corrupt, data, 0o600); werr != nil {
			log.Printf("[WARN] can't preserve corrupt store content to %s: %v", corrupt, werr)
		} else {
			log.Printf("[WARN] malformed store %s preserved to %s: %v", s.path, corrupt, err)
		}
		return NewCollection()
	}
	res.ensureDefaults()
	return res
}

// Save writes the whole collection back, replacing prior content. The write
// goes to a temp file in the same directory and is renamed over the store
// file, so a concurrent reader never observes a partial document. Write
// failures are returned, never swallowed.
func (s *Store) Save(c *Collection) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("can't encode store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("can't create temp store file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name()) // no-op after successful rename

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't write store: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("can't finalize store write: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("can't replace store %s: %w", s.path, err)
	}
	return nil
}

// Update runs fn inside the locked load-mutate-save critical section. The
// collection passed to fn is freshly loaded, and saved back only if fn
// returns nil. This is the single mutation entry point for all producers.
func (s *Store) Update(ctx context.Context, fn func(c *Collection) error) error {
	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	c := s.Load()
	if err := fn(c); err != nil {
		return err
	}
	return s.Save(c)
}

// View runs fn with a freshly loaded collection under a shared lock. The
// collection must not be retained past fn, callers re-load on every operation
// to avoid acting on stale state.
func (s *Store) View(ctx context.Context, fn func(c *Collection)) error {
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	fn(s.Load())
	return nil
}

func (s *Store) acquire(ctx context.Context, shared bool) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	try := s.lock.TryLockContext
	if shared {
		try = s.lock.TryRLockContext
	}
	locked, err := try(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w on %s after %v", ErrLockTimeout, s.path, s.lockTimeout)
		}
		return nil, fmt.Errorf("can't lock store %s: %w", s.path, err)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			log.Printf("[WARN] can't unlock store %s: %v", s.path, err)
		}
	}, nil
}
