package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FSLockGroup deduplicates across processes that share a cache directory.
// Within the process it coalesces through an inner Group; the unit of work
// itself runs under a per-key filesystem lock so that only one process
// produces a given key at a time. A process that waited for the lock
// typically finds the entry already on disk.
type FSLockGroup struct {
	inner       Group
	lockDir     string
	lockTimeout time.Duration
}

// NewFlockGroup returns a group whose lock files live in lockDir, or
// os.TempDir()/imgcache-dedupe-locks when empty. A nil inner means a
// Coordinator.
func NewFlockGroup(lockDir string, inner Group) (*FSLockGroup, error) {
	if lockDir == "" {
		lockDir = filepath.Join(os.TempDir(), "imgcache-dedupe-locks")
	}
	if inner == nil {
		inner = NewCoordinator()
	}

	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("dedupe: create lock dir: %w", err)
	}

	return &FSLockGroup{
		inner:       inner,
		lockDir:     lockDir,
		lockTimeout: 30 * time.Second,
	}, nil
}

// Do coalesces in-process callers and serializes the work across processes.
func (g *FSLockGroup) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error, bool) {
	return g.inner.Do(ctx, key, func(workCtx context.Context) ([]byte, error) {
		fileLock := flock.New(g.lockPath(key))
		lockCtx, cancel := context.WithTimeout(workCtx, g.lockTimeout)
		defer cancel()
		acquired, err := fileLock.TryLockContext(lockCtx, 10*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("dedupe: lock %s: %w", key, err)
		}
		if !acquired {
			return nil, fmt.Errorf("dedupe: lock %s: timed out after %s", key, g.lockTimeout)
		}
		defer fileLock.Unlock()

		return fn(workCtx)
	})
}

// lockPath hashes key so arbitrary URLs map to safe file names.
func (g *FSLockGroup) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(g.lockDir, hex.EncodeToString(sum[:16])+".lock")
}
