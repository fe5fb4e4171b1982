// Package diskcache implements the persistent disk tier of the image cache.
//
// Entries live at <root>/<key>, where every key is "<namespace>/<file>" and
// each variant owns one namespace directory. The directory listing is the
// source of truth; the in-memory size accumulator is a cache of it that is
// reconciled on Open and on every eviction scan.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"

	"github.com/richardartoul/imgcache/keys"
	"github.com/richardartoul/imgcache/variant"
)

// ErrStorage wraps every disk read/write failure surfaced by the store.
var ErrStorage = errors.New("disk cache storage failure")

const (
	tmpPrefix     = ".tmp-"
	lockFileName  = ".cleanup.lock"
	staleTempAge  = time.Hour
	keyLockStripe = 64
)

// Config holds configuration for the disk store.
type Config struct {
	// Root is the directory where cache files are stored.
	Root string
	// MaxBytes is the budget; going over it makes OverBudget report true.
	MaxBytes int64
	// CleanupTargetRatio is the fraction of MaxBytes EvictToTarget shrinks to.
	// Defaults to 0.8 if not in (0,1].
	CleanupTargetRatio float64
	// MaxConcurrentIO bounds concurrent file reads and writes.
	// Defaults to 16 if <= 0.
	MaxConcurrentIO int64
}

// Store is a bounded key→bytes store on the local filesystem.
type Store struct {
	root        string
	maxBytes    int64
	targetRatio float64
	logger      *slog.Logger

	ioSem *semaphore.Weighted

	// clearMu is held shared by writers and eviction and exclusively by
	// ClearAll, so a clear never interleaves with half-done accounting.
	clearMu  sync.RWMutex
	keyLocks [keyLockStripe]sync.Mutex
	evictMu  sync.Mutex
	fileLock *flock.Flock

	size  atomic.Int64
	count atomic.Int64

	// remove deletes one cache file; replaced in tests.
	remove func(name string) error
}

// EvictResult summarizes one EvictToTarget run.
type EvictResult struct {
	Removed    int
	FreedBytes int64
	Failed     int
	// Skipped is true when another process held the cleanup lock.
	Skipped bool
}

// Open creates the namespace directories under cfg.Root, removes temp files
// abandoned by crashed writers and reconciles the size accumulator.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk cache root is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ratio := cfg.CleanupTargetRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.8
	}
	maxIO := cfg.MaxConcurrentIO
	if maxIO <= 0 {
		maxIO = 16
	}

	if err := ensureLayout(cfg.Root); err != nil {
		return nil, err
	}

	s := &Store{
		root:        cfg.Root,
		maxBytes:    cfg.MaxBytes,
		targetRatio: ratio,
		logger:      logger,
		ioSem:       semaphore.NewWeighted(maxIO),
		fileLock:    flock.New(filepath.Join(cfg.Root, lockFileName)),
		remove:      os.Remove,
	}

	s.removeStaleTemps()
	if _, err := s.RecomputeSize(); err != nil {
		return nil, err
	}
	return s, nil
}

func ensureLayout(root string) error {
	for _, v := range variant.All {
		if err := os.MkdirAll(filepath.Join(root, v.Namespace()), 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return nil
}

// Path returns the absolute path for key. It does not check that the file
// exists.
func (s *Store) Path(key string) string {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Get reads the entry for key. Missing or unreadable files are a miss.
// A hit refreshes the file's modification time so eviction sees it as
// recently used.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if !keys.Valid(key) {
		return nil, false
	}
	if err := s.ioSem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	defer s.ioSem.Release(1)

	p := s.Path(key)
	data, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read disk cache entry", "key", key, "error", err)
		}
		return nil, false
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return data, true
}

// Contains reports whether a file exists for key.
func (s *Store) Contains(key string) bool {
	if !keys.Valid(key) {
		return false
	}
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Put atomically writes data for key: readers observe either the previous
// complete file or the new complete file, never a partial one. The data is
// durable and visible to Get before Put returns.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if !keys.Valid(key) {
		return fmt.Errorf("%w: invalid key %q", ErrStorage, key)
	}
	if err := s.ioSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer s.ioSem.Release(1)

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	diskPath := s.Path(key)
	dir := filepath.Dir(diskPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create namespace directory: %v", ErrStorage, err)
	}

	var prevSize int64
	existed := false
	if info, err := os.Stat(diskPath); err == nil {
		prevSize = info.Size()
		existed = true
	}

	if err := writeAtomic(dir, diskPath, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.addSize(int64(len(data)) - prevSize)
	if !existed {
		s.addCount(1)
	}
	return nil
}

// writeAtomic writes data to a temp file in dir, syncs it and renames it
// over finalPath. The directory is not synced, so a crash can lose a
// completed rename; the entry is then simply refetched.
func writeAtomic(dir, finalPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	renamed = true
	return nil
}

// Size returns the tracked number of bytes on disk.
func (s *Store) Size() int64 {
	return s.size.Load()
}

// Count returns the tracked number of cache files.
func (s *Store) Count() int64 {
	return s.count.Load()
}

// MaxBytes returns the configured budget.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Target returns the size EvictToTarget shrinks the cache to.
func (s *Store) Target() int64 {
	return int64(float64(s.maxBytes) * s.targetRatio)
}

// OverBudget reports whether tracked usage exceeds MaxBytes.
func (s *Store) OverBudget() bool {
	return s.size.Load() > s.maxBytes
}

type diskEntry struct {
	key     string
	path    string
	size    int64
	modTime time.Time
}

// EvictToTarget deletes the least recently modified entries until tracked
// usage is at or below Target. Files that fail to delete are skipped. Only
// one process sharing the directory cleans at a time; if another holds the
// cleanup lock the run is skipped.
func (s *Store) EvictToTarget(ctx context.Context) (EvictResult, error) {
	var res EvictResult

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	locked, err := s.fileLock.TryLock()
	if err != nil {
		return res, fmt.Errorf("%w: failed to acquire cleanup lock: %v", ErrStorage, err)
	}
	if !locked {
		res.Skipped = true
		return res, nil
	}
	defer s.fileLock.Unlock()

	entries, total, err := s.scan()
	if err != nil {
		return res, err
	}
	s.size.Store(total)
	s.count.Store(int64(len(entries)))

	target := s.Target()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].key < entries[j].key
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	for _, e := range entries {
		if s.size.Load() <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		lock := s.keyLock(e.key)
		lock.Lock()
		err := s.remove(e.path)
		lock.Unlock()

		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			res.Failed++
			s.logger.Warn("failed to evict disk cache entry", "key", e.key, "error", err)
			continue
		}
		s.addSize(-e.size)
		s.addCount(-1)
		res.Removed++
		res.FreedBytes += e.size
	}

	s.logger.Debug("disk cache eviction finished",
		"removed", res.Removed,
		"freed_bytes", res.FreedBytes,
		"failed", res.Failed,
		"size", s.size.Load(),
		"target", target)
	return res, nil
}

// ClearAll deletes every cache file and resets the accumulator.
func (s *Store) ClearAll(ctx context.Context) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.size.Store(0)
			s.count.Store(0)
			return ensureLayout(s.root)
		}
		return fmt.Errorf("%w: failed to read cache directory: %v", ErrStorage, err)
	}

	var firstErr error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Name() == lockFileName {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if err := os.RemoveAll(path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: failed to remove %s: %v", ErrStorage, path, err)
		}
	}

	if err := ensureLayout(s.root); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		// Keep the accumulator honest about what survived.
		if _, err := s.recomputeLocked(); err != nil {
			return errors.Join(firstErr, err)
		}
		return firstErr
	}
	s.size.Store(0)
	s.count.Store(0)
	return nil
}

// RecomputeSize rescans the directory and resets the accumulator to the
// sum of the file sizes found.
func (s *Store) RecomputeSize() (int64, error) {
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()
	return s.recomputeLocked()
}

func (s *Store) recomputeLocked() (int64, error) {
	entries, total, err := s.scan()
	if err != nil {
		return 0, err
	}
	s.size.Store(total)
	s.count.Store(int64(len(entries)))
	return total, nil
}

// scan lists every cache file under the namespace directories.
func (s *Store) scan() ([]diskEntry, int64, error) {
	var entries []diskEntry
	var total int64
	for _, v := range variant.All {
		ns := v.Namespace()
		dirEntries, err := os.ReadDir(filepath.Join(s.root, ns))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, 0, fmt.Errorf("%w: failed to list %s: %v", ErrStorage, ns, err)
		}
		for _, de := range dirEntries {
			if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
				continue
			}
			info, err := de.Info()
			if err != nil {
				// Deleted between listing and stat.
				continue
			}
			key := ns + "/" + de.Name()
			entries = append(entries, diskEntry{
				key:     key,
				path:    filepath.Join(s.root, ns, de.Name()),
				size:    info.Size(),
				modTime: info.ModTime(),
			})
			total += info.Size()
		}
	}
	return entries, total, nil
}

// removeStaleTemps deletes temp files left behind by writers that crashed
// before renaming. Recent temp files may belong to a live writer in another
// process and are kept.
func (s *Store) removeStaleTemps() {
	cutoff := time.Now().Add(-staleTempAge)
	for _, v := range variant.All {
		dir := filepath.Join(s.root, v.Namespace())
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, de := range dirEntries {
			if !strings.HasPrefix(de.Name(), tmpPrefix) {
				continue
			}
			info, err := de.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, de.Name())); err == nil {
				s.logger.Debug("removed abandoned temp file", "path", de.Name())
			}
		}
	}
}

// Close releases the cleanup lock handle.
func (s *Store) Close() error {
	return s.fileLock.Close()
}

func (s *Store) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.keyLocks[h.Sum32()%keyLockStripe]
}

// addSize adjusts the byte accumulator, clamping at zero.
func (s *Store) addSize(delta int64) {
	addClamped(&s.size, delta)
}

// addCount adjusts the file count, clamping at zero.
func (s *Store) addCount(delta int64) {
	addClamped(&s.count, delta)
}

func addClamped(v *atomic.Int64, delta int64) {
	for {
		cur := v.Load()
		next := max(cur+delta, 0)
		if v.CompareAndSwap(cur, next) {
			return
		}
	}
}
