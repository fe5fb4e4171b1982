package diskcache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(ns string, i int) string {
	return fmt.Sprintf("%s/%064x.jpg", ns, i)
}

func openStore(t *testing.T, root string, maxBytes int64) *Store {
	t.Helper()
	s, err := Open(Config{Root: root, MaxBytes: maxBytes, CleanupTargetRatio: 0.5}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, 1<<20)
	ctx := context.Background()

	k := key("thumbnails", 1)
	require.NoError(t, s.Put(ctx, k, []byte("hello")))

	assert.FileExists(t, filepath.Join(root, "thumbnails", filepath.Base(k)))
	got, ok := s.Get(ctx, k)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))
	assert.True(t, s.Contains(k))
	assert.Equal(t, int64(5), s.Size())
	assert.Equal(t, int64(1), s.Count())

	_, ok = s.Get(ctx, key("thumbnails", 2))
	assert.False(t, ok)
}

func TestStore_ReplaceAdjustsSize(t *testing.T) {
	s := openStore(t, t.TempDir(), 1<<20)
	ctx := context.Background()

	k := key("medium", 1)
	require.NoError(t, s.Put(ctx, k, make([]byte, 100)))
	require.NoError(t, s.Put(ctx, k, make([]byte, 40)))

	assert.Equal(t, int64(40), s.Size())
	assert.Equal(t, int64(1), s.Count())
}

func TestStore_InvalidKeys(t *testing.T) {
	s := openStore(t, t.TempDir(), 1<<20)
	ctx := context.Background()

	for _, k := range []string{"", "../escape.jpg", "thumbnails/../../x", "unknown/abc.jpg"} {
		assert.ErrorIs(t, s.Put(ctx, k, []byte("x")), ErrStorage, k)
		_, ok := s.Get(ctx, k)
		assert.False(t, ok, k)
	}
}

func TestStore_RecomputeOnOpen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s := openStore(t, root, 1<<20)
	require.NoError(t, s.Put(ctx, key("full", 1), make([]byte, 300)))
	require.NoError(t, s.Put(ctx, key("thumbnails", 2), make([]byte, 20)))
	require.NoError(t, s.Close())

	reopened := openStore(t, root, 1<<20)
	assert.Equal(t, int64(320), reopened.Size())
	assert.Equal(t, int64(2), reopened.Count())

	got, ok := reopened.Get(ctx, key("full", 1))
	require.True(t, ok)
	assert.Len(t, got, 300)
}

func TestStore_EvictToTarget(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, 1000) // target = 500
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		k := key("medium", i)
		require.NoError(t, s.Put(ctx, k, make([]byte, 100)))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(s.Path(k), mt, mt))
	}
	require.True(t, s.OverBudget())

	res, err := s.EvictToTarget(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 7, res.Removed)
	assert.Equal(t, int64(700), res.FreedBytes)
	assert.LessOrEqual(t, s.Size(), s.Target())
	assert.Equal(t, int64(5), s.Count())

	// Oldest entries go first.
	for i := 0; i < 7; i++ {
		assert.False(t, s.Contains(key("medium", i)), "entry %d should be evicted", i)
	}
	for i := 7; i < 12; i++ {
		assert.True(t, s.Contains(key("medium", i)), "entry %d should survive", i)
	}
}

func TestStore_EvictSkipsUndeletableEntries(t *testing.T) {
	s := openStore(t, t.TempDir(), 1000) // target = 500
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		k := key("medium", i)
		require.NoError(t, s.Put(ctx, k, make([]byte, 100)))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(s.Path(k), mt, mt))
	}

	stuck := s.Path(key("medium", 0))
	s.remove = func(name string) error {
		if name == stuck {
			return fmt.Errorf("remove %s: device busy", name)
		}
		return os.Remove(name)
	}

	res, err := s.EvictToTarget(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 7, res.Removed)
	assert.Equal(t, int64(500), s.Size())
	assert.Equal(t, int64(5), s.Count())

	assert.True(t, s.Contains(key("medium", 0)))
	for i := 1; i < 8; i++ {
		assert.False(t, s.Contains(key("medium", i)), "entry %d should be evicted", i)
	}
	for i := 8; i < 12; i++ {
		assert.True(t, s.Contains(key("medium", i)), "entry %d should survive", i)
	}
}

func TestStore_ClearAllWaitsForEviction(t *testing.T) {
	s := openStore(t, t.TempDir(), 1000)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		require.NoError(t, s.Put(ctx, key("thumbnails", i), make([]byte, 100)))
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.remove = func(name string) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return os.Remove(name)
	}

	evicted := make(chan EvictResult, 1)
	go func() {
		res, err := s.EvictToTarget(ctx)
		assert.NoError(t, err)
		evicted <- res
	}()
	<-started

	cleared := make(chan error, 1)
	go func() { cleared <- s.ClearAll(ctx) }()

	assert.Never(t, func() bool { return len(cleared) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	close(release)

	res := <-evicted
	require.NoError(t, <-cleared)
	assert.Zero(t, res.Failed)
	assert.Equal(t, int64(0), s.Count())
	assert.Equal(t, int64(0), s.Size())

	_, err := s.RecomputeSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Count())
}

func TestStore_CountNeverNegative(t *testing.T) {
	s := openStore(t, t.TempDir(), 1000)
	s.addCount(-3)
	s.addSize(-3)
	assert.Equal(t, int64(0), s.Count())
	assert.Equal(t, int64(0), s.Size())
}

func TestStore_EvictReadRefreshesRecency(t *testing.T) {
	s := openStore(t, t.TempDir(), 300) // target = 150
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		k := key("thumbnails", i)
		require.NoError(t, s.Put(ctx, k, make([]byte, 100)))
		mt := old.Add(time.Duration(i) * time.Second)
		require.NoError(t, os.Chtimes(s.Path(k), mt, mt))
	}

	// Reading the oldest entry makes it the newest.
	_, ok := s.Get(ctx, key("thumbnails", 0))
	require.True(t, ok)

	_, err := s.EvictToTarget(ctx)
	require.NoError(t, err)
	assert.True(t, s.Contains(key("thumbnails", 0)))
	assert.Equal(t, int64(100), s.Size())
}

func TestStore_EvictSkipsWhenLockedElsewhere(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, 10)
	require.NoError(t, s.Put(context.Background(), key("full", 1), make([]byte, 100)))

	// A second handle stands in for another process sharing the directory.
	other := openStore(t, root, 10)
	locked, err := other.fileLock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.fileLock.Unlock()

	res, err := s.EvictToTarget(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, s.Contains(key("full", 1)))
}

func TestStore_ClearAll(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, 1<<20)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, key("thumbnails", i), []byte("data")))
	}
	require.NoError(t, s.ClearAll(ctx))

	assert.Equal(t, int64(0), s.Size())
	assert.Equal(t, int64(0), s.Count())
	for i := 0; i < 5; i++ {
		assert.False(t, s.Contains(key("thumbnails", i)))
	}
	assert.DirExists(t, filepath.Join(root, "thumbnails"))

	// The store keeps working after a clear.
	require.NoError(t, s.Put(ctx, key("thumbnails", 9), []byte("again")))
	assert.Equal(t, int64(5), s.Size())
}

func TestStore_PartialWriteNeverVisible(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, 1<<20)
	ctx := context.Background()

	// A crashed writer leaves only a temp file behind.
	k := key("full", 1)
	dir := filepath.Join(root, "full")
	tmp := filepath.Join(dir, tmpPrefix+"crashed")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0644))
	old := time.Now().Add(-2 * staleTempAge)
	require.NoError(t, os.Chtimes(tmp, old, old))

	_, ok := s.Get(ctx, k)
	assert.False(t, ok)

	reopened := openStore(t, root, 1<<20)
	assert.NoFileExists(t, tmp)
	assert.Equal(t, int64(0), reopened.Size())
}

func TestStore_ConcurrentReadersSeeWholeFiles(t *testing.T) {
	s := openStore(t, t.TempDir(), 1<<30)
	ctx := context.Background()
	k := key("medium", 42)

	payloadA := bytes.Repeat([]byte{'a'}, 256*1024)
	payloadB := bytes.Repeat([]byte{'b'}, 256*1024)
	require.NoError(t, s.Put(ctx, k, payloadA))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			p := payloadA
			if i%2 == 1 {
				p = payloadB
			}
			if err := s.Put(ctx, k, p); err != nil {
				t.Errorf("put: %v", err)
				return
			}
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				got, ok := s.Get(ctx, k)
				if !ok {
					continue
				}
				if !bytes.Equal(got, payloadA) && !bytes.Equal(got, payloadB) {
					t.Errorf("observed a partial or mixed file of %d bytes", len(got))
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(len(payloadA)), s.Size())
}
