package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSweeperFixture(t *testing.T) (*Sweeper, *Registry, *Cache, *Disk) {
	t.Helper()
	dir := t.TempDir()

	disk, err := NewDisk(dir)
	require.NoError(t, err)

	registry, err := NewRegistry(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	cache := NewCache(CacheConfig{
		MaxLength:      1024,
		UploadLifetime: time.Hour,
		ScanFreq:       time.Hour,
		MemCapacity:    4096,
	})

	return NewSweeper(10*time.Millisecond, registry, cache, disk), registry, cache, disk
}

func TestSweepReclaimsExpiredTemporaries(t *testing.T) {
	t.Parallel()
	s, registry, cache, disk := newSweeperFixture(t)
	ctx := context.Background()

	now := time.Now()
	for _, tc := range []struct {
		name      string
		expiresAt time.Time
	}{
		{name: "expired.txt", expiresAt: now.Add(-time.Second)},
		{name: "alive.txt", expiresAt: now.Add(time.Hour)},
		{name: "forever.txt"},
	} {
		_, err := disk.Save(tc.name, strings.NewReader("content"))
		require.NoError(t, err)
		require.NoError(t, registry.Insert(ctx, &Upload{
			Name: tc.name, Size: 7, CreatedAt: now, ExpiresAt: tc.expiresAt,
		}))
		cache.Put(tc.name, []byte("content"), now.Add(time.Hour))
	}

	removed := s.Sweep(ctx)
	require.Equal(t, 1, removed, "exactly the expired temporary goes")

	require.False(t, registry.Exists("expired.txt"), "registry entry should be gone")
	_, ok := cache.Get("expired.txt")
	require.False(t, ok, "cache entry should be gone")
	_, err := disk.ReadAll("expired.txt")
	require.ErrorIs(t, err, ErrNotFound, "backing file should be gone")

	require.NotNil(t, registry.Get("alive.txt"), "unexpired temporary survives")
	require.NotNil(t, registry.Get("forever.txt"), "permanent upload survives")
}

func TestSweepDiskFailureDoesNotHaltSweep(t *testing.T) {
	t.Parallel()
	s, registry, _, disk := newSweeperFixture(t)
	ctx := context.Background()

	now := time.Now()

	// "stuck.txt" has no backing file inside an unwritable directory
	// situation; simulate the I/O failure by making the registry point
	// at a name the disk layer rejects outright.
	require.NoError(t, registry.Insert(ctx, &Upload{
		Name: "bad/name", Size: 1, CreatedAt: now, ExpiresAt: now.Add(-time.Second),
	}))

	_, err := disk.Save("ok.txt", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, registry.Insert(ctx, &Upload{
		Name: "ok.txt", Size: 1, CreatedAt: now, ExpiresAt: now.Add(-time.Second),
	}))

	removed := s.Sweep(ctx)
	require.Equal(t, 1, removed, "the healthy entry is still reclaimed")
	require.True(t, registry.Exists("bad/name"), "failed entry stays for the next tick")
	require.False(t, registry.Exists("ok.txt"))
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s, registry, _, disk := newSweeperFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := disk.Save("tick.txt", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, registry.Insert(ctx, &Upload{
		Name: "tick.txt", Size: 1, CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}))

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !registry.Exists("tick.txt")
	}, time.Second, 5*time.Millisecond, "background ticks should reclaim the entry")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}

	// The sidecar file check: nothing else should have been touched.
	entries, err := os.ReadDir(filepath.Join(filepath.Dir(disk.SaveDir()), "uploads"))
	require.NoError(t, err)
	require.Empty(t, entries, "uploads directory should be empty")
}
