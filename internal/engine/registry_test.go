package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(dir)
	require.NoError(t, err, "NewRegistry error")
	t.Cleanup(func() { _ = r.Close() })
	return r, dir
}

func TestRegistryInsertGetRemove(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	u := &Upload{
		Name:         "abc123.txt",
		OriginalName: "notes.txt",
		ContentType:  "text/plain; charset=utf-8",
		Size:         42,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, r.Insert(ctx, u))
	require.EqualValues(t, 1, r.Count())

	got := r.Get("abc123.txt")
	require.NotNil(t, got)
	require.Equal(t, "notes.txt", got.OriginalName)

	// Duplicate insert is enforced even though name generation should
	// prevent it.
	require.Error(t, r.Insert(ctx, u), "duplicate insert must fail")

	r.Remove(ctx, "abc123.txt")
	require.Nil(t, r.Get("abc123.txt"))
	require.Zero(t, r.Count())

	// Removing an unknown name is a no-op.
	r.Remove(ctx, "abc123.txt")
	require.Zero(t, r.Count())
}

func TestRegistryExpiryCheckedOnRead(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	u := &Upload{
		Name:      "temp01.bin",
		Size:      1,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}
	require.NoError(t, r.Insert(ctx, u))
	require.NotNil(t, r.Get("temp01.bin"), "should be live before expiry")

	time.Sleep(30 * time.Millisecond)

	require.Nil(t, r.Get("temp01.bin"), "expired entry must read as gone before any sweep")
	require.True(t, r.Exists("temp01.bin"), "the slot stays occupied until swept")
}

func TestRegistryReconcileFromDisk(t *testing.T) {
	t.Parallel()
	r, dir := newTestRegistry(t)
	ctx := context.Background()

	uploads := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(uploads, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "aaaaaa.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "bbbbbb.png"), []byte("not a real png"), 0o644))

	require.NoError(t, r.ReconcileFromDisk(ctx, uploads))
	require.EqualValues(t, 2, r.Count())

	u := r.Get("aaaaaa.txt")
	require.NotNil(t, u)
	require.EqualValues(t, 5, u.Size, "size comes from the file stat")
	require.False(t, u.Temporary(), "files without a persisted expiry are permanent")

	// Reconciling again is idempotent.
	require.NoError(t, r.ReconcileFromDisk(ctx, uploads))
	require.EqualValues(t, 2, r.Count())
}

func TestRegistryExpirySurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	uploads := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(uploads, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "keep01.txt"), []byte("keep"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "gone01.txt"), []byte("gone"), 0o644))

	// First process lifetime: register one live temporary and one whose
	// expiry will have passed by "restart".
	r1, err := NewRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r1.Insert(ctx, &Upload{
		Name: "keep01.txt", Size: 4, CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, r1.Insert(ctx, &Upload{
		Name: "gone01.txt", Size: 4, CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Millisecond),
	}))
	require.NoError(t, r1.Close())

	time.Sleep(20 * time.Millisecond)

	// Second process lifetime: reconcile applies persisted expiries.
	r2, err := NewRegistry(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r2.Close() })
	require.NoError(t, r2.ReconcileFromDisk(ctx, uploads))

	u := r2.Get("keep01.txt")
	require.NotNil(t, u, "unexpired temporary should come back")
	require.True(t, u.Temporary(), "expiry must survive the restart")

	require.Nil(t, r2.Get("gone01.txt"), "already-expired temporary must not come back")
	_, err = os.Stat(filepath.Join(uploads, "gone01.txt"))
	require.True(t, os.IsNotExist(err), "its file should have been deleted during reconcile")
}

func TestRegistryReconcileSkipsBadFilesAndContinues(t *testing.T) {
	t.Parallel()
	r, dir := newTestRegistry(t)
	ctx := context.Background()

	uploads := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(filepath.Join(uploads, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "good01.txt"), []byte("ok"), 0o644))

	require.NoError(t, r.ReconcileFromDisk(ctx, uploads))
	require.EqualValues(t, 1, r.Count(), "directories are ignored, files registered")
}
