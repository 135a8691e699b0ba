package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	_ "github.com/mattn/go-sqlite3"
)

// Upload is the metadata record for one stored upload. Records are never
// mutated after creation, only removed.
type Upload struct {
	Name         string
	OriginalName string
	ContentType  string
	Size         int64
	CreatedAt    time.Time

	// ExpiresAt is the zero time for permanent uploads.
	ExpiresAt time.Time
}

// Temporary reports whether the upload has a bounded lifetime.
func (u *Upload) Temporary() bool {
	return !u.ExpiresAt.IsZero()
}

// Expired reports whether a temporary upload's lifetime has passed.
func (u *Upload) Expired(now time.Time) bool {
	return u.Temporary() && !now.Before(u.ExpiresAt)
}

const expirySchema = `
CREATE TABLE IF NOT EXISTS temp_uploads (
	name       TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);`

// Registry is the authoritative in-memory index of live uploads. It is
// sharded so lookups for unrelated uploads never contend, and it is
// rebuilt from the uploads directory at startup. Temporary uploads
// additionally persist their expiry in a small SQLite sidecar so a
// restart does not silently make them permanent.
type Registry struct {
	shards [shardCount]registryShard
	count  atomic.Int64
	db     *sql.DB
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[string]*Upload
}

// NewRegistry opens (creating if needed) the expiry sidecar database
// under dataDir and returns an empty registry.
func NewRegistry(dataDir string) (*Registry, error) {
	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "metadata.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open expiry database: %w", err)
	}

	if _, err := db.Exec(expirySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init expiry schema: %w", err)
	}

	r := &Registry{db: db}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*Upload)
	}
	return r, nil
}

// Close releases the expiry sidecar.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Insert records a new upload. Inserting a name that already exists is
// an error; name generation should have prevented it.
func (r *Registry) Insert(ctx context.Context, u *Upload) error {
	shard := &r.shards[shardIndex(u.Name)]

	shard.mu.Lock()
	if _, ok := shard.entries[u.Name]; ok {
		shard.mu.Unlock()
		return fmt.Errorf("upload %q already registered", u.Name)
	}
	shard.entries[u.Name] = u
	shard.mu.Unlock()

	r.count.Add(1)

	if u.Temporary() {
		// Sidecar failures degrade durability (the upload would come
		// back permanent after a restart), not correctness, so they
		// are logged rather than surfaced.
		_, err := r.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO temp_uploads(name, expires_at) VALUES(?, ?)`,
			u.Name, u.ExpiresAt.UnixNano(),
		)
		if err != nil {
			slog.Warn("Failed to persist upload expiry", "name", u.Name, "err", err)
		}
	}

	return nil
}

// Get returns the metadata for name, or nil when the name is unknown or
// its lifetime has passed. The expiry check happens on every read, not
// only during sweeps, so an expired-but-unswept upload is never served.
func (r *Registry) Get(name string) *Upload {
	shard := &r.shards[shardIndex(name)]

	shard.mu.RLock()
	u, ok := shard.entries[name]
	shard.mu.RUnlock()

	if !ok || u.Expired(time.Now()) {
		return nil
	}
	return u
}

// Remove deletes the entry for name. Removing an unknown name is a
// no-op.
func (r *Registry) Remove(ctx context.Context, name string) {
	shard := &r.shards[shardIndex(name)]

	shard.mu.Lock()
	_, existed := shard.entries[name]
	delete(shard.entries, name)
	shard.mu.Unlock()

	if existed {
		r.count.Add(-1)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM temp_uploads WHERE name = ?`, name); err != nil {
		slog.Warn("Failed to remove persisted upload expiry", "name", name, "err", err)
	}
}

// Count returns the number of live uploads, for status reporting.
func (r *Registry) Count() int64 {
	return r.count.Load()
}

// Exists reports whether name is registered, expired or not. Used for
// collision checks during name generation, where even an expired name
// is still occupied until swept.
func (r *Registry) Exists(name string) bool {
	shard := &r.shards[shardIndex(name)]

	shard.mu.RLock()
	_, ok := shard.entries[name]
	shard.mu.RUnlock()
	return ok
}

// Temporaries returns a snapshot of all uploads with a bounded lifetime,
// for the background sweeper.
func (r *Registry) Temporaries() []*Upload {
	var out []*Upload
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		for _, u := range shard.entries {
			if u.Temporary() {
				out = append(out, u)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// ReconcileFromDisk walks dir once at startup and registers every file
// found there. Expiries persisted in the sidecar are applied; files
// whose persisted expiry has already passed are deleted on the spot.
// Problems with individual files are logged and skipped so one bad file
// cannot abort the whole scan.
func (r *Registry) ReconcileFromDisk(ctx context.Context, dir string) error {
	expiries, err := r.loadExpiries(ctx)
	if err != nil {
		slog.Warn("Could not load persisted expiries; treating all uploads as permanent", "err", err)
		expiries = map[string]time.Time{}
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read uploads directory: %w", err)
	}

	now := time.Now()
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()

		if r.Exists(name) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			slog.Warn("Skipping unreadable upload during reconcile", "name", name, "err", err)
			continue
		}

		expiresAt, isTemp := expiries[name]
		if isTemp && !now.Before(expiresAt) {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Warn("Failed to delete expired upload during reconcile", "name", name, "err", err)
				continue
			}
			if _, err := r.db.ExecContext(ctx, `DELETE FROM temp_uploads WHERE name = ?`, name); err != nil {
				slog.Warn("Failed to drop expiry row during reconcile", "name", name, "err", err)
			}
			slog.Info("Deleted expired temporary upload at startup", "name", name)
			continue
		}

		contentType := "application/octet-stream"
		if m, err := mimetype.DetectFile(filepath.Join(dir, name)); err == nil {
			contentType = m.String()
		}

		u := &Upload{
			Name:         name,
			OriginalName: name,
			ContentType:  contentType,
			Size:         info.Size(),
			CreatedAt:    info.ModTime(),
		}
		if isTemp {
			u.ExpiresAt = expiresAt
		}

		if err := r.Insert(ctx, u); err != nil {
			slog.Warn("Failed to register upload during reconcile", "name", name, "err", err)
		}
	}

	return nil
}

func (r *Registry) loadExpiries(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, expires_at FROM temp_uploads`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name  string
			nanos int64
		)
		if err := rows.Scan(&name, &nanos); err != nil {
			return nil, err
		}
		out[name] = time.Unix(0, nanos)
	}
	return out, rows.Err()
}
