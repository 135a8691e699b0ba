package engine

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/singleflight"
)

// Version is reported on the status page.
const Version = "1.0.0"

// Config holds the engine configuration. The HTTP layer and main feed it
// already-validated values.
type Config struct {
	// BaseURL is used to format public and deletion URLs,
	// e.g. https://files.example.com.
	BaseURL string

	// DataDir is the root under which uploads, temp files, and the
	// expiry sidecar live.
	DataDir string

	// UploadKey, when non-empty, must accompany every new upload.
	UploadKey string

	// DeletionSecret signs deletion tokens. Empty disables deletion.
	DeletionSecret string

	// MaxUploadLen rejects bodies above this size mid-stream. Zero
	// means unlimited.
	MaxUploadLen int64

	// MaxStripLen bounds how large an image may be and still have its
	// metadata stripped, since stripping buffers the full content.
	MaxStripLen int64

	// MaxTempLifetime caps how long a temporary upload may last.
	MaxTempLifetime time.Duration

	// Motd is the landing message; %uplcount% and %version% are
	// substituted.
	Motd string

	Cache CacheConfig
}

// Engine is the upload engine: it turns inbound byte streams into
// durably stored uploads, serves them back through a bounded in-memory
// cache, reclaims expired temporary uploads, and mints deletion
// capabilities.
type Engine struct {
	cfg      Config
	disk     *Disk
	cache    *Cache
	registry *Registry
	names    *NameGenerator
	tokens   *Tokens

	// readGroup collapses concurrent cache-miss reads of one upload
	// into a single disk read.
	readGroup singleflight.Group
}

// New builds an engine rooted at cfg.DataDir and reconciles the registry
// with whatever is already on disk.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	disk, err := NewDisk(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	registry, err := NewRegistry(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	if err := registry.ReconcileFromDisk(ctx, disk.SaveDir()); err != nil {
		_ = registry.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		disk:     disk,
		cache:    NewCache(cfg.Cache),
		registry: registry,
		tokens:   NewTokens(cfg.DeletionSecret),
	}
	e.names = NewNameGenerator(e.uploadExists)

	slog.Info("Engine ready", "uploads", registry.Count(), "dir", disk.SaveDir())
	return e, nil
}

// Close releases engine resources.
func (e *Engine) Close() error {
	return e.registry.Close()
}

// NewSweeper returns the background sweeper for this engine's stores.
func (e *Engine) NewSweeper() *Sweeper {
	return NewSweeper(e.cfg.Cache.ScanFreq, e.registry, e.cache, e.disk)
}

// uploadExists is the collision check for name generation: a name is
// taken if the registry knows it, even expired-but-unswept, or if a file
// by that name is still on disk.
func (e *Engine) uploadExists(name string) bool {
	if e.registry.Exists(name) {
		return true
	}
	if _, ok := e.cache.Get(name); ok {
		return true
	}

	f, _, err := e.disk.Open(name)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// UploadOptions carries the per-request knobs for Process.
type UploadOptions struct {
	// Key is compared against the configured upload key.
	Key string

	// LastFor makes the upload temporary when positive.
	LastFor time.Duration

	// KeepMetadata skips the image metadata strip for this upload.
	KeepMetadata bool
}

// UploadResult is returned for a successful upload.
type UploadResult struct {
	Name        string
	URL         string
	DeletionURL string
	Size        int64
	ExpiresAt   time.Time
}

// Process ingests one upload: authenticates, names it, optionally strips
// image metadata, persists it atomically, registers it, populates the
// cache best-effort, and mints the deletion capability.
func (e *Engine) Process(ctx context.Context, originalName string, opts UploadOptions, body io.Reader) (*UploadResult, error) {
	if e.cfg.UploadKey != "" &&
		subtle.ConstantTimeCompare([]byte(opts.Key), []byte(e.cfg.UploadKey)) != 1 {
		return nil, ErrUnauthorized
	}

	if originalName == "" {
		return nil, ErrNoFilename
	}

	if opts.LastFor < 0 || (e.cfg.MaxTempLifetime > 0 && opts.LastFor > e.cfg.MaxTempLifetime) {
		return nil, ErrLifetimeTooLong
	}

	name, err := e.names.Generate(originalName)
	if err != nil {
		return nil, err
	}

	if e.cfg.MaxUploadLen > 0 {
		body = &limitGuard{r: body, remaining: e.cfg.MaxUploadLen}
	}

	// Sniff enough of the stream to classify it, then stitch the
	// consumed prefix back in front.
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	head = head[:n]
	mtype := mimetype.Detect(head)
	stream := io.MultiReader(bytes.NewReader(head), body)

	var (
		size     int64
		cachable []byte
	)

	if !opts.KeepMetadata && Strippable(mtype) {
		size, cachable, err = e.saveStripped(name, stream)
	} else {
		size, cachable, err = e.saveStreaming(name, stream)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	u := &Upload{
		Name:         name,
		OriginalName: originalName,
		ContentType:  mtype.String(),
		Size:         size,
		CreatedAt:    now,
	}
	if opts.LastFor > 0 {
		u.ExpiresAt = now.Add(opts.LastFor)
	}

	if err := e.registry.Insert(ctx, u); err != nil {
		// Keep disk and registry consistent: no orphaned files.
		_ = e.disk.Delete(name)
		return nil, fmt.Errorf("register upload: %w", err)
	}

	if cachable != nil {
		e.cache.Put(name, cachable, now.Add(e.cfg.Cache.UploadLifetime))
	}

	result := &UploadResult{
		Name:      name,
		URL:       e.cfg.BaseURL + "/p/" + name,
		Size:      size,
		ExpiresAt: u.ExpiresAt,
	}
	if e.tokens != nil {
		result.DeletionURL = e.cfg.BaseURL + "/del?name=" + name + "&token=" + e.tokens.Mint(name)
	}

	slog.Info("Processed upload",
		"name", name,
		"size", size,
		"type", u.ContentType,
		"temporary", u.Temporary(),
	)
	return result, nil
}

const sniffLen = 3072

// saveStripped buffers a strippable image, removes its metadata, and
// persists the result. Buffering is bounded by MaxStripLen: an image
// beyond that threshold spills back to the streaming path with its
// metadata intact.
func (e *Engine) saveStripped(name string, stream io.Reader) (int64, []byte, error) {
	buffered, err := io.ReadAll(io.LimitReader(stream, e.cfg.MaxStripLen+1))
	if err != nil {
		return 0, nil, err
	}

	if int64(len(buffered)) > e.cfg.MaxStripLen {
		// Too large to materialize; store it untouched.
		rest := io.MultiReader(bytes.NewReader(buffered), stream)
		return e.saveStreaming(name, rest)
	}

	stripped := StripMetadata(buffered)
	if len(stripped) != len(buffered) {
		slog.Debug("Stripped image metadata", "name", name, "removed", len(buffered)-len(stripped))
	}

	size, err := e.disk.Save(name, bytes.NewReader(stripped))
	if err != nil {
		return 0, nil, err
	}

	if size <= e.cfg.Cache.MaxLength {
		return size, stripped, nil
	}
	return size, nil, nil
}

// saveStreaming persists the stream without materializing it, teeing
// into a bounded buffer so payloads small enough for the cache are
// captured along the way.
func (e *Engine) saveStreaming(name string, stream io.Reader) (int64, []byte, error) {
	capture := &boundedBuffer{limit: e.cfg.Cache.MaxLength}

	size, err := e.disk.Save(name, io.TeeReader(stream, capture))
	if err != nil {
		return 0, nil, err
	}

	return size, capture.Bytes(), nil
}

// Download is the engine-level result of a retrieve operation. Content
// must be closed by the caller; a client disconnect should close it
// promptly so the underlying file handle is released.
type Download struct {
	ContentType string

	// Size is the total stored size, also needed for the
	// Content-Range total on range responses.
	Size int64

	// Content covers the whole upload, or just the satisfied range
	// when Ranged is set.
	Content io.ReadCloser

	Ranged     bool
	Start, End int64 // inclusive, valid when Ranged
}

// Get retrieves an upload. Full reads are served from the cache when
// possible, repopulating it read-through on a miss; range reads and
// uploads too large for the cache stream straight from disk.
func (e *Engine) Get(ctx context.Context, name string, br *ByteRange) (*Download, error) {
	u := e.registry.Get(name)
	if u == nil {
		return nil, ErrNotFound
	}

	if br != nil {
		rc, start, end, size, err := e.disk.ReadRange(name, *br)
		if err != nil {
			return nil, err
		}
		return &Download{
			ContentType: u.ContentType,
			Size:        size,
			Content:     rc,
			Ranged:      true,
			Start:       start,
			End:         end,
		}, nil
	}

	if data, ok := e.cache.Get(name); ok {
		return &Download{
			ContentType: u.ContentType,
			Size:        u.Size,
			Content:     io.NopCloser(bytes.NewReader(data)),
		}, nil
	}

	if u.Size <= e.cfg.Cache.MaxLength {
		v, err, _ := e.readGroup.Do(name, func() (any, error) {
			data, err := e.disk.ReadAll(name)
			if err != nil {
				return nil, err
			}
			e.cache.Put(name, data, time.Now().Add(e.cfg.Cache.UploadLifetime))
			return data, nil
		})
		if err != nil {
			return nil, err
		}
		return &Download{
			ContentType: u.ContentType,
			Size:        u.Size,
			Content:     io.NopCloser(bytes.NewReader(v.([]byte))),
		}, nil
	}

	f, size, err := e.disk.Open(name)
	if err != nil {
		return nil, err
	}
	return &Download{
		ContentType: u.ContentType,
		Size:        size,
		Content:     f,
	}, nil
}

// Delete removes an upload after verifying its deletion capability. A
// bad token is unauthorized regardless of whether the upload exists.
func (e *Engine) Delete(ctx context.Context, name, token string) error {
	if e.tokens == nil {
		return ErrDeletionDisabled
	}
	if !e.tokens.Verify(name, token) {
		return ErrUnauthorized
	}
	if e.registry.Get(name) == nil {
		return ErrNotFound
	}

	e.cache.Remove(name)
	if err := e.disk.Delete(name); err != nil {
		return err
	}
	e.registry.Remove(ctx, name)

	slog.Info("Deleted upload", "name", name)
	return nil
}

// Stat returns the metadata for a live upload without touching its
// content.
func (e *Engine) Stat(name string) (*Upload, bool) {
	u := e.registry.Get(name)
	return u, u != nil
}

// Count returns the number of live uploads.
func (e *Engine) Count() int64 {
	return e.registry.Count()
}

// Motd renders the landing message with the live upload count and
// version substituted in.
func (e *Engine) Motd() string {
	motd := strings.ReplaceAll(e.cfg.Motd, "%version%", Version)
	return strings.ReplaceAll(motd, "%uplcount%", strconv.FormatInt(e.Count(), 10))
}

// limitGuard fails a read with ErrTooLarge the moment the stream crosses
// the configured bound, so an oversized upload aborts without being
// buffered or written in full.
type limitGuard struct {
	r         io.Reader
	remaining int64
}

func (l *limitGuard) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	// Read one byte past the bound so an exactly-at-the-limit stream
	// still ends with a clean EOF.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	return n, err
}

// boundedBuffer accumulates written bytes up to a limit, then discards
// everything: a payload that turned out too big for the cache is simply
// not captured. Write never fails so the disk copy is unaffected.
type boundedBuffer struct {
	limit    int64
	buf      bytes.Buffer
	overflow bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if !b.overflow {
		if int64(b.buf.Len())+int64(len(p)) > b.limit {
			b.overflow = true
			b.buf.Reset()
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Bytes returns the captured payload, or nil when it overflowed the
// limit or nothing was written.
func (b *boundedBuffer) Bytes() []byte {
	if b.overflow || b.buf.Len() == 0 {
		return nil
	}
	return b.buf.Bytes()
}
