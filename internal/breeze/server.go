package breeze

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"breeze/internal/engine"
)

// Server translates HTTP requests into engine operations and engine
// results back into protocol responses. All validation of query
// parameters and headers happens here; the engine receives simple,
// already-parsed inputs.
type Server struct {
	engine *engine.Engine
}

// NewServer wraps an engine with the HTTP surface.
func NewServer(e *engine.Engine) *Server {
	return &Server{engine: e}
}

// handleNew implements POST /new: the request body is the raw file
// content, everything else arrives as query parameters.
func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	q := r.URL.Query()

	opts := engine.UploadOptions{
		Key:          q.Get("key"),
		KeepMetadata: q.Has("keepexif"),
	}

	if raw := q.Get("lastfor"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds <= 0 {
			http.Error(w, "invalid lastfor", http.StatusBadRequest)
			return
		}
		opts.LastFor = time.Duration(seconds) * time.Second
	}

	result, err := s.engine.Process(r.Context(), q.Get("name"), opts, r.Body)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, result.URL)
	if result.DeletionURL != "" {
		fmt.Fprintln(w, result.DeletionURL)
	}
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		http.Error(w, "upload key required", http.StatusForbidden)
	case errors.Is(err, engine.ErrNoFilename):
		http.Error(w, "name is required", http.StatusBadRequest)
	case errors.Is(err, engine.ErrLifetimeTooLong):
		http.Error(w, "requested lifetime is too long", http.StatusBadRequest)
	case errors.Is(err, engine.ErrTooLarge):
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
	default:
		slog.Error("Failed to process upload", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleView implements GET /p/{name}, with single-range Range support.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	br, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		http.Error(w, "malformed range", http.StatusBadRequest)
		return
	}

	dl, err := s.engine.Get(r.Context(), name, br)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, engine.ErrRangeNotSatisfiable):
			if u, ok := s.engine.Stat(name); ok {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", u.Size))
			}
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		default:
			slog.Error("Failed to read upload", "name", name, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	defer dl.Content.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")

	if dl.Ranged {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.End-dl.Start+1, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", dl.Start, dl.End, dl.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}

	// A client disconnect surfaces as a write error here; the deferred
	// Close releases the file handle either way.
	if _, err := io.Copy(w, dl.Content); err != nil {
		slog.Debug("Aborted sending upload", "name", name, "err", err)
	}
}

// handleDelete implements GET /del?name=&token=.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	err := s.engine.Delete(r.Context(), q.Get("name"), q.Get("token"))
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "deleted")
	case errors.Is(err, engine.ErrDeletionDisabled):
		http.Error(w, "deletion is not enabled", http.StatusConflict)
	case errors.Is(err, engine.ErrUnauthorized):
		http.Error(w, "invalid deletion token", http.StatusUnauthorized)
	case errors.Is(err, engine.ErrNotFound):
		http.NotFound(w, r)
	default:
		slog.Error("Failed to delete upload", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleIndex implements GET /: the motd with live stats substituted.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.engine.Motd())
}
