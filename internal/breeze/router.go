package breeze

import "net/http"

// Handler returns the HTTP surface: upload, view, delete, and the
// status landing page. The {name} pattern matches a single path element,
// so traversal out of the uploads namespace is not expressible.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /new", s.handleNew)
	mux.HandleFunc("GET /p/{name}", s.handleView)
	mux.HandleFunc("HEAD /p/{name}", s.handleView)
	mux.HandleFunc("GET /del", s.handleDelete)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	return LogRequest(mux)
}
