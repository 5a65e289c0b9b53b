// Package site serves the embedded landing page.
package site

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFS embed.FS

// Register mounts the landing page on GET / and its assets under /static/.
// Any other unmatched path still falls through to a 404.
func Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	h := NewRootHandler()
	mux.HandleFunc("GET /{$}", h.HandleRoot)
	mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
}

// RootHandler handles root path requests.
type RootHandler struct {
	index []byte
}

// NewRootHandler creates a new root handler.
func NewRootHandler() *RootHandler {
	index, err := fs.ReadFile(staticFS, "static/index.html")
	if err != nil {
		panic("site: embedded index missing: " + err.Error())
	}
	return &RootHandler{index: index}
}

// HandleRoot handles GET /.
func (h *RootHandler) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(h.index)
}
