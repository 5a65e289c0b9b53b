// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/types"
)

// PreviewDependencies defines the interface for ballot previews.
type PreviewDependencies interface {
	Preview(ctx context.Context, dishID string) (types.DishPreview, error)
}

// PreviewHandler handles dish preview requests.
type PreviewHandler struct {
	deps PreviewDependencies
}

// NewPreviewHandler creates a new preview handler.
func NewPreviewHandler(deps PreviewDependencies) *PreviewHandler {
	return &PreviewHandler{deps: deps}
}

// HandlePreview handles GET /dishes/{id}/preview.
func (h *PreviewHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	const op = "api.preview_dish"
	p, err := h.deps.Preview(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownDish) {
			writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}
