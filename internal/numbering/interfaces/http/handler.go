package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/auth"
	numberingapp "metrology-cloud/internal/numbering/application"
	numbering "metrology-cloud/internal/numbering/domain"
)

const nextPath = "/api/v1/numbering/next"

// Handler exposes the sequence allocator for non-certificate documents.
type Handler struct {
	allocator *numberingapp.Allocator
	logger    logrus.FieldLogger
}

// NewHandler constructs a handler.
func NewHandler(allocator *numberingapp.Allocator, logger logrus.FieldLogger) (*Handler, error) {
	if allocator == nil {
		return nil, errors.New("numbering handler: nil allocator")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{allocator: allocator, logger: logger}, nil
}

type nextRequest struct {
	BranchID string `json:"branch_id"`
	Entity   string `json:"entity"`
}

// ServeHTTP handles POST /api/v1/numbering/next.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != nextPath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req nextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	key := numbering.Key{TenantID: tenantID, BranchID: req.BranchID, Entity: req.Entity}
	alloc, err := h.allocator.Next(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, numbering.ErrInvalidKey):
			http.Error(w, "entity is required", http.StatusBadRequest)
		case errors.Is(err, numbering.ErrAllocatorExhausted):
			http.Error(w, "numbering unavailable", http.StatusServiceUnavailable)
		default:
			h.logger.WithError(err).WithField("key", key.String()).Error("numbering allocation failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(alloc)
}
