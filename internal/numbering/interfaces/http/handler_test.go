package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"metrology-cloud/internal/auth"
	numberingapp "metrology-cloud/internal/numbering/application"
	numbering "metrology-cloud/internal/numbering/domain"
	"metrology-cloud/internal/numbering/infrastructure/memory"
)

func TestHandler_Next(t *testing.T) {
	allocator, err := numberingapp.NewAllocator(memory.NewSequenceStore(), numberingapp.StaticFormats{Prefix: "WO-", Padding: 4})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	handler, err := NewHandler(allocator, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ctx := auth.WithIdentity(context.Background(), "tenant-a", auth.RoleAdmin, "admin")

	for want := 1; want <= 2; want++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/numbering/next", strings.NewReader(`{"entity":"work_order"}`)).WithContext(ctx)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
		var alloc numbering.Allocation
		if err := json.Unmarshal(rec.Body.Bytes(), &alloc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if alloc.Number != int64(want) || alloc.Key.TenantID != "tenant-a" {
			t.Fatalf("unexpected allocation: %+v", alloc)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/numbering/next", strings.NewReader(`{}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing entity, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/numbering/next", strings.NewReader(`{"entity":"quote"}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without tenant, got %d", rec.Code)
	}
}
