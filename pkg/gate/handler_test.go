// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkgindex/gate/internal/httpx/httpxtest"
	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/catalog/catalogtest"
	"github.com/pkgindex/gate/pkg/index"
)

func TestHandler_Health(t *testing.T) {
	h := &Handler{Gate: &Gate{}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestHandler_SimplePackageRoutesThroughGate(t *testing.T) {
	mock := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: httpxtest.Body("")}}},
		SkipURLValidation: true,
	}
	var sawName, sawVersion string
	store := &catalogtest.MockStore{
		FindByNameAndVersionFunc: func(ctx context.Context, name, version string) (*catalog.Entry, error) {
			sawName, sawVersion = name, version
			return nil, nil
		},
		UpsertPendingFunc: func(ctx context.Context, name, version, runtimeVersion string) (*catalog.Entry, error) {
			return &catalog.Entry{Name: name, Version: version, Status: catalog.StatusPending}, nil
		},
	}
	h := &Handler{Gate: &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: store}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/simple/numpy/", nil)
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if sawName != "numpy" || sawVersion != "latest" {
		t.Errorf("FindByNameAndVersion called with (%q, %q), want (numpy, latest)", sawName, sawVersion)
	}
}

func TestHandler_AdminListDefaultsToPending(t *testing.T) {
	var sawStatus catalog.Status
	var sawLimit int
	store := &catalogtest.MockStore{
		ListByStatusFunc: func(ctx context.Context, status catalog.Status, limit int) ([]*catalog.Entry, error) {
			sawStatus, sawLimit = status, limit
			return []*catalog.Entry{{Name: "foo", Status: catalog.StatusPending}}, nil
		},
	}
	h := &Handler{Gate: &Gate{Catalog: store}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/packages", nil)
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if sawStatus != catalog.StatusPending || sawLimit != 100 {
		t.Errorf("ListByStatus called with (%q, %d), want (pending, 100)", sawStatus, sawLimit)
	}
}

func TestHandler_AdminPendingShorthand(t *testing.T) {
	var sawLimit int
	store := &catalogtest.MockStore{
		ListPendingFunc: func(ctx context.Context, limit int) ([]*catalog.Entry, error) {
			sawLimit = limit
			return nil, nil
		},
	}
	h := &Handler{Gate: &Gate{Catalog: store}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/packages/pending?limit=5", nil)
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if sawLimit != 5 {
		t.Errorf("ListPending called with limit=%d, want 5", sawLimit)
	}
}
