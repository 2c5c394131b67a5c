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
	"github.com/pkgindex/gate/pkg/normalize"
)

func TestHandle_PassThroughOnUpstreamPresent(t *testing.T) {
	mock := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: http.StatusOK, Status: "200 OK", Header: http.Header{"Content-Type": {"text/html"}}, Body: httpxtest.Body("<a>numpy-1.26.0</a>")}},
		},
		SkipURLValidation: true,
	}
	g := &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: &catalogtest.MockStore{}}
	resp := g.Handle(context.Background(), normalize.Request{Name: "numpy"}, "/simple/numpy/")
	rec := httptest.NewRecorder()
	resp.WriteTo(rec)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "<a>numpy-1.26.0</a>" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandle_FirstSightingCreatesPending(t *testing.T) {
	mock := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: httpxtest.Body("")}}},
		SkipURLValidation: true,
	}
	var upsertedName, upsertedVersion string
	store := &catalogtest.MockStore{
		FindByNameAndVersionFunc: func(ctx context.Context, name, version string) (*catalog.Entry, error) {
			return nil, nil
		},
		UpsertPendingFunc: func(ctx context.Context, name, version, runtimeVersion string) (*catalog.Entry, error) {
			upsertedName, upsertedVersion = name, version
			return &catalog.Entry{Name: name, Version: version, Status: catalog.StatusPending}, nil
		},
	}
	g := &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: store}
	resp := g.Handle(context.Background(), normalize.Request{Name: "numpy", Version: "1.20.0"}, "/simple/numpy/")
	rec := httptest.NewRecorder()
	resp.WriteTo(rec)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "300" {
		t.Errorf("Retry-After = %q, want 300", got)
	}
	if rec.Header().Get("Content-Type") != "application/problem+json" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decoding problem body: %v", err)
	}
	if p.Status != 503 || p.Instance != "/simple/numpy/" {
		t.Errorf("problem = %+v", p)
	}
	if upsertedName != "numpy" || upsertedVersion != "1.20.0" {
		t.Errorf("UpsertPending called with (%q, %q), want (numpy, 1.20.0)", upsertedName, upsertedVersion)
	}
}

func TestHandle_Blocked(t *testing.T) {
	mock := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: httpxtest.Body("")}}},
		SkipURLValidation: true,
	}
	vulnInfo := json.RawMessage(`{"CVE-2023-1234":"critical"}`)
	store := &catalogtest.MockStore{
		FindByNameAndVersionFunc: func(ctx context.Context, name, version string) (*catalog.Entry, error) {
			return &catalog.Entry{Name: "requests", Version: "latest", Status: catalog.StatusVulnerable, VulnerabilityInfo: vulnInfo}, nil
		},
	}
	g := &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: store}
	resp := g.Handle(context.Background(), normalize.Request{Name: "requests"}, "/simple/requests/")
	rec := httptest.NewRecorder()
	resp.WriteTo(rec)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decoding problem body: %v", err)
	}
	if string(p.Vulnerabilities) != string(vulnInfo) {
		t.Errorf("Vulnerabilities = %s, want %s", p.Vulnerabilities, vulnInfo)
	}
}

func TestHandle_PendingAndDownloadedBothDefer(t *testing.T) {
	for _, status := range []catalog.Status{catalog.StatusPending, catalog.StatusDownloaded} {
		mock := &httpxtest.MockClient{
			Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: httpxtest.Body("")}}},
			SkipURLValidation: true,
		}
		store := &catalogtest.MockStore{
			FindByNameAndVersionFunc: func(ctx context.Context, name, version string) (*catalog.Entry, error) {
				return &catalog.Entry{Name: name, Version: version, Status: status}, nil
			},
		}
		g := &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: store}
		resp := g.Handle(context.Background(), normalize.Request{Name: "foo"}, "/simple/foo/")
		rec := httptest.NewRecorder()
		resp.WriteTo(rec)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status(%s) = %d, want 503", status, rec.Code)
		}
	}
}

func TestHandle_CompletedPassesThrough(t *testing.T) {
	mock := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: httpxtest.Body("")}},
			{Response: &http.Response{StatusCode: http.StatusOK, Status: "200 OK", Header: http.Header{}, Body: httpxtest.Body("reprobe body")}},
		},
		SkipURLValidation: true,
	}
	store := &catalogtest.MockStore{
		FindByNameAndVersionFunc: func(ctx context.Context, name, version string) (*catalog.Entry, error) {
			return &catalog.Entry{Name: name, Version: version, Status: catalog.StatusCompleted}, nil
		},
	}
	g := &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: store}
	resp := g.Handle(context.Background(), normalize.Request{Name: "foo"}, "/simple/foo/")
	rec := httptest.NewRecorder()
	resp.WriteTo(rec)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "reprobe body" {
		t.Errorf("body = %q, want reprobe body", rec.Body.String())
	}
}

func TestHandle_NonTerminalOtherStatusRequeues(t *testing.T) {
	mock := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: httpxtest.Body("")}}},
		SkipURLValidation: true,
	}
	upsertCalled := false
	store := &catalogtest.MockStore{
		FindByNameAndVersionFunc: func(ctx context.Context, name, version string) (*catalog.Entry, error) {
			return &catalog.Entry{Name: name, Version: version, Status: catalog.StatusScanError}, nil
		},
		UpsertPendingFunc: func(ctx context.Context, name, version, runtimeVersion string) (*catalog.Entry, error) {
			upsertCalled = true
			return &catalog.Entry{Name: name, Version: version, Status: catalog.StatusPending}, nil
		},
	}
	g := &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: store}
	resp := g.Handle(context.Background(), normalize.Request{Name: "foo"}, "/simple/foo/")
	rec := httptest.NewRecorder()
	resp.WriteTo(rec)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !upsertCalled {
		t.Error("UpsertPending was not called for non-terminal scan_error status")
	}
}

func TestHandle_CatalogUnavailableReturns500(t *testing.T) {
	mock := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: httpxtest.Body("")}}},
		SkipURLValidation: true,
	}
	store := &catalogtest.MockStore{
		FindByNameAndVersionFunc: func(ctx context.Context, name, version string) (*catalog.Entry, error) {
			return nil, catalog.ErrCatalogUnavailable
		},
	}
	g := &Gate{Index: &index.Client{HTTP: mock, BaseURL: "https://pypi.org"}, Catalog: store}
	resp := g.Handle(context.Background(), normalize.Request{Name: "foo"}, "/simple/foo/")
	rec := httptest.NewRecorder()
	resp.WriteTo(rec)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
