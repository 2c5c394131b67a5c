// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pkgindex/gate/internal/httpx"
	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/normalize"
)

// artifactTimeout bounds how long streaming a /packages/ artifact may take
// (spec.md §6).
const artifactTimeout = 30 * time.Second

// Handler wires a Gate into the installer-facing HTTP surface plus the
// admin JSON endpoints (spec.md §6).
type Handler struct {
	Gate        *Gate
	UpstreamURL string // e.g. "https://pypi.org", for /simple/ and /packages/
	HTTP        httpx.BasicClient
}

// Mux serves the full installer-plus-admin surface on one listener; used by
// tests. cmd/gate serves InstallerMux and AdminMux on separate listeners.
func (h *Handler) Mux() *http.ServeMux {
	mux := h.InstallerMux()
	h.registerAdmin(mux)
	return mux
}

// InstallerMux serves only the installer-facing routes (spec.md §6's
// public surface), for deployments that bind it to an externally-reachable
// GATE_ADDR separate from the internal ADMIN_ADDR.
func (h *Handler) InstallerMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /simple/", h.handleSimpleIndex)
	mux.HandleFunc("GET /simple/{name}/", h.handleSimplePackage)
	mux.HandleFunc("GET /packages/{filepath...}", h.handleArtifact)
	return mux
}

// AdminMux serves only the admin/metrics routes, for binding to an
// internal-only ADMIN_ADDR.
func (h *Handler) AdminMux() *http.ServeMux {
	mux := http.NewServeMux()
	h.registerAdmin(mux)
	return mux
}

func (h *Handler) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/packages", h.handleAdminList)
	mux.HandleFunc("GET /admin/packages/pending", h.handleAdminPending)
	mux.HandleFunc("GET /admin/summary", h.handleAdminSummary)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (h *Handler) handleSimplePackage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	req := normalize.Parse(name, r.UserAgent())
	h.Gate.Handle(r.Context(), req, r.URL.Path).WriteTo(w)
}

// handleSimpleIndex proxies the root listing verbatim; it carries no
// per-package decision, only the upstream's full project index.
func (h *Handler) handleSimpleIndex(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, strings.TrimRight(h.UpstreamURL, "/")+"/simple/", artifactTimeout)
}

func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	filepath := r.PathValue("filepath")
	h.proxy(w, r, strings.TrimRight(h.UpstreamURL, "/")+"/packages/"+filepath, artifactTimeout)
}

func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, url string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		internalProblem(r.URL.Path, err).WriteTo(w)
		return
	}
	resp, err := h.HTTP.Do(req)
	if err != nil {
		log.Printf("gate: proxying %s: %v", url, err)
		internalProblem(r.URL.Path, err).WriteTo(w)
		return
	}
	defer resp.Body.Close()

	for _, k := range []string{"Content-Type", "Content-Disposition", "Content-Length"} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("gate: streaming %s: %v", url, err)
	}
}

// handleAdminList lists catalog entries, optionally filtered by
// ?status=pending (defaults to pending, the common "what's queued" query)
// and ?limit= (default 100).
func (h *Handler) handleAdminList(w http.ResponseWriter, r *http.Request) {
	status := catalog.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = catalog.StatusPending
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.Gate.Catalog.ListByStatus(r.Context(), status, limit)
	if err != nil {
		internalProblem(r.URL.Path, err).WriteTo(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// handleAdminPending is the shorthand for ?status=pending, ordered
// oldest-first to mirror what the orchestrator's next Claim would select.
func (h *Handler) handleAdminPending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.Gate.Catalog.ListPending(r.Context(), limit)
	if err != nil {
		internalProblem(r.URL.Path, err).WriteTo(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (h *Handler) handleAdminSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Gate.Catalog.CountByStatus(r.Context())
	if err != nil {
		internalProblem(r.URL.Path, err).WriteTo(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(counts)
}
