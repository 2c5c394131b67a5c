// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package gate implements the request-time decision engine: normalize,
// probe the upstream index, consult the catalog, and emit exactly one of
// the response shapes an installer or admin client understands.
package gate

import (
	"context"
	"fmt"
	"log"

	"github.com/pkg/errors"

	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/index"
	"github.com/pkgindex/gate/pkg/normalize"
)

// Gate holds the dependencies the decision algorithm needs, built once at
// startup (see cmd/gate) rather than resolved through a global registry.
type Gate struct {
	Index   *index.Client
	Catalog catalog.Store
}

// Handle runs the decision algorithm of spec.md §4.D against a normalized
// request. instance is the request path, attached to problem responses.
func (g *Gate) Handle(ctx context.Context, req normalize.Request, instance string) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("gate: recovered panic handling %s: %v", instance, r)
			resp = internalProblem(instance, fmt.Errorf("panic: %v", r))
		}
	}()

	version := normalize.NormalizeVersion(req.Version)

	probe := g.Index.Probe(ctx, req.Name)
	if probe.Outcome == index.Present {
		return PassThrough{Header: probe.Header, Body: probe.Body}
	}
	if probe.Outcome == index.TransportError {
		log.Printf("gate: upstream probe failed for %q: %v", req.Name, probe.Cause)
	}

	entry, err := g.Catalog.FindByNameAndVersion(ctx, req.Name, version)
	if err != nil {
		return g.catalogErrorResponse(instance, "looking up", req.Name, version, err)
	}

	if entry == nil {
		if _, err := g.Catalog.UpsertPending(ctx, req.Name, version, req.RuntimeVersion); err != nil {
			return g.catalogErrorResponse(instance, "creating", req.Name, version, err)
		}
		return pendingProblem(instance)
	}

	switch entry.Status {
	case catalog.StatusCompleted:
		return g.completedResponse(ctx, req.Name, probe, instance)
	case catalog.StatusVulnerable:
		return vulnerableProblem(instance, entry.VulnerabilityInfo)
	case catalog.StatusPending, catalog.StatusDownloaded:
		return pendingProblem(instance)
	default:
		// Any other non-terminal status (not_found, download_error,
		// scan_error, error): re-queue. UpsertPending is a no-op if the row
		// still exists, which it does here.
		if _, err := g.Catalog.UpsertPending(ctx, req.Name, version, req.RuntimeVersion); err != nil {
			return g.catalogErrorResponse(instance, "re-queueing", req.Name, version, err)
		}
		return pendingProblem(instance)
	}
}

// completedResponse implements step 4's "status = completed" case: prefer
// the body from the probe the caller already made; only re-probe once if
// that probe wasn't Present.
func (g *Gate) completedResponse(ctx context.Context, name string, probe index.Result, instance string) Response {
	if probe.Outcome == index.Present {
		return PassThrough{Header: probe.Header, Body: probe.Body}
	}
	reprobe := g.Index.Probe(ctx, name)
	if reprobe.Outcome == index.Present {
		return PassThrough{Header: reprobe.Header, Body: reprobe.Body}
	}
	log.Printf("gate: catalog says %q is completed but upstream re-probe did not return it", name)
	return PassThrough{Header: nil, Body: nil}
}

func (g *Gate) catalogErrorResponse(instance, verb, name, version string, err error) Response {
	if errors.Is(err, catalog.ErrCatalogUnavailable) {
		log.Printf("gate: catalog unavailable while %s %s@%s: %v", verb, name, version, err)
	} else {
		log.Printf("gate: catalog error while %s %s@%s: %v", verb, name, version, err)
	}
	return internalProblem(instance, err)
}
