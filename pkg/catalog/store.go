// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrCatalogUnavailable is returned once connectivity retries to the backing
// store are exhausted. The gate translates this into a 500 Internal problem.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// ErrIllegalTransition is returned by Finalize when the entry named is not
// currently in one of the statuses the target status may legally follow.
var ErrIllegalTransition = errors.New("illegal status transition")

// Store is the gate and orchestrator's view of the package catalog. All
// methods are safe for concurrent use.
type Store interface {
	// FindByNameAndVersion looks up an entry. version == "" matches an entry
	// recorded against the literal token "latest". Returns (nil, nil), not
	// an error, when no matching entry exists.
	FindByNameAndVersion(ctx context.Context, name, version string) (*Entry, error)

	// UpsertPending inserts a new pending entry, or returns the existing
	// entry unchanged if one already exists for (name, version).
	UpsertPending(ctx context.Context, name, version, runtimeVersion string) (*Entry, error)

	// Claim atomically selects up to limit pending entries for processing
	// and marks them as claimed by bumping their updated_at, so concurrent
	// orchestrator instances never claim the same entry twice.
	Claim(ctx context.Context, limit int) ([]*Entry, error)

	// Finalize transitions an entry to status, attaching vulnerabilityInfo
	// and/or errorMessage. Returns ErrIllegalTransition if the entry is not
	// currently in a status the target status may follow.
	Finalize(ctx context.Context, name, version string, status Status, vulnerabilityInfo json.RawMessage, errorMessage string) error

	// CountByStatus reports the number of entries in each status, for the
	// orchestrator's tick summary and the gate's admin endpoint.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// ListByStatus returns up to limit entries in status, most recently
	// created first, for the admin listing/pending-filter endpoints.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error)

	// ListPending returns up to limit pending entries oldest-first, the
	// same ordering Claim would process them in, for the read-only
	// admin/packages/pending endpoint.
	ListPending(ctx context.Context, limit int) ([]*Entry, error)
}

// legalPredecessors returns the set of statuses an entry must currently hold
// for a transition to target to be legal. A nil/empty result means target is
// never a legal Finalize destination (e.g. "pending" itself, which only
// UpsertPending and Claim produce).
func legalPredecessors(target Status) []Status {
	switch target {
	case StatusDownloaded, StatusNotFound, StatusDownloadError:
		return []Status{StatusPending}
	case StatusCompleted, StatusVulnerable, StatusScanError, StatusError:
		return []Status{StatusPending, StatusDownloaded}
	default:
		return nil
	}
}
