// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pkgindex/gate/internal/ratex"
)

// pgxIface is the subset of pgxpool.Pool's surface PostgresStore relies on.
// Narrowing to an interface lets postgres_test.go swap in a pgxmock pool
// without a live database.
type pgxIface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a Store backed by a pgxpool.Pool against the packages
// table (see cmd/gate/migrations/0001_packages.sql for the schema).
type PostgresStore struct {
	pool    pgxIface
	backoff *ratex.BackoffLimiter
}

var _ Store = (*PostgresStore)(nil)

// connRetryMinimum is the floor backoff period between connectivity
// attempts; failed calls widen it, successes narrow it back down.
const connRetryMinimum = 2 * time.Second

// maxConnAttempts bounds how many attempts a single operation makes when it
// hits transient connectivity errors before surfacing ErrCatalogUnavailable.
const maxConnAttempts = 3

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, backoff: ratex.NewBackoffLimiter(connRetryMinimum)}
}

// withRetry runs f up to maxConnAttempts times, backing off on the shared
// limiter between attempts whenever f's error looks like a transient
// connectivity failure. Non-transient errors (illegal transitions, missing
// rows) pass straight through on the first attempt.
func (s *PostgresStore) withRetry(ctx context.Context, f func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxConnAttempts; attempt++ {
		if err = f(ctx); err == nil {
			s.backoff.Success()
			return nil
		}
		if !isTransient(err) {
			return err
		}
		s.backoff.Backoff()
		if attempt == maxConnAttempts-1 {
			break
		}
		if werr := s.backoff.Wait(ctx); werr != nil {
			return werr
		}
	}
	return errors.Wrap(ErrCatalogUnavailable, err.Error())
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

const entryColumns = `id, name, COALESCE(version, ''), COALESCE(runtime_version, ''), status,
	COALESCE(vulnerability_info::text, ''), COALESCE(error_message, ''), created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var vulnText string
	if err := row.Scan(&e.ID, &e.Name, &e.Version, &e.RuntimeVersion, &e.Status,
		&vulnText, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.VulnerabilityInfo = rawJSON(vulnText)
	return &e, nil
}

const findQuery = `SELECT ` + entryColumns + `
FROM packages
WHERE name = $1 AND (($2 = '' AND (version = 'latest' OR version IS NULL)) OR version = $2)
LIMIT 1`

func (s *PostgresStore) FindByNameAndVersion(ctx context.Context, name, version string) (*Entry, error) {
	var entry *Entry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		e, err := scanEntry(s.pool.QueryRow(ctx, findQuery, name, version))
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

const upsertPendingQuery = `INSERT INTO packages (name, version, runtime_version, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (name, version) DO NOTHING
RETURNING ` + entryColumns

func (s *PostgresStore) UpsertPending(ctx context.Context, name, version, runtimeVersion string) (*Entry, error) {
	var rtVersion any
	if runtimeVersion != "" {
		rtVersion = runtimeVersion
	}
	var entry *Entry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		e, err := scanEntry(s.pool.QueryRow(ctx, upsertPendingQuery, name, version, rtVersion))
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ferr := s.FindByNameAndVersion(ctx, name, version)
		if ferr != nil {
			return nil, ferr
		}
		if existing == nil {
			return nil, errors.New("upsert conflicted but no existing row found")
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

const claimQuery = `SELECT ` + entryColumns + `
FROM packages
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`

// Claim runs the select-for-update inside a transaction and immediately
// bumps updated_at on the claimed rows before committing, so a second
// orchestrator racing in concurrently never observes the same pending rows
// even after this transaction commits and releases its locks.
func (s *PostgresStore) Claim(ctx context.Context, limit int) ([]*Entry, error) {
	var entries []*Entry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		entries = nil
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, claimQuery, limit)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, limit)
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return err
			}
			entries = append(entries, e)
			ids = append(ids, e.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE packages SET updated_at = now() WHERE id = ANY($1)`, ids); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

const finalizeQuery = `UPDATE packages
SET status = $4, vulnerability_info = $5, error_message = $6, updated_at = now()
WHERE name = $1 AND version = $2 AND status = ANY($3)`

func (s *PostgresStore) Finalize(ctx context.Context, name, version string, status Status, vulnerabilityInfo json.RawMessage, errorMessage string) error {
	predecessors := legalPredecessors(status)
	if len(predecessors) == 0 {
		return errors.Wrapf(ErrIllegalTransition, "%q is not a legal Finalize target", status)
	}
	predStrs := make([]string, len(predecessors))
	for i, p := range predecessors {
		predStrs[i] = string(p)
	}
	var vulnArg any
	if len(vulnerabilityInfo) > 0 {
		vulnArg = string(vulnerabilityInfo)
	}
	var errArg any
	if errorMessage != "" {
		errArg = errorMessage
	}
	return s.withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, finalizeQuery, name, version, predStrs, status, vulnArg, errArg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(ErrIllegalTransition, "%s@%s: no row in status %v", name, version, predecessors)
		}
		return nil
	})
}

const listByStatusQuery = `SELECT ` + entryColumns + `
FROM packages
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2`

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	var entries []*Entry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		entries = nil
		rows, err := s.pool.Query(ctx, listByStatusQuery, status, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

const listPendingQuery = `SELECT ` + entryColumns + `
FROM packages
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1`

// ListPending mirrors claimQuery's selection and ordering but without the
// row lock, so it is safe to run concurrently with an in-flight Claim.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Entry, error) {
	var entries []*Entry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		entries = nil
		rows, err := s.pool.Query(ctx, listPendingQuery, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	err := s.withRetry(ctx, func(ctx context.Context) error {
		for k := range counts {
			delete(counts, k)
		}
		rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM packages GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status Status
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[status] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
