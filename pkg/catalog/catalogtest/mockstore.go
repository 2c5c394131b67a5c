// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package catalogtest provides a hand-written catalog.Store mock for tests.
package catalogtest

import (
	"context"
	"encoding/json"

	"github.com/pkgindex/gate/pkg/catalog"
)

// MockStore implements catalog.Store for testing.
type MockStore struct {
	FindByNameAndVersionFunc func(ctx context.Context, name, version string) (*catalog.Entry, error)
	UpsertPendingFunc        func(ctx context.Context, name, version, runtimeVersion string) (*catalog.Entry, error)
	ClaimFunc                func(ctx context.Context, limit int) ([]*catalog.Entry, error)
	FinalizeFunc             func(ctx context.Context, name, version string, status catalog.Status, vulnerabilityInfo json.RawMessage, errorMessage string) error
	CountByStatusFunc        func(ctx context.Context) (map[catalog.Status]int, error)
	ListByStatusFunc         func(ctx context.Context, status catalog.Status, limit int) ([]*catalog.Entry, error)
	ListPendingFunc          func(ctx context.Context, limit int) ([]*catalog.Entry, error)
}

var _ catalog.Store = (*MockStore)(nil)

func (m *MockStore) FindByNameAndVersion(ctx context.Context, name, version string) (*catalog.Entry, error) {
	return m.FindByNameAndVersionFunc(ctx, name, version)
}

func (m *MockStore) UpsertPending(ctx context.Context, name, version, runtimeVersion string) (*catalog.Entry, error) {
	return m.UpsertPendingFunc(ctx, name, version, runtimeVersion)
}

func (m *MockStore) Claim(ctx context.Context, limit int) ([]*catalog.Entry, error) {
	return m.ClaimFunc(ctx, limit)
}

func (m *MockStore) Finalize(ctx context.Context, name, version string, status catalog.Status, vulnerabilityInfo json.RawMessage, errorMessage string) error {
	return m.FinalizeFunc(ctx, name, version, status, vulnerabilityInfo, errorMessage)
}

func (m *MockStore) CountByStatus(ctx context.Context) (map[catalog.Status]int, error) {
	return m.CountByStatusFunc(ctx)
}

func (m *MockStore) ListByStatus(ctx context.Context, status catalog.Status, limit int) ([]*catalog.Entry, error) {
	return m.ListByStatusFunc(ctx, status, limit)
}

func (m *MockStore) ListPending(ctx context.Context, limit int) ([]*catalog.Entry, error) {
	return m.ListPendingFunc(ctx, limit)
}
