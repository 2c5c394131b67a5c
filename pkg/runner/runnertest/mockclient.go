// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package runnertest provides a hand-written runner.Client mock for tests.
package runnertest

import (
	"context"

	"github.com/pkgindex/gate/pkg/runner"
)

// MockClient implements runner.Client for testing.
type MockClient struct {
	CountRunningFunc func(ctx context.Context, prefix string) (int, error)
	SubmitFunc       func(ctx context.Context, spec runner.JobSpec) error
}

func (m *MockClient) CountRunning(ctx context.Context, prefix string) (int, error) {
	return m.CountRunningFunc(ctx, prefix)
}

func (m *MockClient) Submit(ctx context.Context, spec runner.JobSpec) error {
	return m.SubmitFunc(ctx, spec)
}
