// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/catalog/catalogtest"
	"github.com/pkgindex/gate/pkg/runner"
	"github.com/pkgindex/gate/pkg/runner/runnertest"
)

func fixedTime() time.Time { return time.Unix(1700000000, 0) }

func TestTick_NoSlotsSkipsClaim(t *testing.T) {
	claimCalled := false
	store := &catalogtest.MockStore{
		ClaimFunc: func(ctx context.Context, limit int) ([]*catalog.Entry, error) {
			claimCalled = true
			return nil, nil
		},
	}
	rc := &runnertest.MockClient{
		CountRunningFunc: func(ctx context.Context, prefix string) (int, error) { return 10, nil },
	}
	o := New(store, rc, Config{MaxConcurrent: 10})
	summary, err := o.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if claimCalled {
		t.Error("Claim was called despite slots <= 0")
	}
	if summary.Running != 10 || summary.Slots != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestTick_ClaimsAndSubmitsWithinSlots(t *testing.T) {
	candidates := []*catalog.Entry{
		{Name: "numpy", Version: "1.24.0", Status: catalog.StatusPending},
		{Name: "scipy", Version: "1.10.0", RuntimeVersion: "3.11.0", Status: catalog.StatusPending},
	}
	var claimedLimit int
	var submittedSpecs []runner.JobSpec
	store := &catalogtest.MockStore{
		ClaimFunc: func(ctx context.Context, limit int) ([]*catalog.Entry, error) {
			claimedLimit = limit
			return candidates, nil
		},
	}
	rc := &runnertest.MockClient{
		CountRunningFunc: func(ctx context.Context, prefix string) (int, error) { return 3, nil },
		SubmitFunc: func(ctx context.Context, spec runner.JobSpec) error {
			submittedSpecs = append(submittedSpecs, spec)
			return nil
		},
	}
	o := New(store, rc, Config{MaxConcurrent: 10, ScannerImage: "scanner:latest", PyPIServerURL: "https://internal/simple"})
	summary, err := o.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if claimedLimit != 7 {
		t.Errorf("Claim called with limit %d, want 7", claimedLimit)
	}
	if summary.Submitted != 2 || len(summary.Failed) != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(submittedSpecs) != 2 {
		t.Fatalf("got %d submitted specs, want 2", len(submittedSpecs))
	}
	first := submittedSpecs[0]
	if first.Env["PACKAGE_NAME"] != "numpy" || first.Env["PYPI_SERVER_URL"] != "https://internal/simple" {
		t.Errorf("first spec env = %+v", first.Env)
	}
	if first.Image != "scanner:latest" {
		t.Errorf("first spec image = %q", first.Image)
	}
}

func TestTick_SubmitFailureLeavesRowPendingAndContinues(t *testing.T) {
	candidates := []*catalog.Entry{
		{Name: "a", Version: "1.0.0", Status: catalog.StatusPending},
		{Name: "b", Version: "2.0.0", Status: catalog.StatusPending},
	}
	store := &catalogtest.MockStore{
		ClaimFunc: func(ctx context.Context, limit int) ([]*catalog.Entry, error) { return candidates, nil },
	}
	var calls int
	rc := &runnertest.MockClient{
		CountRunningFunc: func(ctx context.Context, prefix string) (int, error) { return 0, nil },
		SubmitFunc: func(ctx context.Context, spec runner.JobSpec) error {
			calls++
			if calls == 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
	}
	o := New(store, rc, Config{MaxConcurrent: 10})
	summary, err := o.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if summary.Submitted != 1 {
		t.Errorf("Submitted = %d, want 1", summary.Submitted)
	}
	if len(summary.Failed) != 1 || summary.Failed[0] != "a@1.0.0" {
		t.Errorf("Failed = %v, want [a@1.0.0]", summary.Failed)
	}
	if calls != 2 {
		t.Errorf("Submit called %d times, want 2 (failure must not stop the loop)", calls)
	}
}

func TestTick_RunnerUnavailable(t *testing.T) {
	store := &catalogtest.MockStore{}
	rc := &runnertest.MockClient{
		CountRunningFunc: func(ctx context.Context, prefix string) (int, error) {
			return 0, context.DeadlineExceeded
		},
	}
	o := New(store, rc, Config{})
	if _, err := o.Tick(context.Background()); err == nil {
		t.Fatal("Tick() expected error when runner is unavailable")
	}
}

func TestJobName(t *testing.T) {
	name := jobName("scanner-", "My.Package", ">=1.2.0", "3.11.0", fixedTime())
	const want = "scanner-my-package-1-2-0-py3-11-0-1700000000"
	if name != want {
		t.Errorf("jobName() = %q, want %q", name, want)
	}
}
