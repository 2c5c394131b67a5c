// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package runner abstracts the remote workload runner that the orchestrator
// submits scanner jobs to and polls for concurrency accounting.
package runner

import "context"

// ResourceLimits caps CPU and memory for a scanner job's container.
type ResourceLimits struct {
	CPU    string
	Memory string
}

// JobSpec describes a scanner job submission. The runner treats Env as
// opaque passthrough; the scanner worker reads it on the other end.
type JobSpec struct {
	JobName        string
	Image          string
	CommandArgs    []string
	Env            map[string]string
	ResourceLimits ResourceLimits
	TimeoutSeconds int
}

// Client abstracts the in-cluster job runner. GraphQLClient and HTTPClient
// do not retry by themselves; NewWithRetry wraps either so connection
// errors get up to 3 attempts, 2 seconds apart, before surfacing, to absorb
// sidecar-startup races.
type Client interface {
	// CountRunning counts jobs whose name starts with prefix and whose
	// status has not reached a terminal state (done, failed, cancelled).
	CountRunning(ctx context.Context, prefix string) (int, error)
	// Submit starts a new scanner job.
	Submit(ctx context.Context, spec JobSpec) error
}

// terminalStatuses lists job states that no longer count against
// MAX_CONCURRENT, shared by both Client implementations' listing logic.
var terminalStatuses = map[string]bool{
	"done":      true,
	"failed":    true,
	"cancelled": true,
}
