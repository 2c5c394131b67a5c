// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	maxAttempts  = 3
	retryBackoff = 2 * time.Second
)

// WithRetry wraps a Client so CountRunning and Submit make up to 3 attempts,
// 2 seconds apart, on connection errors, absorbing startup races
// between the proxy and an in-cluster runner endpoint that isn't reachable
// yet (e.g. sidecar mesh injection still warming up).
type WithRetry struct {
	Client
}

// NewWithRetry decorates c with the retry behavior required by the core.
func NewWithRetry(c Client) Client {
	return WithRetry{Client: c}
}

func (c WithRetry) CountRunning(ctx context.Context, prefix string) (int, error) {
	var n int
	err := retry(ctx, func() error {
		var err error
		n, err = c.Client.CountRunning(ctx, prefix)
		return err
	})
	return n, err
}

func (c WithRetry) Submit(ctx context.Context, spec JobSpec) error {
	return retry(ctx, func() error { return c.Client.Submit(ctx, spec) })
}

func retry(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = f(); err == nil || !isConnErr(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return errors.Wrap(err, "runner unreachable after retries")
}

func isConnErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
