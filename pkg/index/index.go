// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package index probes the upstream PyPI Simple Repository API on the
// gate's behalf: the gate only ever needs to know whether a package name
// currently resolves upstream, and if so, the response to hand the
// installer verbatim.
package index

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pkgindex/gate/internal/httpx"
)

// Outcome is the result of a Probe call.
type Outcome int

const (
	// Absent means upstream returned 404: the package does not exist there.
	Absent Outcome = iota
	// Present means upstream returned 200: Body/Header carry the response.
	Present
	// TransportError means the probe could not be completed: a non-404
	// error status or a transport failure. The gate treats this the same
	// as Absent for decision purposes but must log it (spec.md §4.B).
	TransportError
)

func (o Outcome) String() string {
	switch o {
	case Absent:
		return "absent"
	case Present:
		return "present"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Result is what Probe returns.
type Result struct {
	Outcome Outcome
	Body    []byte
	Header  http.Header
	Cause   error // set only when Outcome == TransportError
}

// probeTimeout bounds every upstream probe request (spec.md §4.B).
const probeTimeout = 10 * time.Second

// Client probes an upstream Simple Repository index.
type Client struct {
	HTTP    httpx.BasicClient
	BaseURL string // e.g. "https://pypi.org"
}

// Probe requests GET {BaseURL}/simple/{name}/ and classifies the response.
func (c *Client) Probe(ctx context.Context, name string) Result {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := strings.TrimRight(c.BaseURL, "/") + "/simple/" + name + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Outcome: TransportError, Cause: errors.Wrap(err, "building probe request")}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{Outcome: TransportError, Cause: errors.Wrap(err, "probing upstream index")}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{Outcome: Absent}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: TransportError, Cause: errors.Errorf("upstream returned %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Outcome: TransportError, Cause: errors.Wrap(err, "reading upstream response body")}
	}
	return Result{Outcome: Present, Body: body, Header: resp.Header.Clone()}
}
