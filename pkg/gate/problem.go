// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// pendingRetryAfterSeconds is the Retry-After value attached to every 503
// Pending response (spec.md §4.E).
const pendingRetryAfterSeconds = 300

// Response is anything the gate can hand back to an installer.
type Response interface {
	WriteTo(w http.ResponseWriter)
}

// PassThrough is the 200 response: the upstream index's body and headers,
// Transfer-Encoding and Content-Encoding stripped (the gate already
// decoded the body; re-declaring either would lie to the installer).
type PassThrough struct {
	Header http.Header
	Body   []byte
}

func (p PassThrough) WriteTo(w http.ResponseWriter) {
	for k, vs := range p.Header {
		if k == "Transfer-Encoding" || k == "Content-Encoding" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write(p.Body)
}

// Problem is an RFC 9457 application/problem+json body.
type Problem struct {
	Type            string          `json:"type"`
	Title           string          `json:"title"`
	Status          int             `json:"status"`
	Detail          string          `json:"detail"`
	Instance        string          `json:"instance"`
	Vulnerabilities json.RawMessage `json:"vulnerabilities,omitempty"`

	retryAfterSeconds int
}

func (p Problem) WriteTo(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	if p.retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.retryAfterSeconds))
	}
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}

const problemTypeBase = "https://pkgindex.invalid/problems/"

func vulnerableProblem(instance string, vulnerabilityInfo json.RawMessage) Problem {
	return Problem{
		Type:            problemTypeBase + "vulnerability-detected",
		Title:           "Package version has a known vulnerability",
		Status:          http.StatusForbidden,
		Detail:          "the requested package version is blocked pending remediation",
		Instance:        instance,
		Vulnerabilities: vulnerabilityInfo,
	}
}

func pendingProblem(instance string) Problem {
	return Problem{
		Type:              problemTypeBase + "scan-in-progress",
		Title:             "Package version has not completed security scanning",
		Status:            http.StatusServiceUnavailable,
		Detail:            "the requested package version is queued or being scanned; retry later",
		Instance:          instance,
		retryAfterSeconds: pendingRetryAfterSeconds,
	}
}

func internalProblem(instance string, err error) Problem {
	detail := "an internal error occurred while evaluating this request"
	if err != nil {
		detail = err.Error()
	}
	return Problem{
		Type:     problemTypeBase + "internal-error",
		Title:    "Internal error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	}
}
