// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package catalog persists the gate's view of every (name, version) pair it
// has ever been asked about: pending, downloaded, completed, vulnerable, or
// errored, plus whatever the scanner learned along the way.
package catalog

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a catalog entry.
type Status string

const (
	StatusPending       Status = "pending"
	StatusDownloaded    Status = "downloaded"
	StatusCompleted     Status = "completed"
	StatusVulnerable    Status = "vulnerable"
	StatusNotFound      Status = "not_found"
	StatusDownloadError Status = "download_error"
	StatusScanError     Status = "scan_error"
	StatusError         Status = "error"
)

// Terminal reports whether s is a status the gate answers from directly
// (serve for completed, block for vulnerable) without re-queuing a scan.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusVulnerable
}

// Entry is one row of the packages table: the gate's record of a single
// (name, version) pair and what the scanner found, if anything, the last
// time it ran.
type Entry struct {
	ID                int64
	Name              string
	Version           string
	RuntimeVersion    string
	Status            Status
	VulnerabilityInfo json.RawMessage
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
