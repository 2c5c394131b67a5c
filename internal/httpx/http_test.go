// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package httpx

import (
	"net/http"
	"testing"

	"github.com/pkgindex/gate/internal/httpx/httpxtest"
)

func TestWithUserAgent(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com/simple/numpy/", nil)
	if err != nil {
		t.Fatal(err)
	}
	basic := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{
				Response: &http.Response{Status: "200 OK", StatusCode: http.StatusOK, Body: httpxtest.Body("")},
			},
		},
		SkipURLValidation: true,
	}
	c := &WithUserAgent{BasicClient: basic, UserAgent: "pkgindex-gate/1.0"}
	if _, err := c.Do(req); err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	if got := req.Header.Get("User-Agent"); got != "pkgindex-gate/1.0" {
		t.Errorf("User-Agent header = %q, want %q", got, "pkgindex-gate/1.0")
	}
}
