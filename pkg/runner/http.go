// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkgindex/gate/internal/httpx"
)

// HTTPClient talks to a runner that exposes a plain JSON API rather than
// GraphQL: GET {BaseURL}/jobs?prefix= lists jobs, POST {BaseURL}/jobs
// creates one.
type HTTPClient struct {
	HTTP    httpx.BasicClient
	BaseURL string
}

var _ Client = (*HTTPClient)(nil)

type jobListResponse struct {
	Jobs []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"jobs"`
}

func (c *HTTPClient) CountRunning(ctx context.Context, prefix string) (int, error) {
	u := strings.TrimRight(c.BaseURL, "/") + "/jobs?prefix=" + url.QueryEscape(prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building jobs list request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "listing jobs")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("runner returned %s", resp.Status)
	}
	var list jobListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return 0, errors.Wrap(err, "decoding jobs list")
	}
	count := 0
	for _, j := range list.Jobs {
		if !terminalStatuses[strings.ToLower(j.Status)] {
			count++
		}
	}
	return count, nil
}

type jobCreateRequest struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	CPULimit       string            `json:"cpuLimit"`
	MemoryLimit    string            `json:"memoryLimit"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

func (c *HTTPClient) Submit(ctx context.Context, spec JobSpec) error {
	body, err := json.Marshal(jobCreateRequest{
		Name:           spec.JobName,
		Image:          spec.Image,
		Command:        spec.CommandArgs,
		Env:            spec.Env,
		CPULimit:       spec.ResourceLimits.CPU,
		MemoryLimit:    spec.ResourceLimits.Memory,
		TimeoutSeconds: spec.TimeoutSeconds,
	})
	if err != nil {
		return errors.Wrap(err, "marshaling job create request")
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/jobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building job create request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "creating job")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Errorf("runner returned %s", resp.Status)
	}
	return nil
}
