// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkgindex/gate/internal/httpx"
)

// GraphQLClient submits scanner jobs to an in-cluster GraphQL job runner via
// a createPipelineJobWithAlerting-shaped mutation, and counts running jobs
// via a companion listing query. No authentication: the endpoint is only
// reachable from inside the cluster network.
type GraphQLClient struct {
	HTTP     httpx.BasicClient
	Endpoint string
}

var _ Client = (*GraphQLClient)(nil)

const createJobMutation = `
mutation createPipelineJobWithAlerting($jobName: String!, $podSpec: String!, $timeout: Int!) {
  createPipelineJobWithAlerting(input: {jobName: $jobName, podSpec: $podSpec, timeout: $timeout, noHyperplaneCommands: true, debuggable: false}) {
    id
    jobName
    status
  }
}`

const listJobsQuery = `
query listPipelineJobs($prefix: String!) {
  pipelineJobs(where: {jobName: {startsWith: $prefix}}) {
    jobName
    status
  }
}`

type graphQLRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

func (c *GraphQLClient) do(ctx context.Context, req graphQLRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshaling graphql request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building graphql request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "making graphql request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("graphql endpoint returned %s", resp.Status)
	}
	var gqlResp graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return errors.Wrap(err, "decoding graphql response")
	}
	if len(gqlResp.Errors) > 0 {
		return errors.Errorf("graphql errors: %s", gqlResp.Errors[0].Message)
	}
	if out != nil && len(gqlResp.Data) > 0 {
		return json.Unmarshal(gqlResp.Data, out)
	}
	return nil
}

func (c *GraphQLClient) CountRunning(ctx context.Context, prefix string) (int, error) {
	var out struct {
		PipelineJobs []struct {
			JobName string `json:"jobName"`
			Status  string `json:"status"`
		} `json:"pipelineJobs"`
	}
	req := graphQLRequest{
		OperationName: "listPipelineJobs",
		Query:         listJobsQuery,
		Variables:     map[string]any{"prefix": prefix},
	}
	if err := c.do(ctx, req, &out); err != nil {
		return 0, err
	}
	count := 0
	for _, j := range out.PipelineJobs {
		if !terminalStatuses[strings.ToLower(j.Status)] {
			count++
		}
	}
	return count, nil
}

func (c *GraphQLClient) Submit(ctx context.Context, spec JobSpec) error {
	podSpec, err := json.Marshal(toPodSpec(spec))
	if err != nil {
		return errors.Wrap(err, "marshaling pod spec")
	}
	req := graphQLRequest{
		OperationName: "createPipelineJobWithAlerting",
		Query:         createJobMutation,
		Variables: map[string]any{
			"jobName": spec.JobName,
			"podSpec": string(podSpec),
			"timeout": spec.TimeoutSeconds,
		},
	}
	return c.do(ctx, req, nil)
}

// podSpec mirrors the subset of a Kubernetes PodSpec the scanner job
// actually needs: one container, no restarts, resource limits.
type podSpec struct {
	RestartPolicy string         `json:"restartPolicy"`
	Containers    []podContainer `json:"containers"`
}

type podContainer struct {
	Name      string       `json:"name"`
	Image     string       `json:"image"`
	Command   []string     `json:"command"`
	Env       []podEnvVar  `json:"env"`
	Resources podResources `json:"resources"`
}

type podEnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type podResources struct {
	Limits map[string]string `json:"limits"`
}

func toPodSpec(spec JobSpec) podSpec {
	env := make([]podEnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, podEnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })
	return podSpec{
		RestartPolicy: "Never",
		Containers: []podContainer{{
			Name:    "scanner",
			Image:   spec.Image,
			Command: spec.CommandArgs,
			Env:     env,
			Resources: podResources{Limits: map[string]string{
				"cpu":    spec.ResourceLimits.CPU,
				"memory": spec.ResourceLimits.Memory,
			}},
		}},
	}
}
