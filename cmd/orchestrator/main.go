// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package main runs the orchestrator: a periodic tick that claims pending
// catalog entries and submits scanner jobs for them, bounded by the
// runner's reported concurrency (spec.md §4.F).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pkgindex/gate/internal/httpx"
	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/orchestrator"
	"github.com/pkgindex/gate/pkg/runner"
)

var (
	databaseURL     = flag.String("database_url", os.Getenv("DATABASE_URL"), "Postgres connection string for the catalog")
	runnerEndpoint  = flag.String("runner_endpoint", os.Getenv("RUNNER_ENDPOINT"), "in-cluster job runner endpoint")
	jobNamespace    = flag.String("job_namespace", envOr("ORCHESTRATOR_JOB_NAMESPACE", "scanner-"), "prefix applied to every submitted job name")
	maxConcurrent   = flag.Int("max_concurrent_jobs", envOrInt("MAX_CONCURRENT_JOBS", 10), "maximum in-flight scanner jobs")
	scannerImage    = flag.String("scanner_image", os.Getenv("SCANNER_IMAGE"), "container image the runner submits for each scanner job")
	runtimeVersions = flag.String("runtime_versions", os.Getenv("RUNTIME_VERSIONS"), "space-separated Python runtime versions to scan against")
	pypiServerURL   = flag.String("pypi_server_url", os.Getenv("PYPI_SERVER_URL"), "internal index URL the scanner uploads completed artifacts to")
	pypiUsername    = flag.String("pypi_username", os.Getenv("PYPI_USERNAME"), "internal index upload username")
	interval        = flag.Duration("interval", envOrDuration("ORCHESTRATOR_INTERVAL", 30*time.Second), "time between ticks")
)

// RUNNER_TOKEN and PYPI_PASSWORD are credentials: read directly from the
// environment, never exposed as flags, so neither appears in a process
// listing (spec.md §9's unauthenticated-in-cluster-runner open question
// still leaves room for an authenticated runner later).
func runnerToken() string  { return os.Getenv("RUNNER_TOKEN") }
func pypiPassword() string { return os.Getenv("PYPI_PASSWORD") }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func main() {
	flag.Parse()
	if *databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if *runnerEndpoint == "" {
		log.Fatal("RUNNER_ENDPOINT is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatal(errors.Wrap(err, "connecting to catalog database"))
	}
	defer pool.Close()

	var runnerClient runner.Client = &runner.GraphQLClient{
		HTTP:     authenticatedClient(runnerToken()),
		Endpoint: *runnerEndpoint,
	}
	runnerClient = runner.NewWithRetry(runnerClient)

	o := orchestrator.New(catalog.NewPostgresStore(pool), runnerClient, orchestrator.Config{
		JobNamePrefix:   *jobNamespace,
		MaxConcurrent:   *maxConcurrent,
		ScannerImage:    *scannerImage,
		RuntimeVersions: strings.Fields(*runtimeVersions),
		PyPIServerURL:   *pypiServerURL,
		PyPIUsername:    *pypiUsername,
		PyPIPassword:    pypiPassword(),
		DatabaseURL:     *databaseURL,
	})

	log.Printf("orchestrator: ticking every %s, max_concurrent=%d", *interval, *maxConcurrent)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("orchestrator: shutting down")
			return
		case <-ticker.C:
			if _, err := o.Tick(ctx); err != nil {
				log.Printf("orchestrator: tick error: %v", err)
			}
		}
	}
}

// authenticatedClient attaches RUNNER_TOKEN as a bearer token when present;
// an empty token means the runner endpoint is reachable unauthenticated
// (spec.md §9's resolved Open Question for an in-cluster-only runner).
func authenticatedClient(token string) httpx.BasicClient {
	base := &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: "pkgindex-orchestrator"}
	if token == "" {
		return base
	}
	return &bearerClient{base: base, token: token}
}

// bearerClient attaches RUNNER_TOKEN as a bearer token to every request.
type bearerClient struct {
	base  httpx.BasicClient
	token string
}

func (c *bearerClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.base.Do(req)
}
