// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs the periodic control loop that claims pending
// catalog entries and submits scanner jobs for them, bounded by the
// workload runner's reported concurrency.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/runner"
)

var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkgindex",
		Subsystem: "orchestrator",
		Name:      "ticks_total",
		Help:      "Orchestrator ticks, partitioned by outcome.",
	}, []string{"outcome"})
	jobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgindex",
		Subsystem: "orchestrator",
		Name:      "jobs_submitted_total",
		Help:      "Scanner jobs successfully submitted to the runner.",
	})
	jobsSubmitFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgindex",
		Subsystem: "orchestrator",
		Name:      "jobs_submit_failed_total",
		Help:      "Scanner job submissions the runner rejected or could not reach.",
	})
	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pkgindex",
		Subsystem: "orchestrator",
		Name:      "runner_jobs_running",
		Help:      "Runner-reported count of in-flight scanner jobs as of the last tick.",
	})
)

// Config is the orchestrator's tunable behavior, sourced from the
// environment variables of spec.md §6.
type Config struct {
	JobNamePrefix     string   // default "scanner-"
	MaxConcurrent     int      // MAX_CONCURRENT_JOBS, default 10
	ScannerImage      string   // SCANNER_IMAGE
	RuntimeVersions   []string // RUNTIME_VERSIONS, space-separated
	PyPIServerURL     string
	PyPIUsername      string
	PyPIPassword      string
	DatabaseURL       string
	JobTimeoutSeconds int // default 3600
}

// Orchestrator holds the dependencies one tick needs.
type Orchestrator struct {
	Catalog catalog.Store
	Runner  runner.Client
	Config  Config
}

// New applies spec defaults to any zero-valued Config fields.
func New(store catalog.Store, runnerClient runner.Client, cfg Config) *Orchestrator {
	if cfg.JobNamePrefix == "" {
		cfg.JobNamePrefix = "scanner-"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.JobTimeoutSeconds <= 0 {
		cfg.JobTimeoutSeconds = 3600
	}
	return &Orchestrator{Catalog: store, Runner: runnerClient, Config: cfg}
}

// Summary is the structured result of one tick (spec.md §4.F step 5).
type Summary struct {
	Running   int
	Slots     int
	Claimed   int
	Submitted int
	Failed    []string // "name@version" for each candidate whose submit failed
}

// Tick runs the per-tick algorithm of spec.md §4.F steps 1-5. It is the
// single function shared by cmd/orchestrator's internal ticker and any
// cron-driven one-shot invocation (spec.md §5).
func (o *Orchestrator) Tick(ctx context.Context) (Summary, error) {
	tickID := uuid.New().String()
	running, err := o.Runner.CountRunning(ctx, o.Config.JobNamePrefix)
	if err != nil {
		ticksTotal.WithLabelValues("runner_unavailable").Inc()
		log.Printf("orchestrator: tick %s: runner unavailable: %v", tickID, err)
		return Summary{}, errors.Wrap(err, "counting running jobs")
	}
	runningGauge.Set(float64(running))

	slots := o.Config.MaxConcurrent - running
	if slots <= 0 {
		ticksTotal.WithLabelValues("no_slots").Inc()
		log.Printf("orchestrator: tick %s summary: running=%d max=%d slots=0", tickID, running, o.Config.MaxConcurrent)
		return Summary{Running: running}, nil
	}

	candidates, err := o.Catalog.Claim(ctx, slots)
	if err != nil {
		ticksTotal.WithLabelValues("catalog_unavailable").Inc()
		log.Printf("orchestrator: tick %s: catalog unavailable: %v", tickID, err)
		return Summary{Running: running}, errors.Wrap(err, "claiming pending entries")
	}

	summary := Summary{Running: running, Slots: slots, Claimed: len(candidates)}
	now := time.Now()
	for _, entry := range candidates {
		spec := o.buildJobSpec(entry, now, tickID)
		if err := o.Runner.Submit(ctx, spec); err != nil {
			jobsSubmitFailedTotal.Inc()
			summary.Failed = append(summary.Failed, entry.Name+"@"+entry.Version)
			log.Printf("orchestrator: tick %s: submit failed for %s@%s (job %s): %v", tickID, entry.Name, entry.Version, spec.JobName, err)
			continue
		}
		jobsSubmittedTotal.Inc()
		summary.Submitted++
	}

	ticksTotal.WithLabelValues("ok").Inc()
	log.Printf("orchestrator: tick %s summary: running=%d slots=%d claimed=%d submitted=%d failed=%d",
		tickID, summary.Running, summary.Slots, summary.Claimed, summary.Submitted, len(summary.Failed))
	return summary, nil
}

var nameSanitizeRE = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func sanitize(s string) string {
	return strings.Trim(strings.ToLower(nameSanitizeRE.ReplaceAllString(s, "-")), "-")
}

// jobName implements spec.md §4.F's naming convention:
// scanner-<sanitized-name>-<sanitized-version>-py<runtime>-<unix-seconds>.
func jobName(prefix, name, version, runtimeVersion string, now time.Time) string {
	return fmt.Sprintf("%s%s-%s-py%s-%d", prefix, sanitize(name), sanitize(version), sanitize(runtimeVersion), now.Unix())
}

func (o *Orchestrator) buildJobSpec(entry *catalog.Entry, now time.Time, tickID string) runner.JobSpec {
	runtimeVersion := entry.RuntimeVersion
	if runtimeVersion == "" && len(o.Config.RuntimeVersions) > 0 {
		runtimeVersion = o.Config.RuntimeVersions[0]
	}
	env := map[string]string{
		"PACKAGE_NAME":    entry.Name,
		"PACKAGE_VERSION": entry.Version,
		"PYTHON_VERSION":  runtimeVersion,
		"PYPI_SERVER_URL": o.Config.PyPIServerURL,
		"PYPI_USERNAME":   o.Config.PyPIUsername,
		"PYPI_PASSWORD":   o.Config.PyPIPassword,
		"DATABASE_URL":    o.Config.DatabaseURL,
		"TICK_ID":         tickID,
	}
	return runner.JobSpec{
		JobName:        jobName(o.Config.JobNamePrefix, entry.Name, entry.Version, runtimeVersion, now),
		Image:          o.Config.ScannerImage,
		CommandArgs:    []string{"scan", entry.Name, entry.Version},
		Env:            env,
		ResourceLimits: runner.ResourceLimits{CPU: "2000m", Memory: "2Gi"},
		TimeoutSeconds: o.Config.JobTimeoutSeconds,
	}
}
