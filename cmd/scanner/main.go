// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package main runs the scanner worker: one invocation downloads, scans,
// and publishes a single (name, version) the orchestrator submitted it
// for (spec.md §4.H). The runner invokes this binary as
// "scanner scan <name> <version>", matching orchestrator.buildJobSpec's
// CommandArgs.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/registry/pypi"
	"github.com/pkgindex/gate/pkg/scanner"
	"github.com/pkgindex/gate/pkg/upload"
)

var (
	databaseURL     = flag.String("database_url", os.Getenv("DATABASE_URL"), "Postgres connection string for the catalog")
	pypiServerURL   = flag.String("pypi_server_url", os.Getenv("PYPI_SERVER_URL"), "internal index URL, used both as the artifact source and the upload target")
	pypiUsername    = flag.String("pypi_username", os.Getenv("PYPI_USERNAME"), "internal index upload username")
	runtimeVersions = flag.String("runtime_versions", os.Getenv("RUNTIME_VERSIONS"), "space-separated Python runtime versions to attempt; empty uses the built-in default four")
	trivyPath       = flag.String("trivy_path", envOr("TRIVY_PATH", "trivy"), "path to the trivy binary")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 3 || args[0] != "scan" {
		log.Fatal("usage: scanner scan <name> <version>")
	}
	name, version := args[1], args[2]

	if *databaseURL == "" || *pypiServerURL == "" {
		log.Fatal("DATABASE_URL and PYPI_SERVER_URL are required")
	}
	pypiPassword := os.Getenv("PYPI_PASSWORD")

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatal(errors.Wrap(err, "connecting to catalog database"))
	}
	defer pool.Close()

	baseURL, err := url.Parse(*pypiServerURL)
	if err != nil {
		log.Fatal(errors.Wrap(err, "parsing PYPI_SERVER_URL"))
	}

	s := &scanner.Scanner{
		Registry: pypi.HTTPRegistry{Client: http.DefaultClient, BaseURL: baseURL},
		Uploader: &upload.Uploader{
			HTTP:      http.DefaultClient,
			UploadURL: strings.TrimRight(*pypiServerURL, "/") + "/legacy/",
			Username:  *pypiUsername,
			Password:  pypiPassword,
		},
		Catalog:         catalog.NewPostgresStore(pool),
		RuntimeVersions: strings.Fields(*runtimeVersions),
		TrivyPath:       *trivyPath,
	}

	log.Printf("scanner: starting %s@%s", name, version)
	status, err := s.Run(ctx, name, version)
	if err != nil {
		log.Printf("scanner: %s@%s finished as %s: %v", name, version, status, err)
		os.Exit(1)
	}
	log.Printf("scanner: %s@%s finished as %s", name, version, status)
}
