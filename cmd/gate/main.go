// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package main runs the gate: the HTTP surface installers point their
// index URL at, plus the internal admin/metrics surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pkgindex/gate/pkg/catalog"
	"github.com/pkgindex/gate/pkg/gate"
	"github.com/pkgindex/gate/pkg/index"
)

var (
	gateAddr    = flag.String("gate_addr", envOr("GATE_ADDR", ":8080"), "address the installer-facing surface listens on")
	adminAddr   = flag.String("admin_addr", envOr("ADMIN_ADDR", ":8081"), "address the admin/metrics surface listens on")
	upstreamURL = flag.String("upstream_url", envOr("PYPI_SERVER_URL", "https://pypi.org"), "upstream PyPI-compatible index to proxy")
	databaseURL = flag.String("database_url", os.Getenv("DATABASE_URL"), "Postgres connection string for the catalog")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()
	if *databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatal(errors.Wrap(err, "connecting to catalog database"))
	}
	defer pool.Close()

	store := catalog.NewPostgresStore(pool)
	g := &gate.Gate{
		Index:   &index.Client{HTTP: http.DefaultClient, BaseURL: *upstreamURL},
		Catalog: store,
	}
	h := &gate.Handler{Gate: g, UpstreamURL: *upstreamURL, HTTP: http.DefaultClient}

	installerServer := &http.Server{Addr: *gateAddr, Handler: h.InstallerMux()}
	adminServer := &http.Server{Addr: *adminAddr, Handler: h.AdminMux()}

	go func() {
		log.Printf("gate: installer surface listening on %s, proxying %s", *gateAddr, *upstreamURL)
		if err := installerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(errors.Wrap(err, "installer server"))
		}
	}()
	go func() {
		log.Printf("gate: admin surface listening on %s", *adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(errors.Wrap(err, "admin server"))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	log.Printf("gate: received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := installerServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("gate: installer server shutdown: %v", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("gate: admin server shutdown: %v", err)
	}
}
