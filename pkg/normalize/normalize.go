// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package normalize extracts a package name, optional version specifier,
// and optional runtime (Python) version out of the raw request target and
// User-Agent header an installer sends.
package normalize

import (
	"log"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// extrasRE strips bracketed extras: "requests[security]" -> "requests".
var extrasRE = regexp.MustCompile(`\[.*?\]`)

// specifierRE recognizes a name followed by one of the six comparators pip
// accepts and a version string.
var specifierRE = regexp.MustCompile(`^([a-zA-Z0-9_.-]+)(==|>=|<=|>|<|~=)(.+)$`)

// pythonVersionRE matches the first CPython/Python version tag in a pip
// User-Agent string; bareVersionRE is the fallback when no such tag exists.
var pythonVersionRE = regexp.MustCompile(`(?:CPython|Python)/(\d+\.\d+\.\d+)`)
var bareVersionRE = regexp.MustCompile(`\d+\.\d+\.\d+`)

// Request is the normalized form of an installer's request.
type Request struct {
	Name           string
	Version        string // "" if unspecified
	RuntimeVersion string // "" if undetectable
}

// Parse extracts name/version from the package-name segment of a
// Simple-Index URL, and the runtime version from the installer's
// User-Agent header.
func Parse(target, userAgent string) Request {
	name, version := parsePackageAndVersion(target)
	return Request{
		Name:           name,
		Version:        version,
		RuntimeVersion: parseRuntimeVersion(userAgent),
	}
}

func parsePackageAndVersion(target string) (string, string) {
	if target == "" {
		return "", ""
	}
	target = extrasRE.ReplaceAllString(target, "")

	m := specifierRE.FindStringSubmatch(target)
	if m == nil {
		return strings.TrimSpace(target), ""
	}
	name := strings.TrimSpace(m[1])
	op := m[2]
	version := strings.TrimSpace(m[3])

	if op == "==" {
		validateVersion(name, version)
		return name, version
	}
	// Non-exact specifiers aren't resolved to one version; still validate
	// the version portion so a malformed spec is visible in the logs.
	validateVersion(name, version)
	return name, op + version
}

// validateVersion logs (but does not reject) a version string that
// Masterminds/semver can't parse, since PyPI versions aren't all strict
// semver and the gate must never refuse to normalize a request over it.
func validateVersion(name, version string) {
	if _, err := semver.NewVersion(version); err != nil {
		log.Printf("normalize: %s: version %q is not valid semver: %v", name, version, err)
	}
}

func parseRuntimeVersion(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	if m := pythonVersionRE.FindStringSubmatch(userAgent); m != nil {
		return m[1]
	}
	if m := bareVersionRE.FindString(userAgent); m != "" {
		return m
	}
	return ""
}

// NormalizeVersion maps an absent/blank version to the literal token
// "latest" the catalog stores pinless requests under.
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return "latest"
	}
	return version
}
