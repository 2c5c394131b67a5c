// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package upload publishes scanned artifacts to the internal package index
// using twine-equivalent semantics: a multipart/form-data POST to the
// legacy upload endpoint over HTTP Basic auth, where "file already exists"
// counts as success so a retried publish is idempotent.
package upload

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/pkgindex/gate/internal/httpx"
)

// Artifact is one file to publish, plus the upload-form metadata twine
// sends alongside it.
type Artifact struct {
	Filename      string
	Content       io.Reader
	PackageName   string
	Version       string
	PackageType   string // "sdist" or "bdist_wheel"
	PythonVersion string
	MD5Digest     string
	SHA256Digest  string
}

// Uploader publishes Artifacts to the internal index.
type Uploader struct {
	HTTP      httpx.BasicClient
	UploadURL string // e.g. "https://internal-index/legacy/"
	Username  string
	Password  string
}

// Upload publishes a single artifact. A response indicating the file is
// already present is treated as success (spec.md §4.H step 6).
func (u *Uploader) Upload(ctx context.Context, a Artifact) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		":action":          "file_upload",
		"protocol_version": "1",
		"name":             a.PackageName,
		"version":          a.Version,
		"filetype":         a.PackageType,
		"pyversion":        a.PythonVersion,
		"md5_digest":       a.MD5Digest,
		"sha256_digest":    a.SHA256Digest,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return errors.Wrap(err, "writing upload form field")
		}
	}
	fw, err := mw.CreateFormFile("content", a.Filename)
	if err != nil {
		return errors.Wrap(err, "creating form file")
	}
	if _, err := io.Copy(fw, a.Content); err != nil {
		return errors.Wrap(err, "copying artifact content")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "closing multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.UploadURL, &body)
	if err != nil {
		return errors.Wrap(err, "building upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.Username != "" {
		req.SetBasicAuth(u.Username, u.Password)
	}
	resp, err := u.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "uploading artifact")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	if isAlreadyExists(resp.StatusCode, string(respBody)) {
		return nil
	}
	return errors.Errorf("uploading %s: %s: %s", a.Filename, resp.Status, respBody)
}

func isAlreadyExists(status int, body string) bool {
	if status != http.StatusBadRequest && status != http.StatusConflict {
		return false
	}
	return strings.Contains(strings.ToLower(body), "already exist")
}
