// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package report

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grahamc/r13y/internal/cas"
	"github.com/grahamc/r13y/internal/diffoscope"
	"github.com/grahamc/r13y/internal/messages"
)

func TestUnevaluatedErrorMessage(t *testing.T) {
	err := &UnevaluatedError{FirstFailed: []string{"a", "b"}}
	if got := err.Error(); !strings.Contains(got, "2 derivations") {
		t.Errorf("Error() = %q; want it to mention the count", got)
	}
}

func TestWriteIndexAndMetrics(t *testing.T) {
	dir := t.TempDir()
	data := indexData{
		Revision:           "abc123",
		Now:                "2026-01-01T00:00:00Z",
		Total:              10,
		Reproducible:       7,
		Unchecked:          1,
		Percent:            "70.00%",
		UnreproducibleList: "<li>x</li>",
	}
	if err := writeIndex(dir, data); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(filepath.Join(dir, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "abc123") || !strings.Contains(string(out), "70.00%") {
		t.Errorf("index.html missing expected content: %s", out)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := writeMetrics(dir, "abc123", now, 10, 7, 1); err != nil {
		t.Fatal(err)
	}
	metrics, err := os.ReadFile(filepath.Join(dir, "metrics"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`r13y_check_revision{revision="abc123"} 1`,
		"r13y_paths_count 10",
		`r13y_path_status_count{status="reproducible"} 7`,
		`r13y_path_status_count{status="unreproducible"} 3`,
		`r13y_path_status_count{status="unchecked"} 1`,
	} {
		if !strings.Contains(string(metrics), want) {
			t.Errorf("metrics missing %q:\n%s", want, metrics)
		}
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	if err := os.WriteFile(src, []byte("hello"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := copyFile(src, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("copied content = %q; want %q", got, "hello")
	}
}

func TestRenderUnreproducibleSkipsAlreadyDiffedPair(t *testing.T) {
	origParse := parseDerivationOutputs
	parseDerivationOutputs = func(ctx context.Context, drv string) (map[string]string, error) {
		return map[string]string{"out": "/nix/store/xxxx-pkg"}, nil
	}
	t.Cleanup(func() { parseDerivationOutputs = origParse })

	diffDir := t.TempDir()
	// Pre-seed the cached diff so the function must not attempt to
	// invoke diffoscope at all.
	if err := os.WriteFile(filepath.Join(diffDir, "aaaa-bbbb.html"), []byte("cached"), 0o666); err != nil {
		t.Fatal(err)
	}

	readCAS := cas.New(t.TempDir())
	writeCAS := cas.New(t.TempDir())
	diff := diffoscope.New(writeCAS)

	resp := messages.BuildResponse{
		Drv: "/nix/store/xxxx-pkg.drv",
		Status: messages.BuildStatus{
			Kind: messages.Unreproducible,
			Hashes: messages.Hashes{
				"out": {Declared: "aaaa", Check: "bbbb"},
			},
		},
	}

	var out bytes.Buffer
	if err := renderUnreproducible(context.Background(), readCAS, writeCAS, diff, diffDir, resp, &out); err != nil {
		t.Fatalf("renderUnreproducible: %v", err)
	}
	if !strings.Contains(out.String(), "aaaa-bbbb.html") {
		t.Errorf("output missing cached diff link: %s", out.String())
	}
}

func TestRenderUnreproducibleSkipsOutputsNotInDerivation(t *testing.T) {
	origParse := parseDerivationOutputs
	parseDerivationOutputs = func(ctx context.Context, drv string) (map[string]string, error) {
		return map[string]string{}, nil
	}
	t.Cleanup(func() { parseDerivationOutputs = origParse })

	resp := messages.BuildResponse{
		Drv: "/nix/store/xxxx-pkg.drv",
		Status: messages.BuildStatus{
			Kind:   messages.Unreproducible,
			Hashes: messages.Hashes{"out": {Declared: "aaaa", Check: "bbbb"}},
		},
	}

	var out bytes.Buffer
	readCAS := cas.New(t.TempDir())
	writeCAS := cas.New(t.TempDir())
	diff := diffoscope.New(writeCAS)
	if err := renderUnreproducible(context.Background(), readCAS, writeCAS, diff, t.TempDir(), resp, &out); err != nil {
		t.Fatalf("renderUnreproducible: %v", err)
	}
	if strings.Contains(out.String(), "diffoscope") {
		t.Errorf("should not have linked a diff for an output missing from the derivation: %s", out.String())
	}
}
