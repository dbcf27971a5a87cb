// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grahamc/r13y/internal/messages"
)

func withFakeBuilds(t *testing.T, firstOK bool, firstErr error, outcome checkOutcome, checkErr error) {
	t.Helper()
	origFirst, origCheck := runFirstBuild, runCheckBuild
	runFirstBuild = func(ctx context.Context, drv, gcRoot string, cores int) (bool, error) {
		return firstOK, firstErr
	}
	runCheckBuild = func(ctx context.Context, drv string, cores int, timeout time.Duration) (checkOutcome, error) {
		return outcome, checkErr
	}
	t.Cleanup(func() {
		runFirstBuild, runCheckBuild = origFirst, origCheck
	})
}

func TestCheckReproducibilityFirstBuildFails(t *testing.T) {
	withFakeBuilds(t, false, nil, checkReproducible, nil)

	status, retry, err := checkReproducibility(context.Background(), nil, nil, "/nix/store/x.drv", "a", "c", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if retry {
		t.Error("retry = true; want false")
	}
	if status.Kind != messages.FirstFailed {
		t.Errorf("Kind = %v; want FirstFailed", status.Kind)
	}
}

func TestCheckReproducibilityReproducible(t *testing.T) {
	withFakeBuilds(t, true, nil, checkReproducible, nil)

	status, retry, err := checkReproducibility(context.Background(), nil, nil, "/nix/store/x.drv", "a", "c", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if retry {
		t.Error("retry = true; want false")
	}
	if status.Kind != messages.Reproducible {
		t.Errorf("Kind = %v; want Reproducible", status.Kind)
	}
}

func TestCheckReproducibilityTimeoutRequestsRetry(t *testing.T) {
	withFakeBuilds(t, true, nil, checkTimedOut, nil)

	_, retry, err := checkReproducibility(context.Background(), nil, nil, "/nix/store/x.drv", "a", "c", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !retry {
		t.Error("retry = false; want true")
	}
}

func TestCheckReproducibilityFirstBuildHardError(t *testing.T) {
	withFakeBuilds(t, false, errors.New("exec: nix-store not found"), checkReproducible, nil)

	_, _, err := checkReproducibility(context.Background(), nil, nil, "/nix/store/x.drv", "a", "c", 1, 0)
	if err == nil {
		t.Fatal("want error, got nil")
	}
}

func TestCaptureSkipsOutputsWithoutCheckSibling(t *testing.T) {
	origParse := parseDerivation
	parseDerivation = func(ctx context.Context, drv string) (map[string]string, error) {
		return map[string]string{"out": t.TempDir() + "/does-not-exist"}, nil
	}
	t.Cleanup(func() { parseDerivation = origParse })

	hashes, err := capture(context.Background(), nil, nil, "/nix/store/x.drv", "gcroot")
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 0 {
		t.Errorf("hashes = %v; want empty, since no .check sibling exists", hashes)
	}
}

func TestThreadTempDir(t *testing.T) {
	if got, want := threadTempDir("./tmp", 3), "./tmp/thread-3"; got != want {
		t.Errorf("threadTempDir = %q; want %q", got, want)
	}
	if got, want := threadTempDir("./tmp/", 0), "./tmp/thread-0"; got != want {
		t.Errorf("threadTempDir = %q; want %q", got, want)
	}
}
