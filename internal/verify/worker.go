// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package verify implements the concurrent build-verification engine:
// workers that perform the two-phase build and classify its outcome,
// and a coordinator that fans work out to them, persists interim
// state, and applies the requeue and slow-retry policies.
package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"github.com/grahamc/r13y/internal/cas"
	"github.com/grahamc/r13y/internal/derivation"
	"github.com/grahamc/r13y/internal/messages"
	"github.com/grahamc/r13y/internal/nixstore"
)

// checkOutcome is the result of the `--check` rebuild phase.
type checkOutcome int

const (
	checkReproducible checkOutcome = iota
	checkTimedOut
	checkDiverged
)

// checkTimeoutExitCode is the package manager's exit code for a
// `--check` build that was killed by `--timeout`.
const checkTimeoutExitCode = 101

// runFirstBuild and runCheckBuild are variables so tests can substitute
// a fake build without executing the real package manager.

var runFirstBuild = func(ctx context.Context, drv, gcRoot string, cores int) (ok bool, err error) {
	c := exec.CommandContext(ctx, "nix-store",
		"--add-root", gcRoot, "--indirect",
		"--realise", drv,
		"--cores", strconv.Itoa(cores),
	)
	c.Stdin = nil
	err = c.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if isExitError(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("first build of %s: %w", drv, err)
}

var runCheckBuild = func(ctx context.Context, drv string, cores int, timeout time.Duration) (checkOutcome, error) {
	timeoutSeconds := 0
	if timeout > 0 {
		timeoutSeconds = int(timeout / time.Second)
	}
	c := exec.CommandContext(ctx, "nix-store",
		"--realise", drv,
		"--cores", strconv.Itoa(cores),
		"--timeout", strconv.Itoa(timeoutSeconds),
		"--check", "--keep-failed",
	)
	c.Stdin, c.Stdout, c.Stderr = nil, nil, nil
	err := c.Run()
	if err == nil {
		return checkReproducible, nil
	}
	var exitErr *exec.ExitError
	if isExitError(err, &exitErr) {
		if exitErr.ExitCode() == checkTimeoutExitCode {
			return checkTimedOut, nil
		}
		return checkDiverged, nil
	}
	return 0, fmt.Errorf("check build of %s: %w", drv, err)
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// checkReproducibility performs the two-phase build for a single
// derivation and classifies the result. retry reports that the check
// build timed out (package manager exit 101): the caller should push
// drv onto the slow queue for a later retry with a longer timeout
// rather than record a result now.
func checkReproducibility(
	ctx context.Context,
	store *nixstore.Store,
	casStore *cas.Store,
	drv, gcRootA, gcRootCheck string,
	cores int,
	timeout time.Duration,
) (status messages.BuildStatus, retry bool, err error) {
	firstOK, err := runFirstBuild(ctx, drv, gcRootA, cores)
	if err != nil {
		return messages.BuildStatus{}, false, err
	}
	if !firstOK {
		log.Infof(ctx, "first build of %s failed", drv)
		return messages.BuildStatus{Kind: messages.FirstFailed}, false, nil
	}

	outcome, err := runCheckBuild(ctx, drv, cores, timeout)
	if err != nil {
		return messages.BuildStatus{}, false, err
	}
	switch outcome {
	case checkReproducible:
		log.Infof(ctx, "reproducible: %s", drv)
		return messages.BuildStatus{Kind: messages.Reproducible}, false, nil
	case checkTimedOut:
		log.Infof(ctx, "check build of %s timed out, queued for a slower retry", drv)
		return messages.BuildStatus{}, true, nil
	default: // checkDiverged
		log.Infof(ctx, "unreproducible: %s", drv)
		hashes, err := capture(ctx, store, casStore, drv, gcRootCheck)
		if err != nil {
			log.Errorf(ctx, "capture failed for %s, recording as second-failed: %v", drv, err)
			return messages.BuildStatus{Kind: messages.SecondFailed}, false, nil
		}
		if len(hashes) == 0 {
			return messages.BuildStatus{Kind: messages.SecondFailed}, false, nil
		}
		return messages.BuildStatus{Kind: messages.Unreproducible, Hashes: hashes}, false, nil
	}
}

// capture parses drv's outputs, and for each one that left behind a
// `.check` sibling directory (the divergent rebuild), adds the .check
// directory to the store, exports NARs of both the declared output and
// the .check copy, and ingests both into the CAS. Outputs without a
// `.check` sibling did not participate in the divergence and are
// skipped.
func capture(ctx context.Context, store *nixstore.Store, casStore *cas.Store, drv, gcRootCheck string) (messages.Hashes, error) {
	outputs, err := parseDerivation(ctx, drv)
	if err != nil {
		return nil, err
	}

	hashes := make(messages.Hashes)
	for output, outputPath := range outputs {
		checkPath := outputPath + ".check"
		if _, err := os.Stat(checkPath); err != nil {
			continue
		}

		checkedStorePath, err := store.AddPath(ctx, checkPath, gcRootCheck)
		if err != nil {
			return nil, fmt.Errorf("capture %s output %s: %w", drv, output, err)
		}

		pair, err := captureNARPair(ctx, store, casStore, outputPath, checkedStorePath)
		if err != nil {
			return nil, fmt.Errorf("capture %s output %s: %w", drv, output, err)
		}
		hashes[output] = pair
	}
	return hashes, nil
}

// captureNARPair exports NARs of the two store paths concurrently,
// draining each into the CAS before awaiting its producing child
// process, so that neither export can block the other on a full pipe.
func captureNARPair(ctx context.Context, store *nixstore.Store, casStore *cas.Store, declaredPath, checkedPath string) (messages.HashPair, error) {
	var declaredID, checkedID cas.ID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := exportAndIngest(gctx, store, casStore, declaredPath)
		if err != nil {
			return err
		}
		declaredID = id
		return nil
	})
	g.Go(func() error {
		id, err := exportAndIngest(gctx, store, casStore, checkedPath)
		if err != nil {
			return err
		}
		checkedID = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return messages.HashPair{}, err
	}
	return messages.HashPair{Declared: string(declaredID), Check: string(checkedID)}, nil
}

func exportAndIngest(ctx context.Context, store *nixstore.Store, casStore *cas.Store, path string) (cas.ID, error) {
	stream, export, err := store.ExportNAR(ctx, path)
	if err != nil {
		return "", err
	}
	// The stream must be fully drained before export.Wait is called, or
	// the child will block forever writing to a full stdout pipe.
	id, _, ingestErr := casStore.Ingest(stream)
	stream.Close()
	waitErr := export.Wait()
	if ingestErr != nil {
		return "", fmt.Errorf("export nar %s: %w", path, ingestErr)
	}
	if waitErr != nil {
		return "", waitErr
	}
	return id, nil
}

// parseDerivation resolves a derivation's output name to store path
// mapping. It is a variable so tests can substitute a fake parse
// without executing the real package manager.
var parseDerivation = func(ctx context.Context, drv string) (map[string]string, error) {
	d, err := derivation.Parse(ctx, drv)
	if err != nil {
		return nil, err
	}
	return d.Outputs(), nil
}

// threadTempDir returns the per-worker scratch directory under tmpDir,
// e.g. "./tmp/thread-3".
func threadTempDir(tmpDir string, workerID int) string {
	return fmt.Sprintf("%s/thread-%d", strings.TrimSuffix(tmpDir, "/"), workerID)
}
