// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package diffoscope restores a pair of captured NARs from the
// content-addressed store to a scratch directory and runs diffoscope
// over them, ingesting the HTML report back into the store.
package diffoscope

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/grahamc/r13y/internal/cas"
)

// Diffoscope renders a diffoscope report between two captured NARs.
type Diffoscope struct {
	store *cas.Store
}

// New returns a Diffoscope that restores and ingests through store.
func New(store *cas.Store) *Diffoscope {
	return &Diffoscope{store: store}
}

// epoch is the timestamp diffoscope's two trees are normalized to
// before comparison, so that a file's mtime never shows up as a
// spurious difference. Nix itself normalizes regular store paths to
// this same instant.
var epoch = time.Unix(1, 0)

// Nars restores the NARs identified by declared and check side by side
// under a scratch directory named name, normalizes their timestamps,
// and runs diffoscope over the pair. It returns the CAS identifier of
// the resulting HTML report.
func (d *Diffoscope) Nars(ctx context.Context, name string, declared, check cas.ID) (cas.ID, error) {
	scratch, err := os.MkdirTemp("", "diffoscope-scratch-")
	if err != nil {
		return "", fmt.Errorf("diffoscope %s: %w", name, err)
	}
	defer os.RemoveAll(scratch)

	relA := filepath.Join(name, "A")
	relB := filepath.Join(name, "B")
	destA := filepath.Join(scratch, relA)
	destB := filepath.Join(scratch, relB)
	if err := os.MkdirAll(filepath.Dir(destA), 0o777); err != nil {
		return "", fmt.Errorf("diffoscope %s: %w", name, err)
	}

	declaredPath, ok := d.store.Lookup(declared)
	if !ok {
		return "", fmt.Errorf("diffoscope %s: declared NAR %s not in store", name, declared)
	}
	checkPath, ok := d.store.Lookup(check)
	if !ok {
		return "", fmt.Errorf("diffoscope %s: check NAR %s not in store", name, check)
	}

	if err := restoreNAR(ctx, declaredPath, destA); err != nil {
		return "", fmt.Errorf("diffoscope %s: %w", name, err)
	}
	if err := normalizeTimestamps(destA); err != nil {
		return "", fmt.Errorf("diffoscope %s: %w", name, err)
	}
	if err := restoreNAR(ctx, checkPath, destB); err != nil {
		return "", fmt.Errorf("diffoscope %s: %w", name, err)
	}
	if err := normalizeTimestamps(destB); err != nil {
		return "", fmt.Errorf("diffoscope %s: %w", name, err)
	}

	resultID, err := runDiffoscope(ctx, d.store, scratch, relA, relB)
	if err != nil {
		return "", fmt.Errorf("diffoscope %s: %w", name, err)
	}
	return resultID, nil
}

// restoreNAR pipes the NAR at narPath into `nix-store --restore dest`.
var restoreNAR = func(ctx context.Context, narPath, dest string) error {
	src, err := os.Open(narPath)
	if err != nil {
		return err
	}
	defer src.Close()

	c := exec.CommandContext(ctx, "nix-store", "--restore", dest)
	stdin, err := c.StdinPipe()
	if err != nil {
		return fmt.Errorf("restore %s: %w", dest, err)
	}
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Start(); err != nil {
		return fmt.Errorf("restore %s: %w", dest, err)
	}
	copyErr := copyAndClose(stdin, src)
	waitErr := c.Wait()
	if copyErr != nil {
		return fmt.Errorf("restore %s: copy nar: %w", dest, copyErr)
	}
	if waitErr != nil {
		return fmt.Errorf("restore %s: %w: %s", dest, waitErr, stderr.String())
	}
	return nil
}

func copyAndClose(w io.WriteCloser, r io.Reader) error {
	_, err := io.Copy(w, r)
	closeErr := w.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// normalizeTimestamps recursively sets path and everything beneath it
// (without following symlinks) to a fixed instant, so that diffoscope
// never reports a timestamp-only difference. Unlike a naive walk, a
// failure at any level aborts the whole operation instead of being
// silently swallowed.
func normalizeTimestamps(path string) error {
	tv := []unix.Timeval{
		unix.NsecToTimeval(epoch.UnixNano()),
		unix.NsecToTimeval(epoch.UnixNano()),
	}
	if err := unix.Lutimes(path, tv); err != nil {
		return fmt.Errorf("normalize timestamps of %s: %w", path, err)
	}

	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("normalize timestamps of %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("normalize timestamps of %s: %w", path, err)
	}
	for _, entry := range entries {
		if err := normalizeTimestamps(filepath.Join(path, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// runDiffoscope invokes diffoscope over the two relative paths inside
// dir and ingests its HTML report into the store. It is a variable so
// tests can substitute a fake without executing the real binary.
var runDiffoscope = func(ctx context.Context, store *cas.Store, dir, relA, relB string) (cas.ID, error) {
	c := exec.CommandContext(ctx, "diffoscope", "--html", "-", relA, relB)
	c.Dir = dir
	c.Stdin = nil
	stdout, err := c.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Start(); err != nil {
		return "", err
	}
	id, _, ingestErr := store.Ingest(stdout)
	stdout.Close()
	waitErr := c.Wait()
	if ingestErr != nil {
		return "", fmt.Errorf("ingest diffoscope output: %w", ingestErr)
	}
	// diffoscope exits 1 when it found (and reported) a difference,
	// which is the expected case here: both derivations already
	// disagreed before diffoscope was invoked.
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", waitErr, stderr.String())
	}
	return id, nil
}
