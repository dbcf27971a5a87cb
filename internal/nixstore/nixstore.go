// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package nixstore is a thin driver over the package manager's store
// primitives: rooting a store path against garbage collection, adding
// an arbitrary directory to the store, and exporting a NAR byte stream.
// None of these re-implement the store; they shell out to it.
package nixstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Store drives the package manager's CLI.
type Store struct{}

// New returns a Store.
func New() *Store {
	return &Store{}
}

// RealiseError reports that a `nix-store --realise` invocation exited
// non-zero.
type RealiseError struct {
	StorePath string
	Stderr    string
}

func (e *RealiseError) Error() string {
	return fmt.Sprintf("realise %s: %s", e.StorePath, strings.TrimSpace(e.Stderr))
}

// CreateGCRoot roots storePath against garbage collection by creating
// an indirect GC root at gcRoot. It realises storePath as a side
// effect, which is a no-op if storePath is already built.
func (s *Store) CreateGCRoot(ctx context.Context, storePath, gcRoot string) error {
	c := exec.CommandContext(ctx, "nix-store",
		"--add-root", gcRoot, "--indirect", "--realise", storePath)
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return &RealiseError{StorePath: storePath, Stderr: stderr.String()}
	}
	return nil
}

// ProtocolError reports that a subprocess produced output in a shape
// the driver did not expect.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

// AddPath copies the directory at path into the store and roots the
// resulting store path at gcRoot. It is used to preserve `.check`
// directories, which are not themselves valid store paths and would
// otherwise be garbage collected before they can be captured.
func (s *Store) AddPath(ctx context.Context, path, gcRoot string) (storePath string, err error) {
	c := exec.CommandContext(ctx, "nix", "add-to-store", path)
	var stderr bytes.Buffer
	c.Stderr = &stderr
	out, err := c.Output()
	if err != nil {
		return "", fmt.Errorf("add-to-store %s: %w: %s", path, err, stderr.String())
	}

	lines := strings.FieldsFunc(string(out), func(r rune) bool { return r == '\n' })
	if len(lines) != 1 {
		return "", &ProtocolError{
			Op:     fmt.Sprintf("add-to-store %s", path),
			Detail: fmt.Sprintf("expected exactly one line of output, got %d", len(lines)),
		}
	}
	storePath = lines[0]

	if err := s.CreateGCRoot(ctx, storePath, gcRoot); err != nil {
		return "", err
	}
	return storePath, nil
}

// Export is a NAR byte stream being exported from the store, paired
// with the finaliser that must be invoked once the stream has been
// fully drained.
type Export struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

// Wait reaps the child process that produced the NAR. The stream
// returned alongside Export must be read to EOF before Wait is called,
// or the child will block forever on a full stdout pipe.
func (e *Export) Wait() error {
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("export nar: %w: %s", err, strings.TrimSpace(e.stderr.String()))
	}
	return nil
}

// ExportNAR spawns `nix dump-path <storePath>` and returns its stdout
// as a NAR byte stream, plus the Export used to reap the child once the
// stream has been drained.
func (s *Store) ExportNAR(ctx context.Context, storePath string) (io.ReadCloser, *Export, error) {
	c := exec.CommandContext(ctx, "nix", "dump-path", storePath)
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("export nar %s: %w", storePath, err)
	}
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Start(); err != nil {
		return nil, nil, fmt.Errorf("export nar %s: %w", storePath, err)
	}
	return stdout, &Export{cmd: c, stderr: &stderr}, nil
}
