// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package cas implements a content-addressed store: a directory whose
// files are named after the hex SHA-256 digest of their own contents.
// It is the durable evidence locker for divergent NAR captures: workers
// ingest the two outputs of an unreproducible build into it, and the
// report renderer later reads them back out to hand to the diff driver.
package cas

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grahamc/r13y/internal/osutil"
)

// chunkSize is the buffer size used to stream bytes into the store,
// matching the original service's 4 KiB copy loop.
const chunkSize = 4096

// Store is a content-addressed store rooted at a directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory need not exist yet;
// it is created lazily by the first call to [Store.Ingest].
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// ID is the hex SHA-256 digest identifying an object in the store.
type ID string

// Path returns the path under the store's root that the identified
// object would live at,
// whether or not it has actually been ingested.
func (s *Store) Path(id ID) string {
	return filepath.Join(s.root, string(id))
}

// Lookup returns the path to the object named by id, and whether it
// exists in the store.
func (s *Store) Lookup(id ID) (path string, ok bool) {
	path = s.Path(id)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Ingest streams r into the store, computing its SHA-256 digest along
// the way, and returns the resulting ID and the path it was written to.
//
// Ingestion is crash-safe: bytes are written to a scratch file inside
// root (so the final rename is same-filesystem and atomic) and only
// renamed into place once the digest is known. Ingesting identical
// bytes twice is idempotent: the second rename simply overwrites a file
// with byte-identical contents.
func (s *Store) Ingest(r io.Reader) (ID, string, error) {
	if err := os.MkdirAll(s.root, 0o777); err != nil {
		return "", "", fmt.Errorf("cas: ingest: %w", err)
	}

	scratchDir, err := os.MkdirTemp(s.root, "cas-scratch-")
	if err != nil {
		return "", "", fmt.Errorf("cas: ingest: %w", err)
	}
	defer os.RemoveAll(scratchDir)
	scratchFile := filepath.Join(scratchDir, "cas")

	f, err := os.Create(scratchFile)
	if err != nil {
		return "", "", fmt.Errorf("cas: ingest: %w", err)
	}
	w := bufio.NewWriter(f)
	digest := sha256.New()

	buf := make([]byte, chunkSize)
	for {
		var n int
		err := osutil.IgnoringEINTR(func() error {
			var readErr error
			n, readErr = r.Read(buf)
			return readErr
		})
		if n > 0 {
			digest.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				f.Close()
				return "", "", fmt.Errorf("cas: ingest: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return "", "", fmt.Errorf("cas: ingest: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", "", fmt.Errorf("cas: ingest: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("cas: ingest: %w", err)
	}

	id := ID(hex.EncodeToString(digest.Sum(nil)))
	dest := s.Path(id)
	if err := os.Rename(scratchFile, dest); err != nil {
		return "", "", fmt.Errorf("cas: ingest: %w", err)
	}
	return id, dest, nil
}
