// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package diffoscope

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grahamc/r13y/internal/cas"
)

func TestNormalizeTimestampsRecurses(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "f"), []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}

	if err := normalizeTimestamps(dir); err != nil {
		t.Fatalf("normalizeTimestamps: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "sub", "f"))
	if err != nil {
		t.Fatal(err)
	}
	if got := info.ModTime().Unix(); got != epoch.Unix() {
		t.Errorf("mtime of nested file = %v; want %v", got, epoch)
	}
}

func TestNormalizeTimestampsPropagatesMissingPathError(t *testing.T) {
	err := normalizeTimestamps(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("want error for a missing path, got nil")
	}
}

func TestNarsMissingDeclaredReturnsError(t *testing.T) {
	store := cas.New(t.TempDir())
	d := New(store)
	_, err := d.Nars(context.Background(), "pkg", cas.ID("deadbeef"), cas.ID("deadbeef"))
	if err == nil {
		t.Fatal("want error when the declared NAR is not in the store")
	}
}

func TestNarsRunsDiffoscopeOverRestoredTrees(t *testing.T) {
	store := cas.New(t.TempDir())
	declaredID, _, err := store.Ingest(strings.NewReader("nar-a"))
	if err != nil {
		t.Fatal(err)
	}
	checkID, _, err := store.Ingest(strings.NewReader("nar-b"))
	if err != nil {
		t.Fatal(err)
	}

	origRestore, origDiff := restoreNAR, runDiffoscope
	var restoredDests []string
	restoreNAR = func(ctx context.Context, narPath, dest string) error {
		restoredDests = append(restoredDests, dest)
		return os.WriteFile(dest, []byte("restored"), 0o666)
	}
	runDiffoscope = func(ctx context.Context, store *cas.Store, dir, relA, relB string) (cas.ID, error) {
		id, _, err := store.Ingest(strings.NewReader("<html>diff</html>"))
		return id, err
	}
	t.Cleanup(func() { restoreNAR, runDiffoscope = origRestore, origDiff })

	d := New(store)
	resultID, err := d.Nars(context.Background(), "pkg", declaredID, checkID)
	if err != nil {
		t.Fatalf("Nars: %v", err)
	}
	if resultID == "" {
		t.Error("resultID is empty")
	}
	if len(restoredDests) != 2 {
		t.Errorf("restoreNAR called %d times; want 2", len(restoredDests))
	}
	if path, ok := store.Lookup(resultID); !ok {
		t.Errorf("result %s not found in store", resultID)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "<html>diff</html>" {
			t.Errorf("stored report = %q", data)
		}
	}
}
