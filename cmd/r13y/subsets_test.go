// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/grahamc/r13y/internal/messages"
)

func TestParseSubsetFlagsRequiresAtLeastOne(t *testing.T) {
	if _, err := parseSubsetFlags(nil); err == nil {
		t.Fatal("want error for no -s flags")
	}
}

func TestParseSubsetFlagsBareMeansEverything(t *testing.T) {
	got, err := parseSubsetFlags([]string{"nixpkgs"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[messages.Subset][]messages.Attr{messages.SubsetNixpkgs: nil}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseSubsetFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSubsetFlagsSpecificAttrs(t *testing.T) {
	got, err := parseSubsetFlags([]string{
		"nixos:nixos.iso_minimal.x86_64-linux",
		"nixos:nixos.iso_minimal.aarch64-linux",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[messages.Subset][]messages.Attr{
		messages.SubsetNixOSReleaseCombined: {
			{"nixos", "iso_minimal", "x86_64-linux"},
			{"nixos", "iso_minimal", "aarch64-linux"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseSubsetFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSubsetFlagsUnknownSubset(t *testing.T) {
	if _, err := parseSubsetFlags([]string{"bogus"}); err == nil {
		t.Fatal("want error for an unknown subset name")
	}
}
