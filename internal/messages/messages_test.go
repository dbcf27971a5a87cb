// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package messages

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildRequestJSON(t *testing.T) {
	req := BuildRequest{
		NixpkgsRevision:  "abc123",
		NixpkgsSHA256Sum: "0000000000000000000000000000000000000000000000000000000000000",
		ResultURL:        "bogus",
		Subsets: map[Subset][]Attr{
			SubsetNixOSReleaseCombined: {
				{"nixos", "iso_minimal", "x86_64-linux"},
			},
			SubsetNixpkgs: nil,
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	var got BuildRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatal(err)
	}
	if _, ok := generic["V1"]; !ok {
		t.Errorf("marshaled request %s does not have a V1 envelope", data)
	}
}

func TestBuildStatusJSON(t *testing.T) {
	tests := []struct {
		name   string
		status BuildStatus
		want   string
	}{
		{
			name:   "FirstFailed",
			status: BuildStatus{Kind: FirstFailed},
			want:   `"FirstFailed"`,
		},
		{
			name:   "SecondFailed",
			status: BuildStatus{Kind: SecondFailed},
			want:   `"SecondFailed"`,
		},
		{
			name:   "Reproducible",
			status: BuildStatus{Kind: Reproducible},
			want:   `"Reproducible"`,
		},
		{
			name: "Unreproducible",
			status: BuildStatus{
				Kind: Unreproducible,
				Hashes: Hashes{
					"out": HashPair{Declared: "aaaa", Check: "bbbb"},
				},
			},
			want: `{"Unreproducible":{"out":["aaaa","bbbb"]}}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := json.Marshal(test.status)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != test.want {
				t.Errorf("Marshal(%+v) = %s; want %s", test.status, data, test.want)
			}

			var got BuildStatus
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}
			if diff := cmp.Diff(test.status, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildResponseLogRoundTrip(t *testing.T) {
	responses := []BuildResponse{
		{
			Request: BuildRequest{NixpkgsRevision: "rev1", Subsets: map[Subset][]Attr{SubsetNixpkgs: nil}},
			Drv:     "/nix/store/aaaa-foo.drv",
			Status:  BuildStatus{Kind: Reproducible},
		},
		{
			Request: BuildRequest{NixpkgsRevision: "rev1", Subsets: map[Subset][]Attr{SubsetNixpkgs: nil}},
			Drv:     "/nix/store/bbbb-bar.drv",
			Status: BuildStatus{
				Kind:   Unreproducible,
				Hashes: Hashes{"out": HashPair{Declared: "c1", Check: "c2"}},
			},
		},
	}

	data, err := json.Marshal(responses)
	if err != nil {
		t.Fatal(err)
	}
	var got []BuildResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if diff := cmp.Diff(responses, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSubset(t *testing.T) {
	tests := []struct {
		in      string
		want    Subset
		wantErr bool
	}{
		{"nixpkgs", SubsetNixpkgs, false},
		{"Nixpkgs", SubsetNixpkgs, false},
		{"nixos", SubsetNixOSReleaseCombined, false},
		{"NixOSReleaseCombined", SubsetNixOSReleaseCombined, false},
		{"bogus", 0, true},
	}
	for _, test := range tests {
		got, err := ParseSubset(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseSubset(%q) error = %v, wantErr %v", test.in, err, test.wantErr)
			continue
		}
		if err == nil && got != test.want {
			t.Errorf("ParseSubset(%q) = %v; want %v", test.in, got, test.want)
		}
	}
}
