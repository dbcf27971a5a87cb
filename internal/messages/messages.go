// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package messages defines the wire and log-record shapes shared between
// the evaluator, the verification engine, and the report renderer. The
// JSON encodings mirror the original Rust service's serde derives field
// for field, since the on-disk log (reproducibility-log-<revision>.json)
// must remain readable across rewrites.
package messages

import (
	"bytes"
	"fmt"

	jsonv2 "github.com/go-json-experiment/json"
)

// Subset is a coarse category of build targets, mapped client-side to a
// fixed relative file path in the nixpkgs checkout.
type Subset int

// The two subsets known to the verifier.
const (
	SubsetNixpkgs Subset = iota
	SubsetNixOSReleaseCombined
)

// Path returns the relative file path that an evaluator script should
// instantiate for the subset.
func (s Subset) Path() string {
	switch s {
	case SubsetNixpkgs:
		return "./default.nix"
	case SubsetNixOSReleaseCombined:
		return "./nixos/release-combined.nix"
	default:
		return ""
	}
}

// String returns the wire name of the subset ("Nixpkgs" or
// "NixOSReleaseCombined").
func (s Subset) String() string {
	switch s {
	case SubsetNixpkgs:
		return "Nixpkgs"
	case SubsetNixOSReleaseCombined:
		return "NixOSReleaseCombined"
	default:
		return fmt.Sprintf("Subset(%d)", int(s))
	}
}

// ParseSubset parses a wire name (or the CLI's short spellings,
// "nixpkgs"/"nixos") into a Subset.
func ParseSubset(name string) (Subset, error) {
	switch name {
	case "Nixpkgs", "nixpkgs":
		return SubsetNixpkgs, nil
	case "NixOSReleaseCombined", "nixos":
		return SubsetNixOSReleaseCombined, nil
	default:
		return 0, fmt.Errorf("unknown subset %q", name)
	}
}

// MarshalText implements [encoding.TextMarshaler] so Subset can be used
// both as a JSON string and as a JSON object key.
func (s Subset) MarshalText() ([]byte, error) {
	if s != SubsetNixpkgs && s != SubsetNixOSReleaseCombined {
		return nil, fmt.Errorf("marshal subset: %s", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Subset) UnmarshalText(text []byte) error {
	parsed, err := ParseSubset(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Attr is a dotted attribute path into the evaluation, e.g.
// nixos.iso_minimal.x86_64-linux represented as
// []string{"nixos", "iso_minimal", "x86_64-linux"}.
type Attr []string

// BuildRequest describes one verification run: a nixpkgs revision plus
// the subsets (and optionally specific attributes within them) to
// instantiate and rebuild.
type BuildRequest struct {
	NixpkgsRevision  string
	NixpkgsSHA256Sum string
	ResultURL        string

	// Subsets maps each requested Subset to the attributes to build
	// within it. A nil slice means "every attribute in the subset" and
	// is encoded as JSON null; the evaluator treats an empty slice the
	// same way.
	Subsets map[Subset][]Attr
}

type buildRequestV1 struct {
	NixpkgsRevision  string           `json:"nixpkgs_revision"`
	NixpkgsSHA256Sum string           `json:"nixpkgs_sha256sum"`
	ResultURL        string           `json:"result_url"`
	Subsets          map[Subset][]Attr `json:"subsets"`
}

type buildRequestEnvelope struct {
	V1 *buildRequestV1 `json:"V1"`
}

// MarshalJSON encodes the request as the {"V1": {...}} envelope the
// original service used, so that BuildRequestV2 etc. could be added
// later without breaking the log format.
func (r BuildRequest) MarshalJSON() ([]byte, error) {
	return jsonv2.Marshal(buildRequestEnvelope{V1: &buildRequestV1{
		NixpkgsRevision:  r.NixpkgsRevision,
		NixpkgsSHA256Sum: r.NixpkgsSHA256Sum,
		ResultURL:        r.ResultURL,
		Subsets:          r.Subsets,
	}}, jsonv2.FormatNilSliceAsNull(true))
}

// UnmarshalJSON decodes the {"V1": {...}} envelope.
func (r *BuildRequest) UnmarshalJSON(data []byte) error {
	var env buildRequestEnvelope
	if err := jsonv2.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal build request: %w", err)
	}
	if env.V1 == nil {
		return fmt.Errorf("unmarshal build request: missing V1 variant")
	}
	r.NixpkgsRevision = env.V1.NixpkgsRevision
	r.NixpkgsSHA256Sum = env.V1.NixpkgsSHA256Sum
	r.ResultURL = env.V1.ResultURL
	r.Subsets = env.V1.Subsets
	return nil
}

// StatusKind is the tag of a [BuildStatus].
type StatusKind int

const (
	// FirstFailed means the initial build of the derivation failed.
	FirstFailed StatusKind = iota
	// SecondFailed means the initial build succeeded but the --check
	// rebuild failed without leaving behind a divergent output to
	// compare.
	SecondFailed
	// Reproducible means both builds succeeded and agreed.
	Reproducible
	// Unreproducible means both builds succeeded but at least one
	// output differed; Hashes records the CAS identifiers of both
	// copies of every output that diverged.
	Unreproducible
)

func (k StatusKind) String() string {
	switch k {
	case FirstFailed:
		return "FirstFailed"
	case SecondFailed:
		return "SecondFailed"
	case Reproducible:
		return "Reproducible"
	case Unreproducible:
		return "Unreproducible"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// HashPair is a declared-output / check-output pair of lowercase hex
// SHA-256 CAS identifiers.
type HashPair struct {
	Declared string
	Check    string
}

// MarshalJSON encodes the pair as a 2-element array, matching the
// original's (Sha256Sum, Sha256Sum) tuple.
func (p HashPair) MarshalJSON() ([]byte, error) {
	return jsonv2.Marshal([2]string{p.Declared, p.Check})
}

// UnmarshalJSON decodes a 2-element array.
func (p *HashPair) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := jsonv2.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("unmarshal hash pair: %w", err)
	}
	p.Declared, p.Check = pair[0], pair[1]
	return nil
}

// Hashes maps output name to the pair of CAS identifiers for its two
// captured NARs.
type Hashes map[string]HashPair

// BuildStatus is the outcome of verifying a single derivation.
type BuildStatus struct {
	Kind   StatusKind
	Hashes Hashes // populated only when Kind == Unreproducible
}

type unreproducibleStatus struct {
	Unreproducible Hashes `json:"Unreproducible"`
}

// MarshalJSON encodes unit variants as a bare JSON string and
// Unreproducible as {"Unreproducible": {...}}, matching serde's default
// externally-tagged enum representation.
func (s BuildStatus) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case FirstFailed, SecondFailed, Reproducible:
		return jsonv2.Marshal(s.Kind.String())
	case Unreproducible:
		return jsonv2.Marshal(unreproducibleStatus{Unreproducible: s.Hashes})
	default:
		return nil, fmt.Errorf("marshal build status: unknown kind %v", s.Kind)
	}
}

// UnmarshalJSON decodes either a bare string or an {"Unreproducible": ...}
// object.
func (s *BuildStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := jsonv2.Unmarshal(data, &name); err != nil {
			return fmt.Errorf("unmarshal build status: %w", err)
		}
		switch name {
		case "FirstFailed":
			*s = BuildStatus{Kind: FirstFailed}
		case "SecondFailed":
			*s = BuildStatus{Kind: SecondFailed}
		case "Reproducible":
			*s = BuildStatus{Kind: Reproducible}
		default:
			return fmt.Errorf("unmarshal build status: unknown status %q", name)
		}
		return nil
	}
	var obj unreproducibleStatus
	if err := jsonv2.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("unmarshal build status: %w", err)
	}
	if obj.Unreproducible == nil {
		return fmt.Errorf("unmarshal build status: object missing Unreproducible key")
	}
	*s = BuildStatus{Kind: Unreproducible, Hashes: obj.Unreproducible}
	return nil
}

// BuildResponse is one row of the durable result log: the request that
// produced it, the derivation path that was verified, and the outcome.
// Responses are appended to the log and never mutated.
type BuildResponse struct {
	Request BuildRequest `json:"request"`
	Drv     string       `json:"drv"`
	Status  BuildStatus  `json:"status"`
}
