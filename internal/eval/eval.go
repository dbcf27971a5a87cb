// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package eval instantiates the derivations a [messages.BuildRequest]
// names and loads the prior result log to produce a skip list of
// derivations that do not need to be rebuilt.
package eval

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"

	"github.com/grahamc/r13y/internal/messages"
	"github.com/grahamc/r13y/internal/sets"
)

//go:embed evaluate.nix
var evaluateExpr string

// logFileName returns the name of the durable result log for a
// revision, relative to the working directory.
func logFileName(revision string) string {
	return fmt.Sprintf("reproducibility-log-%s.json", revision)
}

// LoadLog reads the durable result log for revision out of dir. It
// returns an empty slice, not an error, if the log does not exist yet.
func LoadLog(dir, revision string) ([]messages.BuildResponse, error) {
	data, err := os.ReadFile(filepath.Join(dir, logFileName(revision)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load log for %s: %w", revision, err)
	}
	var results []messages.BuildResponse
	if err := jsonv2.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("load log for %s: %w", revision, err)
	}
	return results, nil
}

// SaveLog persists results as the durable result log for revision in
// dir, atomically replacing whatever was there before.
func SaveLog(dir, revision string, results []messages.BuildResponse) error {
	data, err := jsonv2.Marshal(results)
	if err != nil {
		return fmt.Errorf("save log for %s: %w", revision, err)
	}
	tmp, err := os.CreateTemp(dir, "reproducibility-log-*.json.tmp")
	if err != nil {
		return fmt.Errorf("save log for %s: %w", revision, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save log for %s: %w", revision, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save log for %s: %w", revision, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, logFileName(revision))); err != nil {
		return fmt.Errorf("save log for %s: %w", revision, err)
	}
	return nil
}

// JobInstantiation is the result of evaluating a [messages.BuildRequest]:
// every transitively required derivation, the subset of those already
// decided by a prior run, and the prior run's carried-forward results.
type JobInstantiation struct {
	ToBuild  sets.Set[string]
	SkipList sets.Set[string]
	Results  []messages.BuildResponse
}

// Evaluate instantiates every subset in req, collects the transitive
// `.drv` requisites of each, and loads the skip list implied by any
// existing result log for req.NixpkgsRevision. workDir must contain (or
// will have created within it) a tmp/ directory used for the
// evaluator's GC root, and is also where the result log is read from.
func Evaluate(ctx context.Context, workDir string, req messages.BuildRequest) (*JobInstantiation, error) {
	prevResults, err := LoadLog(workDir, req.NixpkgsRevision)
	if err != nil {
		return nil, err
	}

	skipList := sets.New[string]()
	var results []messages.BuildResponse
	for _, r := range prevResults {
		if r.Status.Kind == messages.FirstFailed {
			// Retried: do not add to the skip list, so a future run
			// rebuilds it.
			continue
		}
		skipList.Add(r.Drv)
		results = append(results, r)
	}

	tmpDir := filepath.Join(workDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o777); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", req.NixpkgsRevision, err)
	}
	gcRoot := filepath.Join(tmpDir, "result.drv")

	toBuild := sets.New[string]()
	for subset, attrs := range req.Subsets {
		if attrs == nil {
			attrs = []messages.Attr{}
		}
		attrsJSON, err := jsonv2.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", req.NixpkgsRevision, err)
		}

		if err := instantiate(ctx, gcRoot, req.NixpkgsRevision, req.NixpkgsSHA256Sum, subset.Path(), string(attrsJSON)); err != nil {
			return nil, fmt.Errorf("evaluate %s %s: %w", req.NixpkgsRevision, subset, err)
		}

		drvs, err := queryRequisites(ctx, gcRoot)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s %s: %w", req.NixpkgsRevision, subset, err)
		}
		for _, d := range drvs {
			if strings.HasSuffix(d, ".drv") {
				toBuild.Add(d)
			}
		}
	}

	return &JobInstantiation{ToBuild: toBuild, SkipList: skipList, Results: results}, nil
}

// instantiate and queryRequisites are variables so tests can substitute
// a fake evaluator without executing nix-instantiate/nix-store.

var instantiate = func(ctx context.Context, gcRoot string, revision, sha256, subfile, attrsJSON string) error {
	c := exec.CommandContext(ctx, "nix-instantiate",
		"-E", evaluateExpr,
		"--add-root", gcRoot, "--indirect",
		"--argstr", "revision", revision,
		"--argstr", "sha256", sha256,
		"--argstr", "subfile", subfile,
		"--argstr", "attrsJSON", attrsJSON,
	)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nix-instantiate: %w: %s", err, out)
	}
	return nil
}

var queryRequisites = func(ctx context.Context, drv string) ([]string, error) {
	c := exec.CommandContext(ctx, "nix-store", "--query", "--requisites", drv)
	out, err := c.Output()
	if err != nil {
		return nil, fmt.Errorf("nix-store --query --requisites: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	sort.Strings(lines)
	return lines, nil
}
