// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/grahamc/r13y/internal/cas"
	"github.com/grahamc/r13y/internal/eval"
	"github.com/grahamc/r13y/internal/messages"
	"github.com/grahamc/r13y/internal/nixstore"
	"github.com/grahamc/r13y/internal/verify"
)

type checkOptions struct {
	revision         string
	sha256           string
	resultURL        string
	subsets          []string
	workDir          string
	maxCores         int
	maxCoresPerJob   int
	checkTimeout     time.Duration
	slowCheckTimeout time.Duration
}

func newCheckCommand(defaultWorkDir string) *cobra.Command {
	opts := &checkOptions{workDir: defaultWorkDir}
	c := &cobra.Command{
		Use:   "check",
		Short: "build a nixpkgs revision twice and record where the outputs diverge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts)
		},
	}
	c.Flags().StringVar(&opts.revision, "rev", "", "nixpkgs `revision` to check")
	c.Flags().StringVar(&opts.sha256, "sha256", "", "expected `sha256` of the nixpkgs tarball")
	c.Flags().StringVar(&opts.resultURL, "result-url", "", "`url` recorded in the log alongside this run's results")
	c.Flags().StringArrayVarP(&opts.subsets, "subset", "s", nil, "`subset`[:dotted.attr.path] to build; may be repeated")
	c.Flags().StringVar(&opts.workDir, "work-dir", opts.workDir, "`directory` holding the scratch store, GC roots, and result log")
	c.Flags().IntVar(&opts.maxCores, "max-cores", 3, "total number of cores to spread across concurrent builds")
	c.Flags().IntVar(&opts.maxCoresPerJob, "max-cores-per-job", 1, "cores given to `--cores` for each build")
	c.Flags().DurationVar(&opts.checkTimeout, "check-timeout", time.Hour, "timeout for a derivation's first --check rebuild")
	c.Flags().DurationVar(&opts.slowCheckTimeout, "slow-check-timeout", 6*time.Hour, "timeout for the retry of a derivation that timed out once")
	c.MarkFlagRequired("rev")
	c.MarkFlagRequired("sha256")
	return c
}

func runCheck(ctx context.Context, opts *checkOptions) error {
	subsets, err := parseSubsetFlags(opts.subsets)
	if err != nil {
		return err
	}
	req := messages.BuildRequest{
		NixpkgsRevision:  opts.revision,
		NixpkgsSHA256Sum: opts.sha256,
		ResultURL:        opts.resultURL,
		Subsets:          subsets,
	}

	log.Infof(ctx, "evaluating %s", opts.revision)
	job, err := eval.Evaluate(ctx, opts.workDir, req)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	log.Infof(ctx, "%d derivations to build, %d already decided", job.ToBuild.Len(), job.SkipList.Len())

	store := nixstore.New()
	casStore := cas.New(filepath.Join(opts.workDir, "tmp"))
	coordinator := verify.New(verify.Config{
		WorkDir:          opts.workDir,
		Revision:         opts.revision,
		MaxCores:         opts.maxCores,
		MaxCoresPerJob:   opts.maxCoresPerJob,
		CheckTimeout:     opts.checkTimeout,
		SlowCheckTimeout: opts.slowCheckTimeout,
	}, store, casStore)

	results, err := coordinator.Run(ctx, req, job)
	log.Infof(ctx, "recorded %d results for %s", len(results), opts.revision)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	return nil
}
