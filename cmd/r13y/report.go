// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/grahamc/r13y/internal/messages"
	"github.com/grahamc/r13y/internal/report"
)

type reportOptions struct {
	revision  string
	sha256    string
	resultURL string
	subsets   []string
	workDir   string
	outDir    string
}

func newReportCommand(defaultWorkDir string) *cobra.Command {
	opts := &reportOptions{workDir: defaultWorkDir, outDir: "./report"}
	c := &cobra.Command{
		Use:   "report",
		Short: "render the HTML report and metrics file for a checked revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd.Context(), opts)
		},
	}
	c.Flags().StringVar(&opts.revision, "rev", "", "nixpkgs `revision` to report on")
	c.Flags().StringVar(&opts.sha256, "sha256", "", "expected `sha256` of the nixpkgs tarball")
	c.Flags().StringVar(&opts.resultURL, "result-url", "", "`url` recorded in the log alongside this run's results")
	c.Flags().StringArrayVarP(&opts.subsets, "subset", "s", nil, "`subset`[:dotted.attr.path] that was checked; may be repeated")
	c.Flags().StringVar(&opts.workDir, "work-dir", opts.workDir, "`directory` holding the scratch store, GC roots, and result log")
	c.Flags().StringVar(&opts.outDir, "out-dir", opts.outDir, "`directory` the HTML report and metrics file are written to")
	c.MarkFlagRequired("rev")
	c.MarkFlagRequired("sha256")
	return c
}

func runReport(ctx context.Context, opts *reportOptions) error {
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

	r := &report.Report{WorkDir: opts.workDir, OutDir: opts.outDir}
	if err := r.Render(ctx, req); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	log.Infof(ctx, "wrote report for %s to %s", opts.revision, opts.outDir)
	return nil
}
