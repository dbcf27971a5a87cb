// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Command r13y verifies that building a nixpkgs revision twice produces
// byte-identical outputs, and renders an HTML report of the result.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "r13y",
		Short:         "verify nixpkgs build reproducibility",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	defaultWorkDir := filepath.Join(xdgdir.Cache.Path(), "r13y")
	rootCommand.AddCommand(
		newCheckCommand(defaultWorkDir),
		newReportCommand(defaultWorkDir),
	)
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "r13y: ", log.StdFlags, nil),
		})
	})
}
