// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/drift"
	"github.com/hephaestus-dev/hephaestus/internal/guardrails"
	"github.com/hephaestus-dev/hephaestus/internal/plugin"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

var guardRailsFlags struct {
	root        string
	noFormat    bool
	driftCheck  bool
	usePlugins  bool
	skipCleanup bool
	pluginKeys  []string
}

var guardRailsCmd = &cobra.Command{
	Use:   "guard-rails",
	Short: "Run the quality pipeline: cleanup, optional drift check, then the gates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync()
		sink := newSink(logger)
		root, err := filepath.Abs(guardRailsFlags.root)
		if err != nil {
			return errors.Wrap(err, "resolving root")
		}
		marketplace, err := buildMarketplace(root, guardRailsFlags.pluginKeys)
		if err != nil {
			return err
		}
		orchestrator := &guardrails.Orchestrator{
			Cleanup: cleanup.NewEngine(sink, logger),
			Drift:   &drift.Detector{FS: osfs.New("/"), Root: root},
			Discovery: &plugin.Discovery{
				FS:          osfs.New("/"),
				ConfigPath:  filepath.Join(root, plugin.DefaultConfigPath),
				Marketplace: marketplace,
				Logger:      logger,
			},
			Sink:   sink,
			Logger: logger,
		}
		ctx, _ := telemetry.WithOperation(cmd.Context(), "guard-rails")
		opts := guardrails.Options{
			Root:        root,
			SkipFormat:  guardRailsFlags.noFormat,
			DriftCheck:  guardRailsFlags.driftCheck,
			UsePlugins:  guardRailsFlags.usePlugins,
			SkipCleanup: guardRailsFlags.skipCleanup,
		}
		result, err := orchestrator.Run(ctx, opts)
		runErr := err
		if err == nil && !result.Success {
			runErr = errors.Wrap(errOperationFailed, "guard-rails")
		}
		if auditErr := auditCLI(ctx, "guard-rails", auditParams(opts), runErr); auditErr != nil {
			return auditErr
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, gate := range result.Gates {
			mark := green("PASS")
			if !gate.Success {
				mark = red("FAIL")
			}
			fmt.Fprintf(out, "%s %-16s %6.2fs", mark, gate.Name, gate.DurationS)
			if gate.Summary != "" {
				fmt.Fprintf(out, "  %s", gate.Summary)
			}
			fmt.Fprintln(out)
		}
		if !result.Success {
			return runErr
		}
		fmt.Fprintf(out, "%s %d gate(s) in %.2fs\n", green("OK"), len(result.Gates), result.DurationS)
		return nil
	},
}

func init() {
	describe(guardRailsCmd, commandSpec{
		Name:  "guard-rails",
		Use:   "guard-rails [--no-format] [--drift] [--use-plugins]",
		Short: guardRailsCmd.Short,
		Flags: []flagSpec{
			stringFlag(&guardRailsFlags.root, "root", ".", "workspace root"),
			boolFlag(&guardRailsFlags.noFormat, "no-format", "skip the format gate"),
			boolFlag(&guardRailsFlags.driftCheck, "drift", "check declared tool versions before the gates"),
			boolFlag(&guardRailsFlags.usePlugins, "use-plugins", "resolve gates from the plugin configuration instead of the legacy sequence"),
			boolFlag(&guardRailsFlags.skipCleanup, "skip-cleanup", "skip the cleanup prelude"),
			stringArrayFlag(&guardRailsFlags.pluginKeys, "plugin-key", "PEM public key trusted for marketplace plugin bundles"),
		},
		Examples: []string{
			"hephaestus guard-rails",
			"hephaestus guard-rails --no-format --drift",
			"hephaestus guard-rails --use-plugins --plugin-key .hephaestus/market.pub",
		},
	})
	rootCmd.AddCommand(guardRailsCmd)
}
