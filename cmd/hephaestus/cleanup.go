// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

var cleanupFlags struct {
	root           string
	extraPaths     []string
	deepClean      bool
	pythonCache    bool
	buildArtifacts bool
	nodeModules    bool
	includeGit     bool
	includeVenv    bool
	dryRun         bool
	yes            bool
	auditManifest  string
}

// stdinConfirmer accepts only the literal string CONFIRM.
func stdinConfirmer(cmd *cobra.Command) cleanup.Confirmer {
	return cleanup.ConfirmerFunc(func(ctx context.Context, prompt string) (bool, error) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\nType CONFIRM to proceed: ", yellow("!"), prompt)
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(line) == "CONFIRM", nil
	})
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep caches and build litter from the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync()
		sink := newSink(logger)
		opts := cleanup.Options{
			Root:                cleanupFlags.root,
			ExtraPaths:          cleanupFlags.extraPaths,
			CleanPythonCache:    cleanupFlags.pythonCache,
			CleanBuildArtifacts: cleanupFlags.buildArtifacts,
			CleanNodeModules:    cleanupFlags.nodeModules,
			IncludeGit:          cleanupFlags.includeGit,
			IncludePoetryEnv:    cleanupFlags.includeVenv,
			DryRun:              cleanupFlags.dryRun,
			Yes:                 cleanupFlags.yes,
			AuditManifestPath:   cleanupFlags.auditManifest,
		}
		if cleanupFlags.deepClean {
			deep := cleanup.DeepClean(cleanupFlags.root)
			opts.CleanPythonCache = deep.CleanPythonCache
			opts.CleanBuildArtifacts = deep.CleanBuildArtifacts
		}
		engine := cleanup.NewEngine(sink, logger)
		engine.Confirmer = stdinConfirmer(cmd)
		ctx, _ := telemetry.WithOperation(cmd.Context(), "cleanup")
		report, err := engine.Run(ctx, opts)
		if auditErr := auditCLI(ctx, "cleanup", auditParams(opts), err); auditErr != nil {
			return auditErr
		}
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.DryRun {
			fmt.Fprintf(out, "%s dry run, nothing removed\n", yellow("!"))
		}
		fmt.Fprintf(out, "removed %d, skipped %d, errors %d\n", report.Removed, report.Skipped, report.Errors)
		if report.Errors > 0 {
			return errors.Wrap(errOperationFailed, "cleanup completed with errors")
		}
		return nil
	},
}

func init() {
	describe(cleanupCmd, commandSpec{
		Name:  "cleanup",
		Use:   "cleanup [--root DIR] [--deep-clean] [--dry-run] [--yes]",
		Short: cleanupCmd.Short,
		Flags: []flagSpec{
			stringFlag(&cleanupFlags.root, "root", ".", "workspace root"),
			stringArrayFlag(&cleanupFlags.extraPaths, "extra-path", "additional directory to sweep; outside the root it requires confirmation"),
			boolFlag(&cleanupFlags.deepClean, "deep-clean", "clean Python caches and build artifacts"),
			boolFlag(&cleanupFlags.pythonCache, "python-cache", "clean __pycache__ and tool caches"),
			boolFlag(&cleanupFlags.buildArtifacts, "build-artifacts", "clean build, dist, and coverage output"),
			boolFlag(&cleanupFlags.nodeModules, "node-modules", "clean node_modules trees"),
			boolFlag(&cleanupFlags.includeGit, "include-git", "also remove .git directories"),
			boolFlag(&cleanupFlags.includeVenv, "include-venv", "also remove .venv directories (site-packages stay protected)"),
			boolFlag(&cleanupFlags.dryRun, "dry-run", "preview without removing anything"),
			boolFlag(&cleanupFlags.yes, "yes", "confirm targets outside the root without prompting"),
			stringFlag(&cleanupFlags.auditManifest, "audit-manifest", "", "write a JSON manifest of the sweep to this path"),
		},
		Examples: []string{
			"hephaestus cleanup --deep-clean",
			"hephaestus cleanup --root . --extra-path ../scratch --dry-run",
		},
	})
	rootCmd.AddCommand(cleanupCmd)
}
