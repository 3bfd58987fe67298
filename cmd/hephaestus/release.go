// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hephaestus-dev/hephaestus/internal/release"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Acquire and install verified tool releases",
}

var installFlags struct {
	repo            string
	tag             string
	assetPattern    string
	manifestPattern string
	sigstorePattern string
	requireSigstore bool
	identities      []string
	allowUnsigned   bool
	timeout         time.Duration
	maxRetries      int
	dest            string
	verifyKeys      []string
	noDeps          bool
}

var installCmd = &cobra.Command{
	Use:   "install --repo OWNER/NAME [--tag TAG]",
	Short: "Download, verify, extract, and pip-install a wheelhouse release",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync()
		sink := newSink(logger)
		verifier, err := loadVerifier(installFlags.verifyKeys)
		if err != nil {
			return err
		}
		dest, err := filepath.Abs(installFlags.dest)
		if err != nil {
			return errors.Wrap(err, "resolving destination")
		}
		pipeline := release.NewPipeline(sink, logger, verifier, releaseToken())
		pipeline.Installer = &release.PipInstaller{NoDeps: installFlags.noDeps}
		ctx, _ := telemetry.WithOperation(cmd.Context(), "release-install")
		out := cmd.OutOrStdout()
		req := release.Request{
			Repository:         installFlags.repo,
			Tag:                installFlags.tag,
			AssetPattern:       installFlags.assetPattern,
			ManifestPattern:    installFlags.manifestPattern,
			SigstorePattern:    installFlags.sigstorePattern,
			RequireSigstore:    installFlags.requireSigstore,
			SigstoreIdentities: installFlags.identities,
			AllowUnsigned:      installFlags.allowUnsigned,
			Timeout:            installFlags.timeout,
			MaxRetries:         installFlags.maxRetries,
			Destination:        dest,
		}
		installed, err := pipeline.Install(ctx, req, func(fraction float64, detail string) {
			fmt.Fprintf(out, "%s [%3.0f%%] %s\n", yellow(">"), fraction*100, detail)
		})
		if auditErr := auditCLI(ctx, "release-install", auditParams(req), err); auditErr != nil {
			return auditErr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s@%s: %d wheel(s) from %s\n",
			green("OK"), installed.Repository, installed.Tag, len(installed.Wheels), installed.Asset.Name)
		fmt.Fprintf(out, "   sha256 %s\n", installed.Asset.SHA256)
		if installed.Asset.Verdict != nil {
			fmt.Fprintf(out, "   signed by %s\n", strings.Join(installed.Asset.Verdict.Identities, ", "))
		}
		return nil
	},
}

func init() {
	describe(installCmd, commandSpec{
		Name:  "release install",
		Use:   installCmd.Use,
		Short: installCmd.Short,
		Flags: []flagSpec{
			stringFlag(&installFlags.repo, "repo", "", "release repository as owner/name (required)"),
			stringFlag(&installFlags.tag, "tag", release.DefaultTag, "release tag"),
			stringFlag(&installFlags.assetPattern, "asset-pattern", release.DefaultAssetPattern, "glob selecting the wheelhouse asset"),
			stringFlag(&installFlags.manifestPattern, "manifest-pattern", release.DefaultManifestPattern, "glob selecting the sha256 manifest"),
			stringFlag(&installFlags.sigstorePattern, "sigstore-pattern", release.DefaultSigstorePattern, "glob selecting the attestation bundle"),
			boolFlag(&installFlags.requireSigstore, "require-sigstore", "fail when no attestation bundle is published"),
			stringArrayFlag(&installFlags.identities, "identity", "accepted signing identity pattern; '*' spans path segments"),
			boolFlag(&installFlags.allowUnsigned, "allow-unsigned", "proceed without a checksum manifest"),
			durationFlag(&installFlags.timeout, "timeout", release.DefaultTimeout, "per-request timeout"),
			intFlag(&installFlags.maxRetries, "max-retries", release.DefaultMaxRetries, "retry budget for transient network failures"),
			stringFlag(&installFlags.dest, "dest", ".", "directory receiving the download and wheelhouse"),
			stringArrayFlag(&installFlags.verifyKeys, "verify-key", "PEM public key trusted for attestation bundles"),
			boolFlag(&installFlags.noDeps, "no-deps", "pass --no-deps to pip"),
		},
		Examples: []string{
			"hephaestus release install --repo acme/toolkit",
			"hephaestus release install --repo acme/toolkit --tag v1.4.0 --require-sigstore --verify-key release.pub --identity 'https://github.com/acme/*'",
		},
	})
	if err := installCmd.MarkFlagRequired("repo"); err != nil {
		panic(err)
	}
	releaseCmd.AddCommand(installCmd)
	rootCmd.AddCommand(releaseCmd)
}
