// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hephaestus-dev/hephaestus/internal/authx"
)

var tokenFlags struct {
	kid     string
	subject string
	ttl     time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token --kid ID [--subject NAME] [--ttl DURATION]",
	Short: "Mint a service-account token from the keystore",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(authx.KeystorePath())
		if err != nil {
			return errors.Wrap(err, "resolving keystore path")
		}
		keystore, err := authx.LoadKeystore(osfs.New("/"), path)
		if err != nil {
			return err
		}
		key, ok := keystore.Lookup(tokenFlags.kid)
		if !ok {
			return errors.Wrapf(authx.ErrUnknownKey, "kid %q", tokenFlags.kid)
		}
		subject := tokenFlags.subject
		if subject == "" {
			subject = key.Principal
		}
		signed, err := authx.IssueToken(key, subject, tokenFlags.ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	describe(tokenCmd, commandSpec{
		Name:  "token",
		Use:   tokenCmd.Use,
		Short: tokenCmd.Short,
		Flags: []flagSpec{
			stringFlag(&tokenFlags.kid, "kid", "", "keystore key id (required)"),
			stringFlag(&tokenFlags.subject, "subject", "", "token subject, defaulting to the key principal"),
			durationFlag(&tokenFlags.ttl, "ttl", time.Hour, "token lifetime"),
		},
		Examples: []string{
			"hephaestus token --kid ci --ttl 15m",
		},
	})
	if err := tokenCmd.MarkFlagRequired("kid"); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(tokenCmd)
}
