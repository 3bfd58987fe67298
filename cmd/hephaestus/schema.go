// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flagSpec describes one flag. The same descriptor registers the flag on the
// parser and appears in the exported schema, so the two cannot drift.
type flagSpec struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default string `json:"default,omitempty"`
	Help    string `json:"help"`

	register func(*pflag.FlagSet)
}

// commandSpec describes one command for the schema export.
type commandSpec struct {
	Name     string     `json:"name"`
	Use      string     `json:"use"`
	Short    string     `json:"short"`
	Flags    []flagSpec `json:"flags,omitempty"`
	Examples []string   `json:"examples,omitempty"`
}

var commandSchema []commandSpec

// describe binds a command's flags from its descriptor and records the
// descriptor for export.
func describe(cmd *cobra.Command, spec commandSpec) {
	for _, f := range spec.Flags {
		f.register(cmd.Flags())
	}
	commandSchema = append(commandSchema, spec)
}

func stringFlag(p *string, name, def, help string) flagSpec {
	return flagSpec{Name: name, Type: "string", Default: def, Help: help,
		register: func(fs *pflag.FlagSet) { fs.StringVar(p, name, def, help) }}
}

func boolFlag(p *bool, name string, help string) flagSpec {
	return flagSpec{Name: name, Type: "bool", Help: help,
		register: func(fs *pflag.FlagSet) { fs.BoolVar(p, name, false, help) }}
}

func intFlag(p *int, name string, def int, help string) flagSpec {
	return flagSpec{Name: name, Type: "int", Default: strconv.Itoa(def), Help: help,
		register: func(fs *pflag.FlagSet) { fs.IntVar(p, name, def, help) }}
}

func durationFlag(p *time.Duration, name string, def time.Duration, help string) flagSpec {
	return flagSpec{Name: name, Type: "duration", Default: def.String(), Help: help,
		register: func(fs *pflag.FlagSet) { fs.DurationVar(p, name, def, help) }}
}

func stringArrayFlag(p *[]string, name, help string) flagSpec {
	return flagSpec{Name: name, Type: "list<string>", Help: help,
		register: func(fs *pflag.FlagSet) { fs.StringArrayVar(p, name, nil, help) }}
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the command schema as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		commands := append([]commandSpec{}, commandSchema...)
		sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Version  string        `json:"version"`
			Commands []commandSpec `json:"commands"`
		}{Version: version, Commands: commands})
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
