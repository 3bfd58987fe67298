// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"os"
	"path"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultConfigPath is the plugin configuration file relative to the
// workspace root.
const DefaultConfigPath = ".hephaestus/plugins.toml"

// ExternalEntry is one [[external]] block. Exactly one of Path, Module, or
// Marketplace must be set.
type ExternalEntry struct {
	Name        string         `toml:"name"`
	Enabled     bool           `toml:"enabled"`
	Path        string         `toml:"path"`
	Module      string         `toml:"module"`
	Marketplace string         `toml:"marketplace"`
	Order       int            `toml:"order"`
	Config      map[string]any `toml:"config"`
}

type fileConfig struct {
	Builtin  map[string]any  `toml:"builtin"`
	External []ExternalEntry `toml:"external"`
}

// Discovery loads the plugin registry from configuration. A missing config
// file yields the default registry of built-ins; any malformed or
// unverifiable entry fails the whole pass closed.
type Discovery struct {
	FS          billy.Filesystem
	ConfigPath  string
	Marketplace *Marketplace
	Logger      *zap.Logger
}

// Discover builds the registry: built-ins first (minus explicit disables),
// then external entries in file order.
func (d *Discovery) Discover(ctx context.Context) (*Registry, error) {
	cfg, err := d.load()
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	if err := d.registerBuiltins(registry, cfg.Builtin); err != nil {
		return nil, err
	}
	for _, entry := range cfg.External {
		if err := d.registerExternal(ctx, registry, entry); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (d *Discovery) load() (*fileConfig, error) {
	configPath := d.ConfigPath
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	b, err := util.ReadFile(d.FS, configPath)
	if errors.Is(err, os.ErrNotExist) {
		return &fileConfig{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading plugin config")
	}
	var cfg fileConfig
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(ErrConfig, errors.Wrap(err, "parsing plugin config").Error())
	}
	return &cfg, nil
}

func (d *Discovery) registerBuiltins(registry *Registry, overrides map[string]any) error {
	known := map[string]bool{}
	for _, p := range Builtins() {
		name := p.Meta.Name
		known[name] = true
		enabled, config, err := builtinOverride(name, overrides[name])
		if err != nil {
			return err
		}
		if !enabled {
			continue
		}
		if err := registry.Register(p, config); err != nil {
			return err
		}
	}
	for name := range overrides {
		if !known[name] && d.Logger != nil {
			d.Logger.Warn("ignoring unknown builtin plugin", zap.String("name", name))
		}
	}
	return nil
}

// builtinOverride interprets the bool-or-table forms of a [builtin] value.
// Absent values leave the builtin enabled with no config.
func builtinOverride(name string, raw any) (enabled bool, config map[string]any, err error) {
	switch v := raw.(type) {
	case nil:
		return true, nil, nil
	case bool:
		return v, nil, nil
	case map[string]any:
		enabled = true
		if e, ok := v["enabled"]; ok {
			b, ok := e.(bool)
			if !ok {
				return false, nil, errors.Wrapf(ErrConfig, "builtin %s: enabled must be a bool", name)
			}
			enabled = b
		}
		if c, ok := v["config"]; ok {
			m, ok := c.(map[string]any)
			if !ok {
				return false, nil, errors.Wrapf(ErrConfig, "builtin %s: config must be a table", name)
			}
			config = m
		}
		return enabled, config, nil
	default:
		return false, nil, errors.Wrapf(ErrConfig, "builtin %s: expected bool or table, got %T", name, raw)
	}
}

func (d *Discovery) registerExternal(ctx context.Context, registry *Registry, entry ExternalEntry) error {
	if entry.Name == "" {
		return errors.Wrap(ErrConfig, "external plugin missing name")
	}
	if !entry.Enabled {
		return nil
	}
	sources := 0
	for _, s := range []string{entry.Path, entry.Module, entry.Marketplace} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return errors.Wrapf(ErrConfig, "external plugin %s: exactly one of path, module, marketplace required", entry.Name)
	}
	switch {
	case entry.Path != "":
		return d.registerFromPath(registry, entry)
	case entry.Module != "":
		meta := Metadata{Name: entry.Name, Category: "custom", Order: entry.Order}
		if meta.Order == 0 {
			meta.Order = 100
		}
		return registry.Register(NewExecPlugin(meta, "python3", "-m", entry.Module), entry.Config)
	default:
		if d.Marketplace == nil {
			return errors.Wrapf(ErrConfig, "external plugin %s: no marketplace configured", entry.Name)
		}
		resolved, err := d.Marketplace.Resolve(ctx, entry.Marketplace)
		if err != nil {
			return err
		}
		for _, r := range resolved {
			var config map[string]any
			if r.Manifest.Name == entry.Marketplace {
				config = entry.Config
			}
			if err := registry.Register(r.AsPlugin(), config); err != nil {
				// A dependency may already be present via another entry.
				if errors.Is(err, ErrDuplicatePlugin) && r.Manifest.Name != entry.Marketplace {
					continue
				}
				return err
			}
		}
		return nil
	}
}

// registerFromPath loads a local, unsigned manifest describing a subprocess
// plugin. The artifact path is resolved relative to the manifest.
func (d *Discovery) registerFromPath(registry *Registry, entry ExternalEntry) error {
	b, err := util.ReadFile(d.FS, entry.Path)
	if err != nil {
		return errors.Wrapf(err, "external plugin %s: reading manifest", entry.Name)
	}
	var manifest Manifest
	if err := toml.Unmarshal(b, &manifest); err != nil {
		return errors.Wrapf(ErrConfig, "external plugin %s: parsing manifest: %v", entry.Name, err)
	}
	if manifest.Name != entry.Name {
		return errors.Wrapf(ErrConfig, "external plugin %s: manifest names %q", entry.Name, manifest.Name)
	}
	if manifest.Artifact == "" {
		return errors.Wrapf(ErrConfig, "external plugin %s: manifest missing artifact", entry.Name)
	}
	binary := path.Join(path.Dir(entry.Path), manifest.Artifact)
	if _, err := d.FS.Stat(binary); err != nil {
		return errors.Wrapf(err, "external plugin %s: artifact", entry.Name)
	}
	resolved := Resolved{Manifest: manifest, BinaryPath: binary}
	return registry.Register(resolved.AsPlugin(), entry.Config)
}
