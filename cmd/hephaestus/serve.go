// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v3"

	"github.com/hephaestus-dev/hephaestus/internal/auditlog"
	"github.com/hephaestus-dev/hephaestus/internal/authx"
	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/drift"
	"github.com/hephaestus-dev/hephaestus/internal/guardrails"
	"github.com/hephaestus-dev/hephaestus/internal/plugin"
	"github.com/hephaestus-dev/hephaestus/internal/release"
	"github.com/hephaestus-dev/hephaestus/internal/service"
	"github.com/hephaestus-dev/hephaestus/internal/taskmgr"
)

// serveConfig is the YAML server configuration. Environment variables
// override the keystore path and audit directory.
type serveConfig struct {
	Addr           string   `yaml:"addr"`
	GRPCAddr       string   `yaml:"grpc_addr"`
	Root           string   `yaml:"root"`
	AuditDir       string   `yaml:"audit_dir"`
	Keystore       string   `yaml:"keystore"`
	PluginKeys     []string `yaml:"plugin_keys"`
	VerifyKeys     []string `yaml:"verify_keys"`
	Workers        int      `yaml:"workers"`
	MaxTasks       int      `yaml:"max_tasks"`
	Retention      string   `yaml:"retention"`
	DefaultTimeout string   `yaml:"default_timeout"`
}

func loadServeConfig(path string) (*serveConfig, error) {
	cfg := &serveConfig{Addr: ":8745", GRPCAddr: ":8746", Root: ".", AuditDir: ".hephaestus/audit"}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading server config")
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrap(err, "parsing server config")
		}
	}
	if dir := os.Getenv(envAuditDir); dir != "" {
		cfg.AuditDir = dir
	}
	if cfg.Keystore == "" {
		cfg.Keystore = authx.KeystorePath()
	}
	return cfg, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

var serveFlags struct {
	config string
	addr   string
}

var serveCmd = &cobra.Command{
	Use:   "serve [--config FILE] [--addr HOST:PORT]",
	Short: "Run the REST and gRPC service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig(serveFlags.config)
		if err != nil {
			return err
		}
		if serveFlags.addr != "" {
			cfg.Addr = serveFlags.addr
		}
		retention, err := parseDuration(cfg.Retention, 0)
		if err != nil {
			return errors.Wrap(err, "parsing retention")
		}
		defaultTimeout, err := parseDuration(cfg.DefaultTimeout, 0)
		if err != nil {
			return errors.Wrap(err, "parsing default_timeout")
		}
		logger := newLogger()
		defer logger.Sync()
		sink := newSink(logger)
		root, err := filepath.Abs(cfg.Root)
		if err != nil {
			return errors.Wrap(err, "resolving root")
		}
		keystorePath, err := filepath.Abs(cfg.Keystore)
		if err != nil {
			return errors.Wrap(err, "resolving keystore path")
		}
		keystore, err := authx.LoadKeystore(osfs.New("/"), keystorePath)
		if err != nil {
			return err
		}
		audit, err := auditlog.NewWriter(cfg.AuditDir)
		if err != nil {
			return err
		}
		defer audit.Close()
		marketplace, err := buildMarketplace(root, cfg.PluginKeys)
		if err != nil {
			return err
		}
		bundleVerifier, err := loadVerifier(cfg.VerifyKeys)
		if err != nil {
			return err
		}
		engine := cleanup.NewEngine(sink, logger)
		tasks := taskmgr.NewManager(taskmgr.Options{
			Workers:        cfg.Workers,
			MaxTasks:       cfg.MaxTasks,
			Retention:      retention,
			DefaultTimeout: defaultTimeout,
		}, logger)
		defer tasks.Close()
		svc := &service.Service{
			Orchestrator: &guardrails.Orchestrator{
				Cleanup: engine,
				Drift:   &drift.Detector{FS: osfs.New("/"), Root: root},
				Discovery: &plugin.Discovery{
					FS:          osfs.New("/"),
					ConfigPath:  filepath.Join(root, plugin.DefaultConfigPath),
					Marketplace: marketplace,
					Logger:      logger,
				},
				Sink:   sink,
				Logger: logger,
			},
			Cleanup:  engine,
			Pipeline: release.NewPipeline(sink, logger, bundleVerifier, releaseToken()),
			Tasks:    tasks,
			Verifier: authx.NewVerifier(keystore),
			Audit:    audit,
			Sink:     sink,
			Logger:   logger,
			Version:  version,
		}
		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           svc.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for range hup {
				if err := keystore.Reload(); err != nil {
					logger.Error("keystore reload failed", zap.Error(err))
					continue
				}
				logger.Info("keystore reloaded", zap.Int("keys", keystore.Len()))
			}
		}()

		grpcServer := svc.GRPCServer()
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return errors.Wrap(err, "listening for rpc")
		}

		errCh := make(chan error, 2)
		go func() { errCh <- server.ListenAndServe() }()
		go func() { errCh <- grpcServer.Serve(grpcListener) }()
		logger.Info("serving",
			zap.String("addr", cfg.Addr),
			zap.String("grpc_addr", cfg.GRPCAddr),
			zap.String("version", version))
		fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s (rpc %s)\n", green("OK"), cfg.Addr, cfg.GRPCAddr)
		select {
		case err := <-errCh:
			return errors.Wrap(err, "server")
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutting down")
		}
		return nil
	},
}

func init() {
	describe(serveCmd, commandSpec{
		Name:  "serve",
		Use:   serveCmd.Use,
		Short: serveCmd.Short,
		Flags: []flagSpec{
			stringFlag(&serveFlags.config, "config", "", "YAML server configuration file"),
			stringFlag(&serveFlags.addr, "addr", "", "listen address, overriding the config file"),
		},
		Examples: []string{
			"hephaestus serve --config .hephaestus/server.yaml",
			"hephaestus serve --addr 127.0.0.1:8745",
		},
	})
	rootCmd.AddCommand(serveCmd)
}
