/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Command avcd runs the device-management agent daemon. The update
// core is driven by server-pushed operations and IPC; the command line
// only covers process startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nkondo/avc-agent/internal/agent"
	"github.com/nkondo/avc-agent/internal/config"
	"github.com/nkondo/avc-agent/internal/download"
	"github.com/nkondo/avc-agent/internal/infra/sqlite"
	"github.com/nkondo/avc-agent/internal/platform"
	"github.com/nkondo/avc-agent/internal/server"
	"github.com/nkondo/avc-agent/internal/store"
	"github.com/nkondo/avc-agent/internal/util"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "avcd",
		Short:         "Device-management update agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newInspectCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "avcd.yaml", "path to the YAML configuration file")
	return cmd
}

func runDaemon(cfg config.AgentConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "avcd ", log.LstdFlags)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	db, err := sqlite.InitDB(ctx, cfg.CredentialDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := sqlite.CloseDB(db); err != nil {
			logger.Printf("close credential db: %v", err)
		}
	}()

	bundle, err := loadBundle(cfg)
	if err != nil {
		return err
	}

	flasher, err := platform.NewFileFlasher(filepath.Join(cfg.DataDir, "fw"), logger)
	if err != nil {
		return err
	}
	installer, err := platform.NewFileInstaller(filepath.Join(cfg.DataDir, "sw"), logger)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Options{
		Store:           st,
		Credentials:     sqlite.NewCredentialRepository(db),
		Bindings:        sqlite.NewBindingRepository(db),
		Bearer:          platform.LoopbackBearer{},
		Factory:         platform.LoopbackFactory(logger),
		Flasher:         flasher,
		Installer:       installer,
		Rebooter:        platform.Rebooter{Logger: logger},
		DownloadTimeout: cfg.DownloadTimeout,
		TLSBundle:       bundle,
		DeniedApps:      cfg.DeniedApps,
		ActivityWindow:  cfg.ActivityWindow,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := server.New(cfg.MetricsAddr, a.Bus(), a, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Printf("metrics listener: %v", err)
			}
		}()
		defer func() {
			if err := srv.Shutdown(context.Background()); err != nil {
				logger.Printf("metrics shutdown: %v", err)
			}
		}()
	}

	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadBundle(cfg config.AgentConfig) (*download.Bundle, error) {
	if cfg.RootCertFile == "" && cfg.ClientCertFile == "" {
		return nil, nil
	}
	b := &download.Bundle{}
	var err error
	if cfg.RootCertFile != "" {
		if b.RootPEM, err = os.ReadFile(cfg.RootCertFile); err != nil {
			return nil, fmt.Errorf("root cert: %w", err)
		}
	}
	if cfg.ClientCertFile != "" {
		if b.ClientCertPEM, err = os.ReadFile(cfg.ClientCertFile); err != nil {
			return nil, fmt.Errorf("client cert: %w", err)
		}
		if b.ClientKeyPEM, err = os.ReadFile(cfg.ClientKeyFile); err != nil {
			return nil, fmt.Errorf("client key: %w", err)
		}
	}
	return b, nil
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Pretty-print a CBOR record from the data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			text, err := util.RenderCBORPretty(raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
