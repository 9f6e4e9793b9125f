/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package config captures the process-level tunables of the agent
// daemon. Device-owned settings (retry timers, polling, consent flags)
// live in the persistent store instead; this file only covers what an
// operator decides at deploy time.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig captures the tunables required to start the agent daemon.
type AgentConfig struct {
	// DataDir roots the persistent key/value store.
	DataDir string `yaml:"data_dir"`
	// CredentialDB is the sqlite file backing the secure credential
	// store and the app registry.
	CredentialDB string `yaml:"credential_db"`

	// MetricsAddr enables the local metrics listener when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	// DownloadTimeout overrides the HTTP reader timeout; zero keeps
	// the built-in default.
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// RootCertFile overrides the embedded default root certificate.
	RootCertFile string `yaml:"root_cert_file"`
	// ClientCertFile and ClientKeyFile enable mutual TLS downloads.
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`

	// DeniedApps lists package names hidden from the object registry.
	DeniedApps []string `yaml:"denied_apps"`

	// ActivityWindow is the session inactivity span before a
	// no-update notification; zero disables the watchdog.
	ActivityWindow time.Duration `yaml:"activity_window"`

	Logger *log.Logger `yaml:"-"`
}

// Default returns a runnable configuration for local development.
func Default() AgentConfig {
	return AgentConfig{
		DataDir:      "./data",
		CredentialDB: "./data/credentials.db",
	}
}

// Load reads a YAML configuration file, applying defaults for absent
// fields.
func Load(path string) (AgentConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot start.
func (c AgentConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.CredentialDB == "" {
		return fmt.Errorf("credential_db must not be empty")
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return fmt.Errorf("client_cert_file and client_key_file must be set together")
	}
	return nil
}
