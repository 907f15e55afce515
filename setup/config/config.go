// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Weft is the top-level configuration for one client session.
type Weft struct {
	// Base URL of the homeserver, e.g. "https://matrix.example.com".
	HomeserverURL string `yaml:"homeserver_url"`

	// Fully qualified user ID of the account, e.g. "@alice:example.com".
	UserID string `yaml:"user_id"`

	// Access token for the session.
	AccessToken string `yaml:"access_token"`

	// Server-side long-poll timeout for /sync, in milliseconds.
	SyncTimeoutMS int `yaml:"sync_timeout_ms"`

	// Path of the sqlite snapshot database. Empty disables persistence.
	DatabasePath string `yaml:"database_path"`

	// Address to expose Prometheus metrics on. Empty disables the
	// listener.
	MetricsListen string `yaml:"metrics_listen"`

	Logging Logging `yaml:"logging"`
}

type Logging struct {
	// Level is one of the logrus level names ("debug", "info", ...).
	Level string `yaml:"level"`
}

// Defaults sets sane values for everything optional.
func (c *Weft) Defaults() {
	c.SyncTimeoutMS = 30000
	c.Logging.Level = "info"
}

// Verify checks that the configuration is usable.
func (c *Weft) Verify() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url must be set")
	}
	if _, err := url.Parse(c.HomeserverURL); err != nil {
		return fmt.Errorf("homeserver_url is invalid: %w", err)
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id must be set")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token must be set")
	}
	if c.SyncTimeoutMS <= 0 {
		return fmt.Errorf("sync_timeout_ms must be positive")
	}
	return nil
}

// SyncTimeout returns the long-poll timeout as a duration.
func (c *Weft) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMS) * time.Millisecond
}

// Load reads, fills in and verifies a configuration file.
func Load(path string) (*Weft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Weft
	cfg.Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, fmt.Errorf("verifying %s: %w", path, err)
	}
	return &cfg, nil
}
