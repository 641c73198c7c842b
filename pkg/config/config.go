// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads the daemon configuration from YAML, applies
// MATTERMOST_* environment overrides on top, and validates the result.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cronus42/mattermost-mcp/pkg/mmclient"
	"github.com/cronus42/mattermost-mcp/pkg/resource"
	"github.com/cronus42/mattermost-mcp/pkg/stream"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	ServerURL  string   `yaml:"server_url"`
	Token      string   `yaml:"token"`
	TeamID     string   `yaml:"team_id"`
	ChannelIDs []string `yaml:"channel_ids"`

	EnableStreaming bool     `yaml:"enable_streaming"`
	EnablePolling   bool     `yaml:"enable_polling"`
	PollInterval    Duration `yaml:"poll_interval"`

	WSReconnectBaseDelay   Duration `yaml:"ws_reconnect_base_delay"`
	WSReconnectMaxDelay    Duration `yaml:"ws_reconnect_max_delay"`
	WSMaxReconnectAttempts int      `yaml:"ws_max_reconnect_attempts"`

	RequestTimeout Duration `yaml:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	RateBurst      int      `yaml:"rate_burst"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when the YAML file leaves a
// field out.
func Default() Config {
	return Config{
		EnableStreaming:        true,
		EnablePolling:          true,
		PollInterval:           Duration(30 * time.Second),
		WSReconnectBaseDelay:   Duration(time.Second),
		WSReconnectMaxDelay:    Duration(5 * time.Minute),
		WSMaxReconnectAttempts: 10,
		RequestTimeout:         Duration(30 * time.Second),
		MaxRetries:             3,
		RetryBaseDelay:         Duration(time.Second),
		RatePerSecond:          10,
		RateBurst:              20,
		LogLevel:               "info",
	}
}

// Load reads the YAML file at path over the defaults, applies
// environment overrides, and validates. An empty path skips the file and
// configures from environment alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays MATTERMOST_* environment variables. Environment
// always wins over the file, which keeps tokens out of config files in
// containerized deployments.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MATTERMOST_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("MATTERMOST_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("MATTERMOST_TEAM_ID"); v != "" {
		c.TeamID = v
	}
	if v := os.Getenv("MATTERMOST_CHANNELS"); v != "" {
		c.ChannelIDs = c.ChannelIDs[:0]
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.ChannelIDs = append(c.ChannelIDs, id)
			}
		}
	}
	if v := os.Getenv("MATTERMOST_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// PostProcess validates required fields and normalizes values.
func (c *Config) PostProcess() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required (or MATTERMOST_URL)")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url %q is not a valid http(s) URL", c.ServerURL)
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.Token == "" {
		return fmt.Errorf("token is required (or MATTERMOST_TOKEN)")
	}
	if !c.EnableStreaming && !c.EnablePolling {
		return fmt.Errorf("at least one of enable_streaming and enable_polling must be set")
	}
	if c.PollInterval.std() < time.Second {
		c.PollInterval = Duration(time.Second)
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	return nil
}

// ClientOptions maps the config onto REST client options.
func (c Config) ClientOptions() mmclient.Options {
	return mmclient.Options{
		Timeout: c.RequestTimeout.std(),
		Policy: mmclient.RetryPolicy{
			MaxAttempts: c.MaxRetries,
			BaseDelay:   c.RetryBaseDelay.std(),
			Multiplier:  2,
		},
		RatePerSecond: c.RatePerSecond,
		RateBurst:     c.RateBurst,
	}
}

// StreamConfig maps the config onto streaming client options.
func (c Config) StreamConfig() stream.Config {
	return stream.Config{
		BaseDelay:            c.WSReconnectBaseDelay.std(),
		MaxDelay:             c.WSReconnectMaxDelay.std(),
		MaxReconnectAttempts: c.WSMaxReconnectAttempts,
	}
}

// RegistryOptions maps the config onto registry options.
func (c Config) RegistryOptions() resource.RegistryOptions {
	return resource.RegistryOptions{
		PollInterval:    c.PollInterval.std(),
		EnableStreaming: c.EnableStreaming,
		EnablePolling:   c.EnablePolling,
	}
}
