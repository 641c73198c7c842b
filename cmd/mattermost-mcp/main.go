// Copyright 2024-2026 Cronus42
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-mcp bridges a Mattermost server to an MCP embedding
// layer. It authenticates once at boot, then delivers channel post and
// reaction updates over a combined websocket-stream and REST-poll
// pipeline, writing each surviving update as one JSON line on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cronus42/mattermost-mcp/pkg/config"
	"github.com/cronus42/mattermost-mcp/pkg/mmclient"
	"github.com/cronus42/mattermost-mcp/pkg/resource"
	"github.com/cronus42/mattermost-mcp/pkg/service"
	"github.com/cronus42/mattermost-mcp/pkg/session"
	"github.com/cronus42/mattermost-mcp/pkg/stream"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// updateLine is the stdout wire format, one JSON object per line.
type updateLine struct {
	Resource  string         `json:"resource"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().Level(level)
	log.Info().
		Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).
		Str("server_url", cfg.ServerURL).
		Msg("Starting mattermost-mcp")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := session.New(log)
	client := mmclient.New(sess, log, cfg.ClientOptions())
	creds, err := client.Authenticate(ctx, cfg.ServerURL, cfg.Token, cfg.TeamID)
	if err != nil {
		return fmt.Errorf("authenticate against %s: %w", cfg.ServerURL, err)
	}
	log.Info().Str("username", creds.Username).Str("user_id", creds.UserID).Msg("Authenticated")

	svcs := service.New(client)

	var sc *stream.Client
	if cfg.EnableStreaming {
		sc = stream.New(sess, log, cfg.StreamConfig())
	}
	reg := resource.NewRegistry(sess, sc, log, cfg.RegistryOptions())
	reg.Register(resource.NewChannelPosts(svcs.Posts, svcs.Channels, cfg.TeamID, cfg.ChannelIDs, log))
	reg.Register(resource.NewReactions(svcs.Posts, svcs.Channels, cfg.TeamID, cfg.ChannelIDs, log))

	var outMu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	reg.SetUpdateCallback(func(u resource.Update) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := enc.Encode(updateLine{
			Resource:  u.ResourceURI,
			Type:      string(u.Type),
			Timestamp: u.Timestamp,
			Data:      u.Data,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to write update")
		}
	})
	reg.SetStreamDownHandler(func(err error) {
		log.Error().Err(err).Msg("Stream delivery is down, relying on polling")
	})

	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start resource registry: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	// The registry stops the stream client it started.
	reg.Stop()
	logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.Logout(logoutCtx)
	return nil
}
