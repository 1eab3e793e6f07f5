// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command teams-mattermost-bridge relays chats between Mattermost and
// Microsoft Teams. Mattermost users who log in to Teams post as themselves;
// Teams-only people appear in Mattermost as ghost users.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/connector"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "teams-mattermost-bridge",
		Short:        "A Mattermost-Microsoft Teams bridge",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bridge (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "renew",
			Short: "Refresh every linked user's credential and subscription once",
			RunE:  runRenew,
		},
		&cobra.Command{
			Use:   "resync",
			Short: "Provision ghost users from the Teams directory once",
			RunE:  runResync,
		},
		&cobra.Command{
			Use:   "example-config",
			Short: "Print the example config",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprint(cmd.OutOrStdout(), connector.ExampleConfig)
				return err
			},
		},
	)
	return root
}

type app struct {
	log    *zerolog.Logger
	store  bridgestore.Store
	bridge *connector.Bridge
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zerolog.DefaultContextLogger = log

	store, err := bridgestore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var retryOpts []retry.Option
	if cfg.Teams.MaxRetries > 0 {
		retryOpts = append(retryOpts, retry.WithMaxRetries(cfg.Teams.MaxRetries))
	}
	graph, err := msgraph.NewClient(cfg.GraphConfig(), log.With().Str("component", "msgraph").Logger(), retryOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	mm, err := connector.NewMattermostClient(ctx, &cfg.Mattermost, store, *log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := connector.NewMetrics(reg)

	return &app{
		log:    log,
		store:  store,
		bridge: connector.New(cfg, store, mm, graph, metrics, *log),
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              a.bridge.Config.Bridge.ListenAddr,
		Handler:           a.bridge.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	m := graceful.NewManager()
	m.AddRunningJob(func(ctx context.Context) error {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Fatal().Err(err).Msg("Failed to start HTTP server")
			}
		}()
		a.log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		<-ctx.Done()
		return nil
	})
	m.AddRunningJob(func(ctx context.Context) error {
		if err := a.bridge.Start(ctx); err != nil {
			a.log.Err(err).Msg("Failed to start ghost listeners")
		}
		<-ctx.Done()
		return nil
	})
	m.AddRunningJob(a.bridge.RunRenewal)
	m.AddShutdownJob(func() error {
		a.log.Info().Msg("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("HTTP server forced to shut down")
		}
		a.bridge.Close()
		return a.store.Close()
	})

	<-m.Done()
	return nil
}

func runRenew(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.store.Close()
	a.bridge.RenewAll(cmd.Context())
	return nil
}

func runResync(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.store.Close()
	result, err := a.bridge.SyncDelegates(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
