// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/telematrix/pkg/connector/database"
)

// shutdownTimeout bounds how long Stop waits for HTTP handlers to finish.
const shutdownTimeout = 10 * time.Second

// TelegramConnector owns every component of the bridge and their lifecycle.
type TelegramConnector struct {
	Config     *Config
	ConfigPath string
	Log        zerolog.Logger

	DB         *database.Database
	Matrix     *MatrixClient
	Telegram   *TelegramClient
	Router     *Router
	Poller     *Poller
	AppService *AppServiceHandler
	Chats      *ChatRegistry
	AdminAPI   *AdminAPI
	Watcher    *ConfigWatcher
	Metrics    *Metrics

	servers []*http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the connector and its clients. It authenticates the Telegram
// bot but doesn't touch the database or start any listeners.
func New(cfg *Config, configPath string, log zerolog.Logger) (*TelegramConnector, error) {
	rawDB, err := dbutil.NewFromConfig("telematrix", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := database.New(rawDB)

	matrix, err := NewMatrixClient(cfg, cfg.Registration())
	if err != nil {
		return nil, err
	}
	telegram, err := NewTelegramClient(cfg.Telegram, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(registry)
	registry.MustRegister(NewStoredCorrelationsGauge(db, log))

	tc := &TelegramConnector{
		Config:     cfg,
		ConfigPath: configPath,
		Log:        log,
		DB:         db,
		Matrix:     matrix,
		Telegram:   telegram,
		Metrics:    metrics,
	}
	tc.Router = NewRouter(cfg, db, matrix, telegram, metrics, log)
	tc.Chats = NewChatRegistry(db, configPath, cfg.Bridge.Chats, log)
	tc.AppService = NewAppServiceHandler(cfg, tc.Router, tc.Chats, log)
	tc.Poller = NewPoller(telegram.Bot, tc.Router, cfg.Telegram.PollTimeout, log)
	tc.AdminAPI = NewAdminAPI(tc.Chats, registry, log)
	if configPath != "" {
		tc.Watcher = NewConfigWatcher(tc.Chats, log)
	}
	return tc, nil
}

// Start upgrades the database, links the pre-configured chats and starts
// the appservice listener, the Telegram poller, the admin API and the config
// watcher.
func (tc *TelegramConnector) Start(ctx context.Context) error {
	if err := tc.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	linked := tc.Chats.ApplyLinks(ctx)
	tc.Log.Info().
		Int("chats", tc.Chats.Count()).
		Int("linked", linked).
		Msg("Loaded pre-configured chats")
	tc.Router.CheckConverter()

	ctx, tc.cancel = context.WithCancel(ctx)
	tc.serve("appservice", &http.Server{
		Addr:              tc.Config.AppService.ListenAddress,
		Handler:           tc.AppService.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	})
	if tc.Config.AdminAPIAddr != "" {
		tc.serve("admin API", tc.AdminAPI.Server(tc.Config.AdminAPIAddr))
	}

	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		tc.Poller.Run(ctx)
	}()
	if tc.Watcher != nil {
		tc.wg.Add(1)
		go func() {
			defer tc.wg.Done()
			if err := tc.Watcher.Run(ctx); err != nil {
				tc.Log.Err(err).Msg("Config watcher failed")
			}
		}()
	}
	return nil
}

func (tc *TelegramConnector) serve(name string, server *http.Server) {
	tc.servers = append(tc.servers, server)
	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		tc.Log.Info().Str("addr", server.Addr).Msgf("Starting %s", name)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tc.Log.Error().Err(err).Msgf("%s error", name)
		}
	}()
}

// Stop stops polling, shuts the listeners down and closes the database.
func (tc *TelegramConnector) Stop() {
	if tc.cancel != nil {
		tc.Poller.Stop()
		tc.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range tc.servers {
		if err := server.Shutdown(ctx); err != nil {
			tc.Log.Warn().Err(err).Str("addr", server.Addr).Msg("Failed to shut down server")
		}
	}
	tc.wg.Wait()
	if err := tc.DB.Close(); err != nil {
		tc.Log.Warn().Err(err).Msg("Failed to close database")
	}
}
