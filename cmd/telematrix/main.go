// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command telematrix is a Matrix-Telegram bridge. It runs as a Matrix
// application service on one side and as a Telegram bot on the other, and
// relays messages, membership changes and attachments between linked rooms
// and chats. Telegram users appear on Matrix as ghost users that are
// provisioned on first use.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/telematrix/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "telematrix",
		Usage:   "A Matrix-Telegram bridge",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file",
				Value:   "config.yaml",
				EnvVars: []string{"TELEMATRIX_CONFIG"},
			},
		},
		Action: cmdRun,
		Commands: []*cli.Command{
			runCommand,
			generateRegistrationCommand,
			upgradeConfigCommand,
			linksCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the bridge (default)",
	Action: cmdRun,
}

// setupLogging compiles the configured log writers and makes the result the
// default context logger.
func setupLogging(cfg *connector.Config) (*zerolog.Logger, error) {
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	exzerolog.SetupDefaults(log)
	return log, nil
}

func cmdRun(ctx *cli.Context) error {
	configPath := ctx.String("config")
	cfg, err := connector.LoadConfig(configPath, true)
	if err != nil {
		return err
	}
	log, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing telematrix")

	tc, err := connector.New(cfg, configPath, *log)
	if err != nil {
		log.Err(err).Msg("Failed to initialize bridge")
		return err
	}

	runCtx, stop := signal.NotifyContext(log.WithContext(ctx.Context), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = tc.Start(runCtx); err != nil {
		log.Err(err).Msg("Failed to start bridge")
		tc.Stop()
		return err
	}
	log.Info().Msg("Bridge started")
	<-runCtx.Done()
	log.Info().Msg("Interrupt received, stopping")
	tc.Stop()
	log.Info().Msg("Bridge stopped")
	return nil
}

