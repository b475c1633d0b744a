// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/telematrix/pkg/connector"
	"github.com/aiku/telematrix/pkg/connector/database"
)

var generateRegistrationCommand = &cli.Command{
	Name:   "generate-registration",
	Usage:  "Generate the appservice registration file and store its tokens in the config",
	Action: cmdGenerateRegistration,
}

func cmdGenerateRegistration(ctx *cli.Context) error {
	configPath := ctx.String("config")
	cfg, err := connector.LoadConfig(configPath, true)
	if err != nil {
		return err
	}
	reg := connector.NewRegistration(cfg)
	cfg.ApplyRegistration(reg)
	if err = reg.Save(cfg.AppService.RegistrationPath); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	_, _, err = up.Do(configPath, true, connector.Upgrader(), up.SimpleUpgrader(func(helper up.Helper) {
		helper.Set(up.Str, reg.AppToken, "appservice", "as_token")
		helper.Set(up.Str, reg.ServerToken, "appservice", "hs_token")
	}))
	if err != nil {
		return fmt.Errorf("failed to save tokens to config: %w", err)
	}
	fmt.Printf("Registration written to %s\n", cfg.AppService.RegistrationPath)
	return nil
}

var upgradeConfigCommand = &cli.Command{
	Name:   "upgrade-config",
	Usage:  "Merge the config with the current example config and write it back",
	Action: cmdUpgradeConfig,
}

func cmdUpgradeConfig(ctx *cli.Context) error {
	configPath := ctx.String("config")
	if _, err := connector.LoadConfig(configPath, true); err != nil {
		return err
	}
	fmt.Printf("Config %s is up to date\n", configPath)
	return nil
}

var linksCommand = &cli.Command{
	Name:   "links",
	Usage:  "List the active room-chat links and the stored correlation count",
	Action: cmdLinks,
}

func cmdLinks(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"), false)
	if err != nil {
		return err
	}
	rawDB, err := dbutil.NewFromConfig("telematrix", cfg.Database, dbutil.ZeroLogger(zerolog.Nop()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db := database.New(rawDB)
	defer db.Close()
	if err = db.Upgrade(ctx.Context); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	links, err := db.ChatLink.GetAllActive(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}
	correlations, err := db.Message.Count(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to count correlations: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHAT\tROOM")
	for _, link := range links {
		_, _ = fmt.Fprintf(w, "%d\t%s\n", link.ChatID, link.RoomID)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d links, %d stored message correlations\n", len(links), correlations)
	return nil
}
