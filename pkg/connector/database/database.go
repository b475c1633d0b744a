// Copyright 2024-2026 Aiku AI

// Package database is the correlation store of the bridge. It owns the chat
// links between Matrix rooms and Telegram chats, the display name caches of
// real users on both sides, and the message correlations used to resolve
// replies.
package database

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

//go:embed upgrades/*.sql
var rawUpgrades embed.FS

var upgradeTable dbutil.UpgradeTable

func init() {
	upgradeTable.RegisterFSPath(rawUpgrades, "upgrades")
}

// Database wraps a dbutil.Database with typed query helpers for each table.
type Database struct {
	*dbutil.Database

	ChatLink     *ChatLinkQuery
	MatrixUser   *MatrixUserQuery
	TelegramUser *TelegramUserQuery
	Message      *MessageQuery
}

// New wraps the given database. Call Upgrade before using it.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgradeTable
	return &Database{
		Database: db,
		ChatLink: &ChatLinkQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*ChatLink]) *ChatLink {
				return &ChatLink{}
			}),
		},
		MatrixUser: &MatrixUserQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*MatrixUser]) *MatrixUser {
				return &MatrixUser{}
			}),
		},
		TelegramUser: &TelegramUserQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*TelegramUser]) *TelegramUser {
				return &TelegramUser{}
			}),
		},
		Message: &MessageQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*Message]) *Message {
				return &Message{}
			}),
		},
	}
}
