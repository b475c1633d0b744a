// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// MatrixUser caches the last known display name of a real Matrix user.
type MatrixUser struct {
	UserID      id.UserID
	Displayname string
}

type MatrixUserQuery struct {
	*dbutil.QueryHelper[*MatrixUser]
}

const (
	getMatrixUserQuery    = `SELECT user_id, displayname FROM matrix_user WHERE user_id=$1`
	upsertMatrixUserQuery = `
		INSERT INTO matrix_user (user_id, displayname) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET displayname=excluded.displayname
	`
)

func (mu *MatrixUser) Scan(row dbutil.Scannable) (*MatrixUser, error) {
	return dbutil.ValueOrErr(mu, row.Scan(&mu.UserID, &mu.Displayname))
}

func (muq *MatrixUserQuery) Get(ctx context.Context, userID id.UserID) (*MatrixUser, error) {
	return muq.QueryOne(ctx, getMatrixUserQuery, userID)
}

func (muq *MatrixUserQuery) Upsert(ctx context.Context, mu *MatrixUser) error {
	return muq.Exec(ctx, upsertMatrixUserQuery, mu.UserID, mu.Displayname)
}

// TelegramUser caches the last known display name and profile photo of a
// real Telegram user. The cached values are the ones last pushed to the
// user's ghost.
type TelegramUser struct {
	UserID      int64
	Displayname string
	PhotoID     string
}

type TelegramUserQuery struct {
	*dbutil.QueryHelper[*TelegramUser]
}

const (
	getTelegramUserQuery    = `SELECT user_id, displayname, photo_id FROM telegram_user WHERE user_id=$1`
	upsertTelegramUserQuery = `
		INSERT INTO telegram_user (user_id, displayname, photo_id) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET displayname=excluded.displayname, photo_id=excluded.photo_id
	`
)

func (tu *TelegramUser) Scan(row dbutil.Scannable) (*TelegramUser, error) {
	return dbutil.ValueOrErr(tu, row.Scan(&tu.UserID, &tu.Displayname, &tu.PhotoID))
}

func (tuq *TelegramUserQuery) Get(ctx context.Context, userID int64) (*TelegramUser, error) {
	return tuq.QueryOne(ctx, getTelegramUserQuery, userID)
}

func (tuq *TelegramUserQuery) Upsert(ctx context.Context, tu *TelegramUser) error {
	return tuq.Exec(ctx, upsertTelegramUserQuery, tu.UserID, tu.Displayname, tu.PhotoID)
}
