// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Message correlates one Telegram message with one Matrix event. Rows are
// written once and never updated.
type Message struct {
	ChatID      int64
	MessageID   int64
	RoomID      id.RoomID
	EventID     id.EventID
	Displayname string
	CreatedAt   time.Time
}

type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

const (
	getMessageBaseQuery = `
		SELECT chat_id, message_id, room_id, event_id, displayname, created_at FROM message
	`
	getMessageByTelegramQuery = getMessageBaseQuery + `WHERE chat_id=$1 AND message_id=$2`
	getMessageByMatrixQuery   = getMessageBaseQuery + `WHERE room_id=$1 AND event_id=$2`
	insertMessageQuery        = `
		INSERT INTO message (chat_id, message_id, room_id, event_id, displayname, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`
	countMessagesQuery = `SELECT COUNT(*) FROM message`
)

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var createdAt int64
	err := row.Scan(&m.ChatID, &m.MessageID, &m.RoomID, &m.EventID, &m.Displayname, &createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	return m, nil
}

// GetByTelegram finds the correlation of a Telegram message, or nil.
func (mq *MessageQuery) GetByTelegram(ctx context.Context, chatID, messageID int64) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByTelegramQuery, chatID, messageID)
}

// GetByMatrix finds the correlation of a Matrix event, or nil.
func (mq *MessageQuery) GetByMatrix(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByMatrixQuery, roomID, eventID)
}

// Insert stores a correlation. Redelivered events correlate the same pair
// again, so an existing row for either side is kept and inserted is false.
func (mq *MessageQuery) Insert(ctx context.Context, m *Message) (inserted bool, err error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := mq.GetDB().Exec(ctx, insertMessageQuery, m.ChatID, m.MessageID, m.RoomID, m.EventID, m.Displayname, m.CreatedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (mq *MessageQuery) Count(ctx context.Context) (count int, err error) {
	err = mq.GetDB().QueryRow(ctx, countMessagesQuery).Scan(&count)
	return
}
