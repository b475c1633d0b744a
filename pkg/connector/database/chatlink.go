// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// ChatLink binds one Matrix room to one Telegram chat.
type ChatLink struct {
	ID     int64
	RoomID id.RoomID
	ChatID int64
	Active bool
}

type ChatLinkQuery struct {
	*dbutil.QueryHelper[*ChatLink]
}

const (
	getChatLinkBaseQuery = `
		SELECT id, room_id, chat_id, active FROM chat_link
	`
	getActiveChatLinkByRoomQuery = getChatLinkBaseQuery + `WHERE room_id=$1 AND active`
	getActiveChatLinkByChatQuery = getChatLinkBaseQuery + `WHERE chat_id=$1 AND active`
	getAllActiveChatLinksQuery   = getChatLinkBaseQuery + `WHERE active ORDER BY id`
	getChatLinksByRoomQuery      = getChatLinkBaseQuery + `WHERE room_id=$1 ORDER BY id`
	deleteChatLinksByRoomQuery   = `DELETE FROM chat_link WHERE room_id=$1`
	deleteChatLinksByChatQuery   = `DELETE FROM chat_link WHERE chat_id=$1`
	deactivateChatLinkQuery      = `UPDATE chat_link SET active=false WHERE (chat_id=$1 OR room_id=$2) AND active`
	insertChatLinkQuery          = `INSERT INTO chat_link (room_id, chat_id, active) VALUES ($1, $2, $3)`
)

func (cl *ChatLink) Scan(row dbutil.Scannable) (*ChatLink, error) {
	return dbutil.ValueOrErr(cl, row.Scan(&cl.ID, &cl.RoomID, &cl.ChatID, &cl.Active))
}

// GetActiveByRoom returns the active link of a room, or nil if there is none.
func (clq *ChatLinkQuery) GetActiveByRoom(ctx context.Context, roomID id.RoomID) (*ChatLink, error) {
	return clq.QueryOne(ctx, getActiveChatLinkByRoomQuery, roomID)
}

// GetActiveByChat returns the active link of a Telegram chat, or nil if there is none.
func (clq *ChatLinkQuery) GetActiveByChat(ctx context.Context, chatID int64) (*ChatLink, error) {
	return clq.QueryOne(ctx, getActiveChatLinkByChatQuery, chatID)
}

func (clq *ChatLinkQuery) GetAllActive(ctx context.Context) ([]*ChatLink, error) {
	return clq.QueryMany(ctx, getAllActiveChatLinksQuery)
}

// GetAllByRoom returns every link of a room including inactive ones.
func (clq *ChatLinkQuery) GetAllByRoom(ctx context.Context, roomID id.RoomID) ([]*ChatLink, error) {
	return clq.QueryMany(ctx, getChatLinksByRoomQuery, roomID)
}

// ReplaceLinksForRoom deletes every link of the room and inserts one link per
// chat ID in a single transaction. The first chat becomes the active link of
// the room; further chats are stored inactive so that the room never has more
// than one active link. Active links of other rooms to the same chats are
// deactivated.
func (clq *ChatLinkQuery) ReplaceLinksForRoom(ctx context.Context, roomID id.RoomID, chatIDs []int64) error {
	return clq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := clq.Exec(ctx, deleteChatLinksByRoomQuery, roomID); err != nil {
			return fmt.Errorf("failed to delete old links: %w", err)
		}
		seen := make(map[int64]struct{}, len(chatIDs))
		for i, chatID := range chatIDs {
			if _, dup := seen[chatID]; dup {
				continue
			}
			seen[chatID] = struct{}{}
			active := i == 0
			if active {
				if err := clq.Exec(ctx, deactivateChatLinkQuery, chatID, roomID); err != nil {
					return fmt.Errorf("failed to deactivate conflicting link for chat %d: %w", chatID, err)
				}
			}
			if err := clq.Exec(ctx, insertChatLinkQuery, roomID, chatID, active); err != nil {
				return fmt.Errorf("failed to insert link for chat %d: %w", chatID, err)
			}
		}
		return nil
	})
}

// Link makes the given room and chat the active link of each other,
// deactivating whatever either side was linked to before. It is a no-op if
// the link already exists and is active.
func (clq *ChatLinkQuery) Link(ctx context.Context, roomID id.RoomID, chatID int64) (created bool, err error) {
	err = clq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		existing, err := clq.GetActiveByChat(ctx, chatID)
		if err != nil {
			return err
		} else if existing != nil && existing.RoomID == roomID {
			return nil
		}
		if err = clq.Exec(ctx, deactivateChatLinkQuery, chatID, roomID); err != nil {
			return fmt.Errorf("failed to deactivate conflicting links: %w", err)
		}
		if err = clq.Exec(ctx, insertChatLinkQuery, roomID, chatID, true); err != nil {
			return fmt.Errorf("failed to insert link: %w", err)
		}
		created = true
		return nil
	})
	return
}

// DeleteByChat removes every link of a Telegram chat.
func (clq *ChatLinkQuery) DeleteByChat(ctx context.Context, chatID int64) error {
	return clq.Exec(ctx, deleteChatLinksByChatQuery, chatID)
}
