// Copyright 2024-2026 Aiku AI

package connector

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/telematrix/pkg/connector/database"
)

// ChatRegistry holds the pre-configured Telegram chats. Only these chats get
// a room created when their alias is queried. It can be reloaded at runtime
// from the config file or from the admin API.
type ChatRegistry struct {
	DB *database.Database
	// ConfigPath is the config file that Reload re-reads. Empty disables
	// reloading from file.
	ConfigPath string

	chats   map[int64]PreconfiguredChat
	chatsMu sync.RWMutex
	log     zerolog.Logger
}

func NewChatRegistry(db *database.Database, configPath string, chats []PreconfiguredChat, log zerolog.Logger) *ChatRegistry {
	cr := &ChatRegistry{
		DB:         db,
		ConfigPath: configPath,
		chats:      make(map[int64]PreconfiguredChat, len(chats)),
		log:        log.With().Str("component", "chat_registry").Logger(),
	}
	for _, chat := range chats {
		cr.chats[chat.ChatID] = chat
	}
	return cr
}

// Get returns the pre-configured chat with the given ID. Thread-safe.
func (cr *ChatRegistry) Get(chatID int64) (PreconfiguredChat, bool) {
	cr.chatsMu.RLock()
	defer cr.chatsMu.RUnlock()
	chat, ok := cr.chats[chatID]
	return chat, ok
}

// All returns the pre-configured chats ordered by chat ID. Thread-safe.
func (cr *ChatRegistry) All() []PreconfiguredChat {
	cr.chatsMu.RLock()
	chats := make([]PreconfiguredChat, 0, len(cr.chats))
	for _, chat := range cr.chats {
		chats = append(chats, chat)
	}
	cr.chatsMu.RUnlock()
	slices.SortFunc(chats, func(a, b PreconfiguredChat) int {
		return cmp.Compare(a.ChatID, b.ChatID)
	})
	return chats
}

// Count returns the number of pre-configured chats. Thread-safe.
func (cr *ChatRegistry) Count() int {
	cr.chatsMu.RLock()
	defer cr.chatsMu.RUnlock()
	return len(cr.chats)
}

// ApplyLinks links every chat that names a room to that room. Failures are
// logged and don't stop the other chats from being linked.
func (cr *ChatRegistry) ApplyLinks(ctx context.Context) (linked int) {
	for _, chat := range cr.All() {
		if cr.applyLink(ctx, chat) {
			linked++
		}
	}
	return linked
}

func (cr *ChatRegistry) applyLink(ctx context.Context, chat PreconfiguredChat) bool {
	if chat.RoomID == "" || cr.DB == nil {
		return false
	}
	created, err := cr.DB.ChatLink.Link(ctx, chat.RoomID, chat.ChatID)
	if err != nil {
		cr.log.Err(err).
			Int64("chat_id", chat.ChatID).
			Stringer("room_id", chat.RoomID).
			Msg("Failed to link pre-configured chat")
		return false
	}
	if created {
		cr.log.Info().
			Int64("chat_id", chat.ChatID).
			Stringer("room_id", chat.RoomID).
			Msg("Linked pre-configured chat")
	}
	return created
}

// ReloadFromEntries replaces the registry with the given chats. Chats that
// are new or name a different room count as added, and their links are
// applied. Chats missing from entries are removed from the registry; links
// they already have stay in place. Thread-safe.
func (cr *ChatRegistry) ReloadFromEntries(ctx context.Context, entries []PreconfiguredChat) (added, removed int) {
	desired := make(map[int64]PreconfiguredChat, len(entries))
	for _, entry := range entries {
		desired[entry.ChatID] = entry
	}

	cr.chatsMu.Lock()
	var changed []PreconfiguredChat
	for chatID := range cr.chats {
		if _, ok := desired[chatID]; !ok {
			cr.log.Info().Int64("chat_id", chatID).Msg("Removing pre-configured chat")
			delete(cr.chats, chatID)
			removed++
		}
	}
	for chatID, entry := range desired {
		existing, ok := cr.chats[chatID]
		if ok && existing.RoomID == entry.RoomID {
			continue
		}
		cr.chats[chatID] = entry
		changed = append(changed, entry)
		added++
	}
	total := len(cr.chats)
	cr.chatsMu.Unlock()

	for _, chat := range changed {
		cr.applyLink(ctx, chat)
	}
	cr.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", total).
		Msg("Chat reload complete")
	return added, removed
}

// Reload re-reads the pre-configured chats from the config file.
func (cr *ChatRegistry) Reload(ctx context.Context) (added, removed int, err error) {
	if cr.ConfigPath == "" {
		return 0, 0, fmt.Errorf("no config file to reload from")
	}
	cfg, err := LoadConfig(cr.ConfigPath, false)
	if err != nil {
		return 0, 0, err
	}
	added, removed = cr.ReloadFromEntries(ctx, cfg.Bridge.Chats)
	return added, removed, nil
}
