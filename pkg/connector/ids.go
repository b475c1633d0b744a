// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

// GhostUserID returns the Matrix ghost of a Telegram user.
func (c *Config) GhostUserID(telegramUserID int64) id.UserID {
	return id.NewUserID(c.Bridge.GhostPrefix+strconv.FormatInt(telegramUserID, 10), c.Homeserver.Domain)
}

// ParseGhostUserID extracts the Telegram user ID from a ghost user ID.
func (c *Config) ParseGhostUserID(userID id.UserID) (int64, bool) {
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != c.Homeserver.Domain || !strings.HasPrefix(localpart, c.Bridge.GhostPrefix) {
		return 0, false
	}
	return parseCanonicalInt(strings.TrimPrefix(localpart, c.Bridge.GhostPrefix))
}

// IsGhost reports whether userID is a ghost of this bridge, i.e. a user that
// GhostUserID could have returned. Users who merely share the prefix, like
// @telegram_fan, are not ghosts.
func (c *Config) IsGhost(userID id.UserID) bool {
	_, ok := c.ParseGhostUserID(userID)
	return ok
}

// BotUserID returns the user ID of the bridge bot.
func (c *Config) BotUserID() id.UserID {
	return id.NewUserID(c.AppService.BotLocalpart, c.Homeserver.Domain)
}

// IsBridgeUser reports whether userID is a ghost or the bridge bot. Events
// from these users are echoes of the bridge's own sends.
func (c *Config) IsBridgeUser(userID id.UserID) bool {
	return userID == c.BotUserID() || c.IsGhost(userID)
}

// AliasLocalpart returns the alias localpart that names a Telegram chat.
func (c *Config) AliasLocalpart(chatID int64) string {
	return c.Bridge.AliasPrefix + strconv.FormatInt(chatID, 10)
}

// ChatAlias returns the full Matrix alias that names a Telegram chat.
func (c *Config) ChatAlias(chatID int64) id.RoomAlias {
	return id.NewRoomAlias(c.AliasLocalpart(chatID), c.Homeserver.Domain)
}

// ParseChatAlias extracts the Telegram chat ID from a bridge alias. Aliases
// on other servers or without a canonical integer chat ID don't match, so
// each chat has exactly one alias.
func (c *Config) ParseChatAlias(alias id.RoomAlias) (int64, bool) {
	localpart, server, ok := strings.Cut(strings.TrimPrefix(string(alias), "#"), ":")
	if !ok || !strings.HasPrefix(string(alias), "#") || server != c.Homeserver.Domain {
		return 0, false
	}
	if !strings.HasPrefix(localpart, c.Bridge.AliasPrefix) {
		return 0, false
	}
	return parseCanonicalInt(strings.TrimPrefix(localpart, c.Bridge.AliasPrefix))
}

// parseCanonicalInt parses s as a base 10 integer, rejecting any spelling
// other than the one strconv.FormatInt produces ("+42", "042", "-0").
func parseCanonicalInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != s {
		return 0, false
	}
	return n, true
}

// MakeTransactionID returns the Matrix transaction ID for a Telegram
// message. It is stable across redeliveries so the homeserver dedupes them.
func MakeTransactionID(messageID int, chatID int64) string {
	return url.PathEscape(strconv.Itoa(messageID) + ":" + strconv.FormatInt(chatID, 10))
}

// ReplayTransactionID returns a fresh transaction ID for replaying a send
// that failed before the ghost was provisioned.
func ReplayTransactionID(txnID string) string {
	return txnID + "." + uuid.NewString()
}
