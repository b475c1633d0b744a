// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
	"github.com/aiku/telematrix/pkg/connector/matrixfmt"
)

// handleAliasChange replaces the chat links of a room with one link per
// bridge alias in the event.
func (r *Router) handleAliasChange(ctx context.Context, evt *AliasChangeEvent) error {
	log := zerolog.Ctx(ctx)
	if evt.Type == event.StateAliases && evt.Server != r.Config.Homeserver.Domain {
		return errIgnored
	}
	var chatIDs []int64
	for _, alias := range evt.Aliases {
		if chatID, ok := r.Config.ParseChatAlias(alias); ok {
			chatIDs = append(chatIDs, chatID)
		}
	}
	if evt.Type == event.StateCanonicalAlias && len(chatIDs) == 0 {
		// Canonical aliases also cover aliases of other bridges and servers,
		// so only m.room.aliases can remove links.
		return errIgnored
	}
	if err := r.DB.ChatLink.ReplaceLinksForRoom(ctx, evt.RoomID, chatIDs); err != nil {
		return fmt.Errorf("failed to replace chat links: %w", err)
	}
	log.Info().Any("chat_ids", chatIDs).Msg("Replaced chat links of room")
	return nil
}

// handleRoomMessage relays a Matrix message to the linked Telegram chat.
func (r *Router) handleRoomMessage(ctx context.Context, evt *RoomMessageEvent) error {
	link, err := r.DB.ChatLink.GetActiveByRoom(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get chat link: %w", err)
	} else if link == nil {
		return ErrUnlinked
	}
	if r.Config.IsBridgeUser(evt.Sender) {
		return ErrEcho
	}
	name, err := r.matrixDisplayname(ctx, evt.Sender, "")
	if err != nil {
		return err
	}

	var opts matrixfmt.Options
	replyTo := 0
	if target := evt.Content.RelatesTo.GetReplyTo(); target != "" {
		quoted, err := r.DB.Message.GetByMatrix(ctx, evt.RoomID, target)
		if err != nil {
			return fmt.Errorf("failed to get reply target: %w", err)
		} else if quoted != nil && quoted.ChatID == link.ChatID {
			replyTo = int(quoted.MessageID)
			opts.StripReply = true
		}
	}

	var messageID int
	switch evt.Kind {
	case KindText, KindNotice, KindEmote:
		messageID, err = r.Group.SendText(ctx, link.ChatID, matrixfmt.Format(evt.Content, name, opts), replyTo)
		if err != nil {
			return err
		}
	default:
		var relayErr error
		messageID, relayErr = r.relayToGroup(ctx, link.ChatID, evt, name, replyTo)
		if relayErr != nil {
			// The caption may still have gone out, and replies to the event
			// should point at it.
			if err = r.correlate(ctx, link.ChatID, messageID, evt.RoomID, evt.ID, name); err != nil {
				zerolog.Ctx(ctx).Err(err).Msg("Failed to correlate media caption")
			}
			return relayErr
		}
	}
	return r.correlate(ctx, link.ChatID, messageID, evt.RoomID, evt.ID, name)
}

// handleMembership relays joins, leaves, bans and display name changes as
// one-line notices.
func (r *Router) handleMembership(ctx context.Context, evt *MembershipEvent) error {
	if r.Config.Bridge.SuppressMembership {
		return errIgnored
	}
	if r.Config.IsBridgeUser(evt.UserID) {
		return ErrEcho
	}
	link, err := r.DB.ChatLink.GetActiveByRoom(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get chat link: %w", err)
	} else if link == nil {
		return ErrUnlinked
	}

	var notice string
	switch evt.Content.Membership {
	case event.MembershipJoin:
		cached, err := r.DB.MatrixUser.Get(ctx, evt.UserID)
		if err != nil {
			return fmt.Errorf("failed to get cached matrix user: %w", err)
		}
		newName := evt.Content.Displayname
		if newName == "" {
			newName = localpart(evt.UserID)
		}
		if evt.Prev != nil && evt.Prev.Membership == event.MembershipJoin {
			oldName := evt.Prev.Displayname
			if oldName == "" && cached != nil {
				oldName = cached.Displayname
			}
			if oldName == "" {
				oldName = localpart(evt.UserID)
			}
			if oldName == newName {
				return errIgnored
			}
			notice = renameNotice(oldName, newName)
		} else {
			notice = joinNotice(newName)
		}
		if cached == nil || cached.Displayname != newName {
			if err = r.DB.MatrixUser.Upsert(ctx, &database.MatrixUser{UserID: evt.UserID, Displayname: newName}); err != nil {
				return fmt.Errorf("failed to save matrix user: %w", err)
			}
		}
	case event.MembershipLeave:
		name, err := r.membershipName(ctx, evt)
		if err != nil {
			return err
		}
		notice = leaveNotice(name)
	case event.MembershipBan:
		name, err := r.membershipName(ctx, evt)
		if err != nil {
			return err
		}
		notice = banNotice(name)
	default:
		return errIgnored
	}

	messageID, err := r.Group.SendText(ctx, link.ChatID, notice, 0)
	if err != nil {
		return err
	}
	return r.correlate(ctx, link.ChatID, messageID, evt.RoomID, evt.ID, "")
}

// membershipName names the target of a leave or ban. Those events carry no
// display name of their own.
func (r *Router) membershipName(ctx context.Context, evt *MembershipEvent) (string, error) {
	if evt.Prev != nil && evt.Prev.Displayname != "" {
		return evt.Prev.Displayname, nil
	}
	cached, err := r.DB.MatrixUser.Get(ctx, evt.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to get cached matrix user: %w", err)
	} else if cached != nil && cached.Displayname != "" {
		return cached.Displayname, nil
	}
	return localpart(evt.UserID), nil
}

// matrixDisplayname resolves the display name of a real Matrix user through
// the cache, fetching the profile on a miss. An empty or failed profile
// lookup falls back to the localpart.
func (r *Router) matrixDisplayname(ctx context.Context, userID id.UserID, known string) (string, error) {
	cached, err := r.DB.MatrixUser.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get cached matrix user: %w", err)
	}
	if known == "" && cached != nil {
		return cached.Displayname, nil
	}
	name := known
	if name == "" {
		name, err = r.Room.GetDisplayName(ctx, userID)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Stringer("user_id", userID).Msg("Failed to get display name")
		}
	}
	if name == "" {
		name = localpart(userID)
	}
	if cached == nil || cached.Displayname != name {
		if err = r.DB.MatrixUser.Upsert(ctx, &database.MatrixUser{UserID: userID, Displayname: name}); err != nil {
			return "", fmt.Errorf("failed to save matrix user: %w", err)
		}
	}
	return name, nil
}

// correlate records a successful send. Sends without a remote message ID
// aren't recorded, and a pair that is already correlated is kept as is.
func (r *Router) correlate(ctx context.Context, chatID int64, messageID int, roomID id.RoomID, eventID id.EventID, displayname string) error {
	if messageID == 0 || eventID == "" {
		return nil
	}
	inserted, err := r.DB.Message.Insert(ctx, &database.Message{
		ChatID:      chatID,
		MessageID:   int64(messageID),
		RoomID:      roomID,
		EventID:     eventID,
		Displayname: displayname,
	})
	if err != nil {
		return fmt.Errorf("failed to save message correlation: %w", err)
	} else if !inserted {
		zerolog.Ctx(ctx).Debug().Int64("chat_id", chatID).Int("message_id", messageID).Msg("Message was already correlated")
		return nil
	}
	r.Metrics.Correlations.Inc()
	return nil
}

func localpart(userID id.UserID) string {
	lp, _, err := userID.Parse()
	if err != nil || lp == "" {
		return string(userID)
	}
	return lp
}
