// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/telematrix/pkg/connector/database"
	"github.com/aiku/telematrix/pkg/connector/telegramfmt"
)

// Name returns the plain name of a Telegram user, used in media captions.
func (s *GroupSender) Name() string {
	name := strings.TrimSpace(s.FirstName + " " + s.LastName)
	if name == "" {
		name = s.Username
	}
	return name
}

// handleCommand answers bot commands. Commands work in unlinked chats too.
func (r *Router) handleCommand(ctx context.Context, evt *CommandEvent) error {
	switch evt.Command {
	case CommandAlias:
		if _, err := r.Group.SendText(ctx, evt.ChatID, aliasNotice(r.Config.ChatAlias(evt.ChatID)), evt.MessageID); err != nil {
			return err
		}
		return nil
	default:
		return errIgnored
	}
}

// handleGroupText relays a Telegram text message, with its reply or forward
// citation, to the linked room.
func (r *Router) handleGroupText(ctx context.Context, evt *GroupTextEvent) error {
	link, err := r.groupLink(ctx, evt.ChatID)
	if err != nil {
		return err
	}
	profile := r.Provisioner.SyncProfile(ctx, evt.Sender)

	msg := telegramfmt.Parse(evt.Text, evt.Entities)
	switch {
	case evt.Forward != nil:
		msg = telegramfmt.Forward(msg, r.forwardName(evt.Forward))
	case evt.ReplyTo != nil:
		msg, err = r.citeReply(ctx, evt.ChatID, evt.ReplyTo, msg)
		if err != nil {
			return err
		}
	}

	txnID := MakeTransactionID(evt.MessageID, evt.ChatID)
	eventID, err := r.Provisioner.SendAsGhost(ctx, link.RoomID, profile, txnID, msg.Content())
	if err != nil {
		return err
	}
	return r.correlate(ctx, evt.ChatID, evt.MessageID, link.RoomID, eventID, profile.Displayname)
}

// handleGroupMedia relays a Telegram attachment to the linked room. The
// Telegram caption follows as a separate text message.
func (r *Router) handleGroupMedia(ctx context.Context, evt *GroupMediaEvent) error {
	link, err := r.groupLink(ctx, evt.ChatID)
	if err != nil {
		return err
	}
	profile := r.Provisioner.SyncProfile(ctx, evt.Sender)

	var relatesTo *event.RelatesTo
	if evt.ReplyTo != nil {
		quoted, err := r.DB.Message.GetByTelegram(ctx, evt.ChatID, int64(evt.ReplyTo.MessageID))
		if err != nil {
			return fmt.Errorf("failed to get reply target: %w", err)
		} else if quoted != nil {
			relatesTo = (&event.RelatesTo{}).SetReplyTo(quoted.EventID)
		}
	}

	txnID := MakeTransactionID(evt.MessageID, evt.ChatID)
	eventID, relayErr := r.relayToRoom(ctx, link.RoomID, evt, profile, txnID, relatesTo)
	if relayErr == nil {
		if err = r.correlate(ctx, evt.ChatID, evt.MessageID, link.RoomID, eventID, profile.Displayname); err != nil {
			return err
		}
	}

	if evt.Caption != "" {
		content := telegramfmt.Parse(evt.Caption, evt.CaptionEntities).Content()
		if _, err = r.Provisioner.SendAsGhost(ctx, link.RoomID, profile, txnID+".caption", content); err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to send media caption")
			if relayErr == nil {
				return err
			}
		}
	}
	return relayErr
}

func (r *Router) groupLink(ctx context.Context, chatID int64) (*database.ChatLink, error) {
	link, err := r.DB.ChatLink.GetActiveByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat link: %w", err)
	} else if link == nil {
		return nil, ErrUnlinked
	}
	return link, nil
}

func (r *Router) forwardName(origin *ForwardOrigin) string {
	if origin.User != nil {
		return r.Config.Bridge.FormatDisplayname(origin.User.DisplaynameParams())
	} else if origin.Name != "" {
		return origin.Name
	}
	return "unknown"
}

// citeReply cites the replied-to message. A correlated target becomes a
// native Matrix reply; otherwise the quote Telegram sent inline is used.
func (r *Router) citeReply(ctx context.Context, chatID int64, reply *QuotedMessage, msg *telegramfmt.ParsedMessage) (*telegramfmt.ParsedMessage, error) {
	quote := telegramfmt.Quote{Text: reply.Text, Date: reply.Date}
	if reply.Sender != nil {
		quote.Sender = r.Config.Bridge.FormatDisplayname(reply.Sender.DisplaynameParams())
	}
	quoted, err := r.DB.Message.GetByTelegram(ctx, chatID, int64(reply.MessageID))
	if err != nil {
		return nil, fmt.Errorf("failed to get reply target: %w", err)
	} else if quoted == nil {
		if quote.Sender == "" {
			quote.Sender = "unknown"
		}
		return telegramfmt.ReplyFallback(msg, quote), nil
	}
	name := quoted.Displayname
	if name == "" {
		name = quote.Sender
	}
	return telegramfmt.Reply(msg, telegramfmt.ReplyTarget{
		RoomID:      quoted.RoomID,
		EventID:     quoted.EventID,
		Displayname: name,
	}, quote), nil
}
