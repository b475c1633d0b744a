// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
	"github.com/aiku/telematrix/pkg/connector/media"
)

// RoomClient is the Matrix side of the bridge. Ghost operations act as the
// given user through the appservice; everything else acts as the bridge bot.
type RoomClient interface {
	GetDisplayName(ctx context.Context, userID id.UserID) (string, error)
	// RegisterGhost registers the ghost account. Registering an existing
	// account is not an error.
	RegisterGhost(ctx context.Context, userID id.UserID) error
	JoinRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	SetDisplayName(ctx context.Context, userID id.UserID, name string) error
	SetAvatar(ctx context.Context, userID id.UserID, uri id.ContentURIString) error
	UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURIString, error)
	// SendMessage sends content as userID. A send rejected because the user
	// lacks standing in the room returns an error wrapping ErrPermissionDenied.
	SendMessage(ctx context.Context, roomID id.RoomID, userID id.UserID, txnID string, content *event.MessageEventContent) (id.EventID, error)
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)
	CreateRoom(ctx context.Context, aliasLocalpart string) (id.RoomID, error)
}

// GroupClient is the Telegram side of the bridge. All sends use HTML parse
// mode and return the ID of the sent message.
type GroupClient interface {
	SendText(ctx context.Context, chatID int64, html string, replyTo int) (int, error)
	SendMedia(ctx context.Context, chatID int64, file *media.File, caption string, replyTo int) (int, error)
	GetFile(ctx context.Context, fileID string) ([]byte, error)
	// GetProfilePhotoID returns the file ID of the user's current profile
	// photo, or an empty string if they have none.
	GetProfilePhotoID(ctx context.Context, userID int64) (string, error)
}

// Router is the entry point for inbound events from both sides. Each batch is
// handled one event at a time, in order, and every event runs to completion
// before the next one starts.
type Router struct {
	Config      *Config
	DB          *database.Database
	Room        RoomClient
	Group       GroupClient
	Provisioner *Provisioner
	Converter   media.Converter
	Metrics     *Metrics
	Log         zerolog.Logger
}

// NewRouter wires a router and its provisioner.
func NewRouter(cfg *Config, db *database.Database, room RoomClient, group GroupClient, metrics *Metrics, log zerolog.Logger) *Router {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	r := &Router{
		Config:    cfg,
		DB:        db,
		Room:      room,
		Group:     group,
		Converter: media.FFmpeg,
		Metrics:   metrics,
		Log:       log.With().Str("component", "router").Logger(),
	}
	r.Provisioner = &Provisioner{
		Config:  cfg,
		DB:      db,
		Room:    room,
		Group:   group,
		Metrics: metrics,
	}
	return r
}

// CheckConverter logs a warning when ffmpeg is unavailable and reports
// whether media conversion works. Without it, stickers that aren't already
// WEBP fail to relay and GIF animations reach Matrix as plain images.
func (r *Router) CheckConverter() bool {
	if r.Converter != nil && r.Converter.Supported() {
		return true
	}
	r.Log.Warn().Msg("ffmpeg is not available: non-WEBP stickers won't be relayed and GIF animations will be sent to Matrix as images")
	return false
}

// HandleRoomTransaction handles one appservice transaction. Per-event
// failures are logged and counted; they never abort the batch.
func (r *Router) HandleRoomTransaction(ctx context.Context, txnID string, events []json.RawMessage) {
	ctx = context.WithoutCancel(ctx)
	log := r.Log.With().Str("txn_id", txnID).Logger()
	log.Debug().Int("event_count", len(events)).Msg("Handling transaction")
	for _, raw := range events {
		evt, err := DecodeRoomEvent(raw)
		if err != nil {
			r.record(log, SideMatrix, "unknown", err)
			continue
		} else if evt == nil {
			continue
		}
		_ = r.HandleRoomEvent(ctx, evt)
	}
}

// HandleRoomEvent routes a single decoded Matrix event and returns the
// per-event result, which is already logged and counted.
func (r *Router) HandleRoomEvent(ctx context.Context, evt RoomEvent) error {
	base := evt.Base()
	log := r.Log.With().
		Str("side", SideMatrix).
		Stringer("room_id", base.RoomID).
		Stringer("event_id", base.ID).
		Stringer("sender", base.Sender).
		Str("event_type", base.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)
	err := r.safely(log, func() error {
		if maxAge := r.Config.Bridge.MaxEventAgeDuration(); maxAge > 0 && base.Age > maxAge {
			return fmt.Errorf("%w: age %s exceeds %s", ErrStaleEvent, base.Age, maxAge)
		}
		switch e := evt.(type) {
		case *AliasChangeEvent:
			return r.handleAliasChange(ctx, e)
		case *RoomMessageEvent:
			return r.handleRoomMessage(ctx, e)
		case *MembershipEvent:
			return r.handleMembership(ctx, e)
		default:
			return errIgnored
		}
	})
	r.record(log, SideMatrix, roomEventKind(evt), err)
	return err
}

// HandleGroupUpdate handles one Telegram update as a batch of one.
func (r *Router) HandleGroupUpdate(ctx context.Context, update tgbotapi.Update) error {
	ctx = context.WithoutCancel(ctx)
	log := r.Log.With().Int("update_id", update.UpdateID).Logger()
	evt, err := DecodeGroupUpdate(update)
	if err != nil {
		r.record(log, SideTelegram, "unknown", err)
		return err
	} else if evt == nil {
		return nil
	}
	return r.HandleGroupEvent(ctx, evt)
}

// HandleGroupEvent routes a single decoded Telegram event.
func (r *Router) HandleGroupEvent(ctx context.Context, evt GroupEvent) error {
	base := evt.Base()
	logCtx := r.Log.With().
		Str("side", SideTelegram).
		Int64("chat_id", base.ChatID).
		Int("message_id", base.MessageID)
	if base.Sender != nil {
		logCtx = logCtx.Int64("sender_id", base.Sender.ID)
	}
	log := logCtx.Logger()
	ctx = log.WithContext(ctx)
	err := r.safely(log, func() error {
		switch e := evt.(type) {
		case *CommandEvent:
			return r.handleCommand(ctx, e)
		case *GroupTextEvent:
			return r.handleGroupText(ctx, e)
		case *GroupMediaEvent:
			return r.handleGroupMedia(ctx, e)
		default:
			return errIgnored
		}
	})
	r.record(log, SideTelegram, groupEventKind(evt), err)
	return err
}

func (r *Router) safely(log zerolog.Logger, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Bytes("stack", debug.Stack()).
				Any("panic", p).
				Msg("Panic while handling event")
			err = fmt.Errorf("panic while handling event: %v", p)
		}
	}()
	return fn()
}

func (r *Router) record(log zerolog.Logger, side, kind string, err error) {
	outcome := classify(err)
	r.Metrics.Events.WithLabelValues(side, kind, outcome).Inc()
	var relayErr *media.RelayError
	if errors.As(err, &relayErr) {
		r.Metrics.RelayFailures.WithLabelValues(string(relayErr.Stage)).Inc()
	}
	switch outcome {
	case OutcomeRelayed:
		log.Debug().Str("kind", kind).Msg("Relayed event")
	case OutcomeIgnored, OutcomeEcho:
		log.Trace().Str("kind", kind).Str("outcome", outcome).Msg("Dropped event")
	case OutcomeUnlinked, OutcomeStale:
		log.Debug().Err(err).Str("kind", kind).Msg("Dropped event")
	case OutcomeMalformed:
		log.Warn().Err(err).Str("kind", kind).Msg("Dropped malformed event")
	default:
		log.Error().Err(err).Str("kind", kind).Str("outcome", outcome).Msg("Failed to handle event")
	}
}

func roomEventKind(evt RoomEvent) string {
	switch e := evt.(type) {
	case *AliasChangeEvent:
		return "aliases"
	case *RoomMessageEvent:
		return string(e.Kind)
	case *MembershipEvent:
		return "membership"
	default:
		return "unknown"
	}
}

func groupEventKind(evt GroupEvent) string {
	switch e := evt.(type) {
	case *CommandEvent:
		return "command"
	case *GroupTextEvent:
		switch {
		case e.Forward != nil:
			return "forward"
		case e.ReplyTo != nil:
			return "reply"
		default:
			return "text"
		}
	case *GroupMediaEvent:
		return string(e.Kind)
	default:
		return "unknown"
	}
}
