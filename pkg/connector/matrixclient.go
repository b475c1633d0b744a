// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient implements RoomClient on top of the mautrix appservice API.
type MatrixClient struct {
	AS     *appservice.AppService
	config *Config
}

var _ RoomClient = (*MatrixClient)(nil)

// NewMatrixClient creates the appservice API client for the given
// registration. It doesn't start the appservice HTTP server; inbound
// transactions are served by AppServiceHandler.
func NewMatrixClient(cfg *Config, reg *appservice.Registration) (*MatrixClient, error) {
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	return &MatrixClient{AS: as, config: cfg}, nil
}

func (mc *MatrixClient) intent(userID id.UserID) (*appservice.IntentAPI, error) {
	if userID == mc.config.BotUserID() {
		return mc.AS.BotIntent(), nil
	} else if !mc.config.IsGhost(userID) {
		return nil, fmt.Errorf("%s is not in the bridge namespace", userID)
	}
	intent := mc.AS.Intent(userID)
	if intent == nil {
		return nil, fmt.Errorf("no intent for %s", userID)
	}
	return intent, nil
}

func (mc *MatrixClient) GetDisplayName(ctx context.Context, userID id.UserID) (string, error) {
	resp, err := mc.AS.BotIntent().GetDisplayName(ctx, userID)
	if err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

func (mc *MatrixClient) RegisterGhost(ctx context.Context, userID id.UserID) error {
	intent, err := mc.intent(userID)
	if err != nil {
		return err
	}
	return intent.EnsureRegistered(ctx)
}

func (mc *MatrixClient) JoinRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	intent, err := mc.intent(userID)
	if err != nil {
		return err
	}
	return intent.EnsureJoined(ctx, roomID)
}

func (mc *MatrixClient) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	intent, err := mc.intent(userID)
	if err != nil {
		return err
	}
	return intent.SetDisplayName(ctx, name)
}

func (mc *MatrixClient) SetAvatar(ctx context.Context, userID id.UserID, uri id.ContentURIString) error {
	intent, err := mc.intent(userID)
	if err != nil {
		return err
	}
	var parsed id.ContentURI
	if uri != "" {
		if parsed, err = uri.Parse(); err != nil {
			return fmt.Errorf("invalid avatar URI: %w", err)
		}
	}
	return intent.SetAvatarURL(ctx, parsed)
}

func (mc *MatrixClient) UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURIString, error) {
	resp, err := mc.AS.BotIntent().UploadBytes(ctx, data, mimeType)
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

// SendMessage sends without joining first, so that a ghost outside the room
// gets M_FORBIDDEN and the provisioner can join it lazily.
func (mc *MatrixClient) SendMessage(ctx context.Context, roomID id.RoomID, userID id.UserID, txnID string, content *event.MessageEventContent) (id.EventID, error) {
	intent, err := mc.intent(userID)
	if err != nil {
		return "", err
	}
	resp, err := intent.Client.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: txnID})
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return "", fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return "", err
	}
	return resp.EventID, nil
}

func (mc *MatrixClient) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid media URI: %w", err)
	}
	return mc.AS.BotIntent().DownloadBytes(ctx, parsed)
}

func (mc *MatrixClient) CreateRoom(ctx context.Context, aliasLocalpart string) (id.RoomID, error) {
	resp, err := mc.AS.BotIntent().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		RoomAliasName: aliasLocalpart,
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// NewRegistration builds the appservice registration of the bridge. The bot
// localpart and the ghost and alias namespaces are claimed exclusively.
func NewRegistration(cfg *Config) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.BotLocalpart
	domain := regexp.QuoteMeta(cfg.Homeserver.Domain)
	reg.Namespaces.UserIDs.Register(regexp.MustCompile(
		"^@"+regexp.QuoteMeta(cfg.Bridge.GhostPrefix)+"-?[0-9]+:"+domain+"$"), true)
	reg.Namespaces.RoomAliases.Register(regexp.MustCompile(
		"^#"+regexp.QuoteMeta(cfg.Bridge.AliasPrefix)+"-?[0-9]+:"+domain+"$"), true)
	return reg
}

// ApplyRegistration copies the generated tokens into the config.
func (c *Config) ApplyRegistration(reg *appservice.Registration) {
	c.AppService.ASToken = reg.AppToken
	c.AppService.HSToken = reg.ServerToken
}

// Registration returns the registration described by the config.
func (c *Config) Registration() *appservice.Registration {
	reg := NewRegistration(c)
	reg.AppToken = c.AppService.ASToken
	reg.ServerToken = c.AppService.HSToken
	return reg
}
