// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
)

// forbiddenRoom rejects every send for lack of permission.
type forbiddenRoom struct {
	*fakeRoom
}

func (f forbiddenRoom) SendMessage(ctx context.Context, roomID id.RoomID, userID id.UserID, txnID string, content *event.MessageEventContent) (id.EventID, error) {
	_, _ = f.fakeRoom.SendMessage(ctx, roomID, userID, txnID, content)
	return "", fmt.Errorf("%w: M_FORBIDDEN", ErrPermissionDenied)
}

func testProfile(cfg *Config) *GhostProfile {
	return &GhostProfile{UserID: cfg.GhostUserID(42), TelegramID: 42, Displayname: "Bob Smith (Telegram)"}
}

func TestSendAsGhost_ReplaysOnce(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	room := forbiddenRoom{tb.Room}
	p := tb.Router.Provisioner
	p.Room = room
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}

	_, err := p.SendAsGhost(context.Background(), testRoom, testProfile(tb.Config), "1:2", content)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}
	sends := tb.Room.CallsTo("SendMessage")
	if len(sends) != 2 {
		t.Fatalf("SendMessage calls: got %d, want exactly 2", len(sends))
	}
	if sends[0].TxnID == sends[1].TxnID {
		t.Errorf("replay reused transaction ID %q", sends[1].TxnID)
	}
	if n := len(tb.Room.CallsTo("RegisterGhost")); n != 1 {
		t.Errorf("RegisterGhost calls: got %d, want 1", n)
	}
	if got := testutil.ToFloat64(p.Metrics.Provisions.WithLabelValues("success")); got != 1 {
		t.Errorf("successful provisions: got %v, want 1", got)
	}
}

func TestSendAsGhost_OtherErrorsDontProvision(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	tb.Room.SendErr = errors.New("connection reset")
	p := tb.Router.Provisioner

	_, err := p.SendAsGhost(context.Background(), testRoom, testProfile(tb.Config), "1:2", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}
	if n := len(tb.Room.CallsTo("RegisterGhost")); n != 0 {
		t.Errorf("RegisterGhost calls: got %d, want 0", n)
	}
	if n := len(tb.Room.CallsTo("SendMessage")); n != 1 {
		t.Errorf("SendMessage calls: got %d, want 1", n)
	}
}

func TestSendAsGhost_RegistrationFails(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	tb.Room.RequireJoin = true
	tb.Room.RegisterErr = errors.New("M_EXCLUSIVE")
	p := tb.Router.Provisioner

	_, err := p.SendAsGhost(context.Background(), testRoom, testProfile(tb.Config), "1:2", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}
	if n := len(tb.Room.CallsTo("JoinRoom")); n != 0 {
		t.Errorf("JoinRoom calls: got %d, want 0", n)
	}
	if got := testutil.ToFloat64(p.Metrics.Provisions.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed provisions: got %v, want 1", got)
	}
}

func TestEnsureGhost_AvatarFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	p := tb.Router.Provisioner
	profile := testProfile(tb.Config)
	profile.PhotoID = "missing-photo"

	if err := p.EnsureGhost(context.Background(), testRoom, profile); err != nil {
		t.Fatalf("EnsureGhost: %v", err)
	}
	if n := len(tb.Room.CallsTo("SetAvatar")); n != 0 {
		t.Errorf("SetAvatar calls: got %d, want 0", n)
	}
	cached, err := tb.DB.TelegramUser.Get(context.Background(), 42)
	if err != nil || cached == nil {
		t.Fatalf("cache: %+v, %v", cached, err)
	}
	if cached.Displayname != profile.Displayname || cached.PhotoID != "" {
		t.Errorf("cache: got %+v, want name only", cached)
	}
}

func TestProfile_PhotoLookupFailureKeepsCache(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()
	p := tb.Router.Provisioner
	if err := tb.DB.TelegramUser.Upsert(ctx, &database.TelegramUser{UserID: 42, Displayname: "x", PhotoID: "photo-1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	tb.Group.PhotoErr = errors.New("telegram down")

	profile, cached, err := p.Profile(ctx, testSender())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if cached == nil || profile.PhotoID != "photo-1" {
		t.Errorf("profile photo: got %q, cached %+v", profile.PhotoID, cached)
	}
	if profile.Displayname != "Bob Smith (Telegram)" || profile.UserID != "@telegram_42:example.com" {
		t.Errorf("profile: got %+v", profile)
	}
}

func TestSyncProfile_RegistrationFailureSkipsCache(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	ctx := context.Background()
	tb.Room.RegisterErr = errors.New("homeserver down")

	profile := tb.Router.Provisioner.SyncProfile(ctx, testSender())
	if profile.UserID != "@telegram_42:example.com" {
		t.Errorf("profile: got %+v", profile)
	}
	if n := len(tb.Room.CallsTo("SetDisplayName")); n != 0 {
		t.Errorf("SetDisplayName calls: got %d, want 0", n)
	}
	cached, err := tb.DB.TelegramUser.Get(ctx, 42)
	if err != nil || cached != nil {
		t.Errorf("cache: got %+v, %v, want no row", cached, err)
	}

	// The next message retries registration.
	tb.Room.RegisterErr = nil
	tb.Router.Provisioner.SyncProfile(ctx, testSender())
	if n := len(tb.Room.CallsTo("RegisterGhost")); n != 2 {
		t.Errorf("RegisterGhost calls: got %d, want 2", n)
	}
	if cached, err = tb.DB.TelegramUser.Get(ctx, 42); err != nil || cached == nil || cached.Displayname != "Bob Smith (Telegram)" {
		t.Errorf("cache after retry: got %+v, %v", cached, err)
	}
}
