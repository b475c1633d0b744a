// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
	"github.com/aiku/telematrix/pkg/connector/media"
)

// Provisioner manages the Matrix ghosts of Telegram users.
//
// Ghosts are joined lazily: the first send that fails with a permission
// error provisions the ghost and is then replayed once. Profile changes on
// Telegram can't be observed as events, so SyncProfile compares the profile
// against the cache before every send instead.
type Provisioner struct {
	Config  *Config
	DB      *database.Database
	Room    RoomClient
	Group   GroupClient
	Metrics *Metrics
	// PhotoTTL is how long a profile photo lookup is reused while the
	// display name stays the same. Zero means defaultPhotoTTL.
	PhotoTTL time.Duration

	photoChecked   map[int64]time.Time
	photoCheckedMu sync.Mutex
}

const defaultPhotoTTL = time.Hour

// GhostProfile is the desired profile of a ghost.
type GhostProfile struct {
	UserID      id.UserID
	TelegramID  int64
	Displayname string
	// PhotoID is the Telegram file ID of the profile photo, empty if none.
	PhotoID string
}

// Profile builds the desired ghost profile of a Telegram sender. The profile
// photo is looked up on Telegram unless the cached one was checked within
// PhotoTTL and the display name is unchanged. A failed lookup keeps the
// cached photo.
func (p *Provisioner) Profile(ctx context.Context, sender *GroupSender) (*GhostProfile, *database.TelegramUser, error) {
	cached, err := p.DB.TelegramUser.Get(ctx, sender.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get cached telegram user: %w", err)
	}
	profile := &GhostProfile{
		UserID:      p.Config.GhostUserID(sender.ID),
		TelegramID:  sender.ID,
		Displayname: p.Config.Bridge.FormatDisplayname(sender.DisplaynameParams()),
	}
	if cached != nil && cached.Displayname == profile.Displayname && p.photoFresh(sender.ID) {
		profile.PhotoID = cached.PhotoID
		return profile, cached, nil
	}
	photoID, err := p.Group.GetProfilePhotoID(ctx, sender.ID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("telegram_user_id", sender.ID).Msg("Failed to get profile photo")
		if cached != nil {
			photoID = cached.PhotoID
		}
	} else {
		p.markPhotoChecked(sender.ID)
	}
	profile.PhotoID = photoID
	return profile, cached, nil
}

func (p *Provisioner) photoFresh(userID int64) bool {
	ttl := p.PhotoTTL
	if ttl <= 0 {
		ttl = defaultPhotoTTL
	}
	p.photoCheckedMu.Lock()
	defer p.photoCheckedMu.Unlock()
	checked, ok := p.photoChecked[userID]
	return ok && time.Since(checked) < ttl
}

func (p *Provisioner) markPhotoChecked(userID int64) {
	p.photoCheckedMu.Lock()
	defer p.photoCheckedMu.Unlock()
	if p.photoChecked == nil {
		p.photoChecked = make(map[int64]time.Time)
	}
	p.photoChecked[userID] = time.Now()
}

// SyncProfile brings the ghost's display name and avatar up to date with the
// sender's Telegram profile. A sender seen for the first time has its ghost
// registered and its profile set. Failures are logged and never block the
// send.
func (p *Provisioner) SyncProfile(ctx context.Context, sender *GroupSender) *GhostProfile {
	log := zerolog.Ctx(ctx)
	profile, cached, err := p.Profile(ctx, sender)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve ghost profile")
		return &GhostProfile{
			UserID:      p.Config.GhostUserID(sender.ID),
			TelegramID:  sender.ID,
			Displayname: p.Config.Bridge.FormatDisplayname(sender.DisplaynameParams()),
		}
	}
	if cached == nil {
		// The ghost may already be in the room from an earlier install, in
		// which case no send will ever be rejected to trigger EnsureGhost.
		if err = p.Room.RegisterGhost(ctx, profile.UserID); err != nil {
			log.Warn().Err(err).Stringer("ghost", profile.UserID).Msg("Failed to register ghost")
			return profile
		}
	}
	p.updateProfile(ctx, profile, cached)
	return profile
}

// updateProfile pushes the fields of profile that differ from cached to the
// ghost. The cache is written for the fields that were updated successfully,
// and is created if cached is nil.
func (p *Provisioner) updateProfile(ctx context.Context, profile *GhostProfile, cached *database.TelegramUser) {
	log := zerolog.Ctx(ctx).With().Stringer("ghost", profile.UserID).Logger()
	changed := cached == nil
	if cached == nil {
		cached = &database.TelegramUser{UserID: profile.TelegramID}
	}
	if cached.Displayname != profile.Displayname {
		if err := p.Room.SetDisplayName(ctx, profile.UserID, profile.Displayname); err != nil {
			log.Warn().Err(err).Msg("Failed to update ghost display name")
		} else {
			cached.Displayname = profile.Displayname
			changed = true
			p.Metrics.ProfileUpdates.Inc()
		}
	}
	if cached.PhotoID != profile.PhotoID {
		if err := p.setAvatar(ctx, profile); err != nil {
			log.Warn().Err(err).Msg("Failed to update ghost avatar")
		} else {
			cached.PhotoID = profile.PhotoID
			changed = true
			p.Metrics.ProfileUpdates.Inc()
		}
	}
	if changed {
		if err := p.DB.TelegramUser.Upsert(ctx, cached); err != nil {
			log.Warn().Err(err).Msg("Failed to save telegram user")
		}
	}
}

// EnsureGhost registers the ghost, joins it to the room and brings its
// profile up to date. Registration and join failures abort provisioning; a
// missing or broken profile photo doesn't.
func (p *Provisioner) EnsureGhost(ctx context.Context, roomID id.RoomID, profile *GhostProfile) error {
	log := zerolog.Ctx(ctx).With().Stringer("ghost", profile.UserID).Logger()
	if err := p.Room.RegisterGhost(ctx, profile.UserID); err != nil {
		return fmt.Errorf("failed to register ghost: %w", err)
	}
	if err := p.Room.JoinRoom(ctx, roomID, profile.UserID); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	cached, err := p.DB.TelegramUser.Get(ctx, profile.TelegramID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get cached telegram user")
		cached = nil
	}
	p.updateProfile(log.WithContext(ctx), profile, cached)
	log.Info().Stringer("room_id", roomID).Msg("Provisioned ghost")
	return nil
}

func (p *Provisioner) setAvatar(ctx context.Context, profile *GhostProfile) error {
	if profile.PhotoID == "" {
		return p.Room.SetAvatar(ctx, profile.UserID, "")
	}
	data, err := p.Group.GetFile(ctx, profile.PhotoID)
	if err != nil {
		return fmt.Errorf("failed to download profile photo: %w", err)
	}
	uri, err := p.Room.UploadMedia(ctx, data, media.Detect(data, "image/jpeg"))
	if err != nil {
		return fmt.Errorf("failed to upload profile photo: %w", err)
	}
	return p.Room.SetAvatar(ctx, profile.UserID, uri)
}

// SendAsGhost sends content to the room as the ghost. If the send is
// rejected for lack of permission, the ghost is provisioned and the send is
// replayed exactly once with a fresh transaction ID. Any remaining failure is
// a delivery failure.
func (p *Provisioner) SendAsGhost(ctx context.Context, roomID id.RoomID, profile *GhostProfile, txnID string, content *event.MessageEventContent) (id.EventID, error) {
	eventID, err := p.Room.SendMessage(ctx, roomID, profile.UserID, txnID, content)
	if err == nil {
		return eventID, nil
	} else if !errors.Is(err, ErrPermissionDenied) {
		return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	zerolog.Ctx(ctx).Debug().Err(err).Stringer("ghost", profile.UserID).Msg("Send was rejected, provisioning ghost")
	if err = p.EnsureGhost(ctx, roomID, profile); err != nil {
		p.Metrics.Provisions.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	p.Metrics.Provisions.WithLabelValues("success").Inc()
	eventID, err = p.Room.SendMessage(ctx, roomID, profile.UserID, ReplayTransactionID(txnID), content)
	if err != nil {
		return "", fmt.Errorf("%w: replay after provisioning failed: %w", ErrDeliveryFailed, err)
	}
	return eventID, nil
}
