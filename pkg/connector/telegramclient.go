// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/telematrix/pkg/connector/media"
)

// TelegramClient implements GroupClient on top of the Telegram Bot API.
type TelegramClient struct {
	Bot *tgbotapi.BotAPI

	fileEndpoint string
	httpClient   *http.Client
	log          zerolog.Logger
}

var _ GroupClient = (*TelegramClient)(nil)

// setBotLogger installs the package-global telegram-bot-api logger once.
var setBotLogger sync.Once

// botLogger routes telegram-bot-api's internal logging into zerolog.
type botLogger struct {
	log zerolog.Logger
}

func (bl botLogger) Println(v ...any) {
	bl.log.Debug().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (bl botLogger) Printf(format string, v ...any) {
	bl.log.Debug().Msgf(format, v...)
}

// NewTelegramClient authenticates the bot against the Bot API. The HTTP
// client timeout covers the long-poll timeout.
func NewTelegramClient(cfg TelegramConfig, log zerolog.Logger) (*TelegramClient, error) {
	log = log.With().Str("component", "telegram_client").Logger()
	setBotLogger.Do(func() {
		_ = tgbotapi.SetLogger(botLogger{log: log})
	})
	apiEndpoint := cfg.APIEndpoint
	if apiEndpoint == "" {
		apiEndpoint = tgbotapi.APIEndpoint
	}
	fileEndpoint := cfg.FileEndpoint
	if fileEndpoint == "" {
		fileEndpoint = tgbotapi.FileEndpoint
	}
	httpClient := &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, apiEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate telegram bot: %w", err)
	}
	log.Info().Int64("bot_id", bot.Self.ID).Str("username", bot.Self.UserName).Msg("Authenticated telegram bot")
	return &TelegramClient{
		Bot:          bot,
		fileEndpoint: fileEndpoint,
		httpClient:   httpClient,
		log:          log,
	}, nil
}

func (tc *TelegramClient) send(c tgbotapi.Chattable) (int, error) {
	sent, err := tc.Bot.Send(c)
	if err != nil {
		if telegramErrorCode(err) == http.StatusForbidden {
			return 0, fmt.Errorf("%w: %w: %w", ErrDeliveryFailed, ErrPermissionDenied, err)
		}
		return 0, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return sent.MessageID, nil
}

func (tc *TelegramClient) SendText(_ context.Context, chatID int64, html string, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(chatID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyToMessageID = replyTo
	msg.AllowSendingWithoutReply = true
	return tc.send(msg)
}

// SendMedia sends the file with the method matching its kind. Stickers can't
// carry a caption, so it is sent as a text message first.
func (tc *TelegramClient) SendMedia(ctx context.Context, chatID int64, file *media.File, caption string, replyTo int) (int, error) {
	data := tgbotapi.FileBytes{Name: file.Name, Bytes: file.Data}
	var base *tgbotapi.BaseFile
	var c tgbotapi.Chattable
	switch file.Kind {
	case media.KindImage:
		photo := tgbotapi.NewPhoto(chatID, data)
		photo.Caption, photo.ParseMode = caption, tgbotapi.ModeHTML
		base, c = &photo.BaseFile, &photo
	case media.KindSticker:
		if caption != "" {
			if _, err := tc.SendText(ctx, chatID, caption, replyTo); err != nil {
				return 0, err
			}
		}
		sticker := tgbotapi.NewSticker(chatID, data)
		base, c = &sticker.BaseFile, &sticker
	case media.KindAnimation:
		animation := tgbotapi.NewAnimation(chatID, data)
		animation.Caption, animation.ParseMode = caption, tgbotapi.ModeHTML
		base, c = &animation.BaseFile, &animation
	case media.KindVideo:
		video := tgbotapi.NewVideo(chatID, data)
		video.Caption, video.ParseMode = caption, tgbotapi.ModeHTML
		base, c = &video.BaseFile, &video
	case media.KindAudio:
		audio := tgbotapi.NewAudio(chatID, data)
		audio.Caption, audio.ParseMode = caption, tgbotapi.ModeHTML
		base, c = &audio.BaseFile, &audio
	case media.KindVoice:
		voice := tgbotapi.NewVoice(chatID, data)
		voice.Caption, voice.ParseMode = caption, tgbotapi.ModeHTML
		base, c = &voice.BaseFile, &voice
	default:
		document := tgbotapi.NewDocument(chatID, data)
		document.Caption, document.ParseMode = caption, tgbotapi.ModeHTML
		base, c = &document.BaseFile, &document
	}
	base.ReplyToMessageID = replyTo
	base.AllowSendingWithoutReply = true
	return tc.send(c)
}

func telegramErrorCode(err error) int {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrValue tgbotapi.Error
	if errors.As(err, &apiErrValue) {
		return apiErrValue.Code
	}
	return 0
}

// GetFile downloads a file fully into memory.
func (tc *TelegramClient) GetFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := tc.Bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	tc.log.Debug().Str("file_id", fileID).Str("file_path", file.FilePath).Int("file_size", file.FileSize).Msg("Downloading file")
	url := fmt.Sprintf(tc.fileEndpoint, tc.Bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d downloading file", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

func (tc *TelegramClient) GetProfilePhotoID(_ context.Context, userID int64) (string, error) {
	photos, err := tc.Bot.GetUserProfilePhotos(tgbotapi.UserProfilePhotosConfig{UserID: userID, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("failed to get profile photos: %w", err)
	} else if len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", nil
	}
	return largestPhoto(photos.Photos[0]).FileID, nil
}
