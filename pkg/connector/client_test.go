// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/telematrix/pkg/connector/media"
)

const testBotToken = "123:abc"

// fakeBotAPI is a minimal Telegram Bot API. Responses are keyed by method
// name; every request is recorded with its form values.
type fakeBotAPI struct {
	mu        sync.Mutex
	requests  []botRequest
	responses map[string]string
	files     map[string][]byte
}

type botRequest struct {
	Method string
	Form   map[string]string
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	t.Helper()
	api := &fakeBotAPI{
		responses: map[string]string{
			"getMe":       `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Bridge","username":"telematrix_bot"}}`,
			"sendMessage": `{"ok":true,"result":{"message_id":501,"date":0,"chat":{"id":-1001,"type":"supergroup"}}}`,
			"sendPhoto":   `{"ok":true,"result":{"message_id":502,"date":0,"chat":{"id":-1001,"type":"supergroup"}}}`,
			"sendSticker": `{"ok":true,"result":{"message_id":503,"date":0,"chat":{"id":-1001,"type":"supergroup"}}}`,
			"getFile":     `{"ok":true,"result":{"file_id":"f1","file_path":"photos/f1.jpg","file_size":3}}`,
			"getUserProfilePhotos": `{"ok":true,"result":{"total_count":1,"photos":[[` +
				`{"file_id":"small","width":160,"height":160},{"file_id":"big","width":640,"height":640}]]}}`,
		},
		files: map[string][]byte{"photos/f1.jpg": []byte("jpg")},
	}
	srv := httptest.NewServer(http.HandlerFunc(api.serveHTTP))
	t.Cleanup(srv.Close)
	return api, srv
}

func (api *fakeBotAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if path, ok := strings.CutPrefix(r.URL.Path, "/file/bot"+testBotToken+"/"); ok {
		data, found := api.files[path]
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
		return
	}
	method, ok := strings.CutPrefix(r.URL.Path, "/bot"+testBotToken+"/")
	if !ok {
		http.Error(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(1 << 20)
	} else {
		_ = r.ParseForm()
	}
	form := make(map[string]string)
	for key, values := range r.Form {
		form[key] = values[0]
	}
	api.mu.Lock()
	api.requests = append(api.requests, botRequest{Method: method, Form: form})
	resp, found := api.responses[method]
	api.mu.Unlock()
	if !found {
		resp = `{"ok":false,"error_code":404,"description":"Not Found: method not found"}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(resp))
}

func (api *fakeBotAPI) setResponse(method, body string) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.responses[method] = body
}

func (api *fakeBotAPI) requestsTo(method string) []botRequest {
	api.mu.Lock()
	defer api.mu.Unlock()
	var out []botRequest
	for _, req := range api.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func newTestTelegramClient(t *testing.T) (*TelegramClient, *fakeBotAPI) {
	t.Helper()
	api, srv := newFakeBotAPI(t)
	client, err := NewTelegramClient(TelegramConfig{
		BotToken:     testBotToken,
		APIEndpoint:  srv.URL + "/bot%s/%s",
		FileEndpoint: srv.URL + "/file/bot%s/%s",
		PollTimeout:  1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTelegramClient: %v", err)
	}
	return client, api
}

func TestNewTelegramClient(t *testing.T) {
	t.Parallel()
	client, _ := newTestTelegramClient(t)
	if client.Bot.Self.UserName != "telematrix_bot" || client.Bot.Self.ID != 99 {
		t.Errorf("bot identity: got %+v", client.Bot.Self)
	}
}

func TestNewTelegramClient_BadToken(t *testing.T) {
	t.Parallel()
	_, srv := newFakeBotAPI(t)
	_, err := NewTelegramClient(TelegramConfig{BotToken: "wrong", APIEndpoint: srv.URL + "/bot%s/%s"}, zerolog.Nop())
	if err == nil {
		t.Fatal("NewTelegramClient should fail with a bad token")
	}
}

func TestTelegramClient_SendText(t *testing.T) {
	t.Parallel()
	client, api := newTestTelegramClient(t)

	msgID, err := client.SendText(context.Background(), -1001, "<b>alice:</b> hi", 7)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if msgID != 501 {
		t.Errorf("message ID: got %d, want 501", msgID)
	}
	reqs := api.requestsTo("sendMessage")
	if len(reqs) != 1 {
		t.Fatalf("sendMessage requests: got %d", len(reqs))
	}
	form := reqs[0].Form
	if form["chat_id"] != "-1001" || form["text"] != "<b>alice:</b> hi" || form["parse_mode"] != "HTML" {
		t.Errorf("form: got %v", form)
	}
	if form["reply_to_message_id"] != "7" || form["allow_sending_without_reply"] != "true" {
		t.Errorf("reply params: got %v", form)
	}
}

func TestTelegramClient_SendErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		response       string
		wantPermission bool
	}{
		{"forbidden", `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the supergroup chat"}`, true},
		{"bad request", `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, api := newTestTelegramClient(t)
			api.setResponse("sendMessage", tt.response)
			_, err := client.SendText(context.Background(), -1001, "hi", 0)
			if !errors.Is(err, ErrDeliveryFailed) {
				t.Fatalf("got %v, want ErrDeliveryFailed", err)
			}
			if errors.Is(err, ErrPermissionDenied) != tt.wantPermission {
				t.Errorf("ErrPermissionDenied: got %v, want %v", errors.Is(err, ErrPermissionDenied), tt.wantPermission)
			}
		})
	}
}

func TestTelegramClient_SendMedia(t *testing.T) {
	t.Parallel()
	client, api := newTestTelegramClient(t)
	file := &media.File{Kind: media.KindImage, Name: "cat.png", MimeType: "image/png", Data: []byte("png")}

	msgID, err := client.SendMedia(context.Background(), -1001, file, "alice sent an image", 0)
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if msgID != 502 {
		t.Errorf("message ID: got %d, want 502", msgID)
	}
	reqs := api.requestsTo("sendPhoto")
	if len(reqs) != 1 || reqs[0].Form["caption"] != "alice sent an image" {
		t.Errorf("sendPhoto requests: got %+v", reqs)
	}
}

func TestTelegramClient_StickerCaptionSentFirst(t *testing.T) {
	t.Parallel()
	client, api := newTestTelegramClient(t)
	file := &media.File{Kind: media.KindSticker, Name: "s.webp", MimeType: "image/webp", Data: []byte("webp")}

	msgID, err := client.SendMedia(context.Background(), -1001, file, "alice sent a sticker", 0)
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if msgID != 503 {
		t.Errorf("message ID should be the sticker's: got %d", msgID)
	}
	if n := len(api.requestsTo("sendMessage")); n != 1 {
		t.Errorf("caption messages: got %d, want 1", n)
	}
}

func TestTelegramClient_GetFile(t *testing.T) {
	t.Parallel()
	client, _ := newTestTelegramClient(t)
	data, err := client.GetFile(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if string(data) != "jpg" {
		t.Errorf("data: got %q", data)
	}
}

func TestTelegramClient_GetFileMissing(t *testing.T) {
	t.Parallel()
	client, api := newTestTelegramClient(t)
	api.setResponse("getFile", `{"ok":true,"result":{"file_id":"gone","file_path":"photos/gone.jpg"}}`)
	if _, err := client.GetFile(context.Background(), "gone"); err == nil {
		t.Error("GetFile should fail when the download 404s")
	}
}

func TestTelegramClient_GetProfilePhotoID(t *testing.T) {
	t.Parallel()
	client, api := newTestTelegramClient(t)
	photoID, err := client.GetProfilePhotoID(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetProfilePhotoID: %v", err)
	}
	if photoID != "big" {
		t.Errorf("photo ID: got %q, want the largest size", photoID)
	}

	api.setResponse("getUserProfilePhotos", `{"ok":true,"result":{"total_count":0,"photos":[]}}`)
	if photoID, err = client.GetProfilePhotoID(context.Background(), 43); err != nil || photoID != "" {
		t.Errorf("no photos: got %q, %v", photoID, err)
	}
}
