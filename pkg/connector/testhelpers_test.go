// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/database"
	"github.com/aiku/telematrix/pkg/connector/media"
)

// roomCall records one RoomClient call.
type roomCall struct {
	Method  string
	RoomID  id.RoomID
	UserID  id.UserID
	TxnID   string
	Arg     string
	Content *event.MessageEventContent
}

// fakeRoom is an in-memory RoomClient. Ghosts must be joined before they can
// send when RequireJoin is set, like on a real homeserver.
type fakeRoom struct {
	mu    sync.Mutex
	calls []roomCall

	RequireJoin bool
	// DisplayNames answers GetDisplayName.
	DisplayNames map[id.UserID]string
	// Media maps content URIs to their data for DownloadMedia.
	Media map[id.ContentURIString][]byte
	// CreatedRoom is returned by CreateRoom.
	CreatedRoom id.RoomID

	SendErr     error
	RegisterErr error
	JoinErr     error
	UploadErr   error
	DownloadErr error
	ProfileErr  error

	joined  map[string]bool
	nextEvt int
	nextMXC int
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{
		DisplayNames: make(map[id.UserID]string),
		Media:        make(map[id.ContentURIString][]byte),
		CreatedRoom:  "!created:example.com",
		joined:       make(map[string]bool),
	}
}

var _ RoomClient = (*fakeRoom)(nil)

func (f *fakeRoom) record(c roomCall) {
	f.calls = append(f.calls, c)
}

func (f *fakeRoom) Calls() []roomCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]roomCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls of one method.
func (f *fakeRoom) CallsTo(method string) []roomCall {
	var out []roomCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Join marks the user as joined without recording a call.
func (f *fakeRoom) Join(roomID id.RoomID, userID id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[string(roomID)+"|"+string(userID)] = true
}

func (f *fakeRoom) GetDisplayName(_ context.Context, userID id.UserID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "GetDisplayName", UserID: userID})
	if f.ProfileErr != nil {
		return "", f.ProfileErr
	}
	return f.DisplayNames[userID], nil
}

func (f *fakeRoom) RegisterGhost(_ context.Context, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "RegisterGhost", UserID: userID})
	return f.RegisterErr
}

func (f *fakeRoom) JoinRoom(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "JoinRoom", RoomID: roomID, UserID: userID})
	if f.JoinErr != nil {
		return f.JoinErr
	}
	f.joined[string(roomID)+"|"+string(userID)] = true
	return nil
}

func (f *fakeRoom) SetDisplayName(_ context.Context, userID id.UserID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "SetDisplayName", UserID: userID, Arg: name})
	return nil
}

func (f *fakeRoom) SetAvatar(_ context.Context, userID id.UserID, uri id.ContentURIString) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "SetAvatar", UserID: userID, Arg: string(uri)})
	return nil
}

func (f *fakeRoom) UploadMedia(_ context.Context, data []byte, mimeType string) (id.ContentURIString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "UploadMedia", Arg: mimeType})
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.nextMXC++
	uri := id.ContentURIString(fmt.Sprintf("mxc://example.com/upload%d", f.nextMXC))
	f.Media[uri] = data
	return uri, nil
}

func (f *fakeRoom) SendMessage(_ context.Context, roomID id.RoomID, userID id.UserID, txnID string, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "SendMessage", RoomID: roomID, UserID: userID, TxnID: txnID, Content: content})
	if f.SendErr != nil {
		return "", f.SendErr
	}
	if f.RequireJoin && !f.joined[string(roomID)+"|"+string(userID)] {
		return "", fmt.Errorf("%w: M_FORBIDDEN: user not in room", ErrPermissionDenied)
	}
	f.nextEvt++
	return id.EventID(fmt.Sprintf("$event%d", f.nextEvt)), nil
}

func (f *fakeRoom) DownloadMedia(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "DownloadMedia", Arg: string(uri)})
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}
	data, ok := f.Media[uri]
	if !ok {
		return nil, errors.New("media not found")
	}
	return data, nil
}

func (f *fakeRoom) CreateRoom(_ context.Context, aliasLocalpart string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(roomCall{Method: "CreateRoom", Arg: aliasLocalpart})
	return f.CreatedRoom, nil
}

// groupSend records one GroupClient send.
type groupSend struct {
	ChatID  int64
	HTML    string
	ReplyTo int
	File    *media.File
}

// fakeGroup is an in-memory GroupClient.
type fakeGroup struct {
	mu    sync.Mutex
	sends []groupSend

	// Files maps file IDs to their data for GetFile.
	Files map[string][]byte
	// Photos maps Telegram user IDs to their profile photo file ID.
	Photos map[int64]string

	SendErr  error
	PhotoErr error

	nextID       int
	getFiles     []string
	photoLookups int
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		Files:  make(map[string][]byte),
		Photos: make(map[int64]string),
		nextID: 100,
	}
}

var _ GroupClient = (*fakeGroup)(nil)

func (f *fakeGroup) Sends() []groupSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]groupSend, len(f.sends))
	copy(cp, f.sends)
	return cp
}

func (f *fakeGroup) FileRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.getFiles...)
}

func (f *fakeGroup) send(s groupSend) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, s)
	if f.SendErr != nil {
		return 0, f.SendErr
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeGroup) SendText(_ context.Context, chatID int64, html string, replyTo int) (int, error) {
	return f.send(groupSend{ChatID: chatID, HTML: html, ReplyTo: replyTo})
}

func (f *fakeGroup) SendMedia(_ context.Context, chatID int64, file *media.File, caption string, replyTo int) (int, error) {
	return f.send(groupSend{ChatID: chatID, HTML: caption, ReplyTo: replyTo, File: file})
}

// PhotoLookups returns the number of GetProfilePhotoID calls.
func (f *fakeGroup) PhotoLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.photoLookups
}

func (f *fakeGroup) GetFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFiles = append(f.getFiles, fileID)
	data, ok := f.Files[fileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (f *fakeGroup) GetProfilePhotoID(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photoLookups++
	if f.PhotoErr != nil {
		return "", f.PhotoErr
	}
	return f.Photos[userID], nil
}

// noConverter reports ffmpeg as unavailable.
type noConverter struct{}

func (noConverter) Supported() bool { return false }

func (noConverter) ConvertBytes(context.Context, []byte, string, []string, []string, string) ([]byte, error) {
	return nil, media.ErrConverterUnavailable
}

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	uri := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_txlock=immediate&_busy_timeout=5000"
	raw, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db := database.New(raw)
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: "example.com"},
		AppService: AppServiceConfig{ID: "telematrix", HSToken: "hs-secret", ASToken: "as-secret"},
		Bridge: BridgeConfig{
			DisplaynameTemplate: "{{.FirstName}}{{if .LastName}} {{.LastName}}{{end}} (Telegram)",
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// testBridge bundles a router with its fakes.
type testBridge struct {
	Config *Config
	DB     *database.Database
	Room   *fakeRoom
	Group  *fakeGroup
	Router *Router
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	cfg := newTestConfig(t)
	db := newTestDB(t)
	room := newFakeRoom()
	group := newFakeGroup()
	router := NewRouter(cfg, db, room, group, NewMetrics(nil), zerolog.Nop())
	router.Converter = noConverter{}
	return &testBridge{Config: cfg, DB: db, Room: room, Group: group, Router: router}
}

// link creates an active link between room and chat.
func (tb *testBridge) link(t *testing.T, roomID id.RoomID, chatID int64) {
	t.Helper()
	if _, err := tb.DB.ChatLink.Link(context.Background(), roomID, chatID); err != nil {
		t.Fatalf("link: %v", err)
	}
}

// correlations returns the number of stored message correlations.
func (tb *testBridge) correlations(t *testing.T) int {
	t.Helper()
	n, err := tb.DB.Message.Count(context.Background())
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

func testSender() *GroupSender {
	return &GroupSender{ID: 42, FirstName: "Bob", LastName: "Smith", Username: "bobsmith"}
}
