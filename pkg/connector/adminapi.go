// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// maxReloadBodySize is the maximum allowed request body for chat reload (1 MB).
const maxReloadBodySize = 1 << 20

// AdminAPI serves the operator endpoints: chat reloads, the link listing and
// Prometheus metrics.
type AdminAPI struct {
	Chats    *ChatRegistry
	Gatherer prometheus.Gatherer

	log zerolog.Logger
}

func NewAdminAPI(chats *ChatRegistry, gatherer prometheus.Gatherer, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		Chats:    chats,
		Gatherer: gatherer,
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

func (api *AdminAPI) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/reload-chats", api.HandleReloadChats)
	mux.HandleFunc("GET /api/links", api.HandleListLinks)
	mux.HandleFunc("DELETE /api/links/{chatID}", api.HandleUnlinkChat)
	mux.HandleFunc("GET /api/rooms/{roomID}/links", api.HandleRoomLinks)
	if api.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Server returns the admin HTTP server listening on addr.
func (api *AdminAPI) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      api.Mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HandleReloadChats is an HTTP handler for POST /api/reload-chats. It
// accepts an optional JSON array of chats; if the body is empty or absent,
// the chats are re-read from the config file.
func (api *AdminAPI) HandleReloadChats(w http.ResponseWriter, r *http.Request) {
	var entries []PreconfiguredChat
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err = json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}

	source := "config"
	if entries != nil {
		source = "body"
	}
	api.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Chat reload requested")

	var added, removed int
	if entries != nil {
		added, removed = api.Chats.ReloadFromEntries(r.Context(), entries)
	} else {
		var err error
		added, removed, err = api.Chats.Reload(r.Context())
		if err != nil {
			api.log.Err(err).Msg("Failed to reload chats from config")
			http.Error(w, "failed to reload config", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   api.Chats.Count(),
	})
}

type linkInfo struct {
	ChatID        int64     `json:"chat_id"`
	RoomID        id.RoomID `json:"room_id,omitempty"`
	Preconfigured bool      `json:"preconfigured"`
	Active        bool      `json:"active"`
}

// HandleListLinks is an HTTP handler for GET /api/links. It lists the active
// links followed by pre-configured chats that have no active link.
func (api *AdminAPI) HandleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := api.Chats.DB.ChatLink.GetAllActive(r.Context())
	if err != nil {
		api.log.Err(err).Msg("Failed to list links")
		http.Error(w, "failed to list links", http.StatusInternalServerError)
		return
	}
	out := make([]linkInfo, 0, len(links))
	linked := make(map[int64]struct{}, len(links))
	for _, link := range links {
		_, preconfigured := api.Chats.Get(link.ChatID)
		out = append(out, linkInfo{
			ChatID:        link.ChatID,
			RoomID:        link.RoomID,
			Preconfigured: preconfigured,
			Active:        true,
		})
		linked[link.ChatID] = struct{}{}
	}
	for _, chat := range api.Chats.All() {
		if _, ok := linked[chat.ChatID]; !ok {
			out = append(out, linkInfo{ChatID: chat.ChatID, RoomID: chat.RoomID, Preconfigured: true})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleUnlinkChat is an HTTP handler for DELETE /api/links/{chatID}. It
// removes every link of the chat. A pre-configured chat stays in the registry
// and is linked again on the next reload if it names a room.
func (api *AdminAPI) HandleUnlinkChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chatID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chat ID", http.StatusBadRequest)
		return
	}
	if err = api.Chats.DB.ChatLink.DeleteByChat(r.Context(), chatID); err != nil {
		api.log.Err(err).Int64("chat_id", chatID).Msg("Failed to unlink chat")
		http.Error(w, "failed to unlink chat", http.StatusInternalServerError)
		return
	}
	_, preconfigured := api.Chats.Get(chatID)
	api.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int64("chat_id", chatID).
		Msg("Unlinked chat")
	writeJSON(w, http.StatusOK, linkInfo{ChatID: chatID, Preconfigured: preconfigured})
}

// HandleRoomLinks is an HTTP handler for GET /api/rooms/{roomID}/links. It
// lists every link of a room, including the inactive ones left by earlier
// alias changes.
func (api *AdminAPI) HandleRoomLinks(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(r.PathValue("roomID"))
	links, err := api.Chats.DB.ChatLink.GetAllByRoom(r.Context(), roomID)
	if err != nil {
		api.log.Err(err).Stringer("room_id", roomID).Msg("Failed to list room links")
		http.Error(w, "failed to list room links", http.StatusInternalServerError)
		return
	}
	out := make([]linkInfo, 0, len(links))
	for _, link := range links {
		_, preconfigured := api.Chats.Get(link.ChatID)
		out = append(out, linkInfo{
			ChatID:        link.ChatID,
			RoomID:        link.RoomID,
			Preconfigured: preconfigured,
			Active:        link.Active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
