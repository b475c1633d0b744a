// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// maxTransactionSize bounds the body of one appservice transaction (64 MB).
const maxTransactionSize = 64 << 20

// seenTransactionCount is how many transaction IDs are remembered for
// de-duplicating homeserver retries.
const seenTransactionCount = 256

// AppServiceHandler serves the homeserver-facing appservice API: event
// transactions, room alias queries and user queries.
type AppServiceHandler struct {
	Config *Config
	Router *Router
	Chats  *ChatRegistry

	// txnLock makes transactions run one after another.
	txnLock  sync.Mutex
	seenTxns *exsync.RingBuffer[string, struct{}]
	log      zerolog.Logger
}

func NewAppServiceHandler(cfg *Config, router *Router, chats *ChatRegistry, log zerolog.Logger) *AppServiceHandler {
	return &AppServiceHandler{
		Config:   cfg,
		Router:   router,
		Chats:    chats,
		seenTxns: exsync.NewRingBuffer[string, struct{}](seenTransactionCount),
		log:      log.With().Str("component", "appservice").Logger(),
	}
}

// Mux returns the routes of the appservice API, including the legacy
// unprefixed paths that older homeservers call.
func (ash *AppServiceHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		mux.HandleFunc("PUT "+prefix+"/transactions/{txnID}", ash.auth(ash.HandleTransaction))
		mux.HandleFunc("GET "+prefix+"/rooms/{alias}", ash.auth(ash.HandleRoomQuery))
		mux.HandleFunc("GET "+prefix+"/users/{userID}", ash.auth(ash.HandleUserQuery))
	}
	mux.HandleFunc("POST /_matrix/app/v1/ping", ash.auth(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct{}{})
	}))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code mautrix.RespError, message string) {
	writeJSON(w, status, &mautrix.RespError{ErrCode: code.ErrCode, Err: message})
}

// auth checks the hs_token, sent either as a bearer token or as the legacy
// access_token query parameter.
func (ash *AppServiceHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, mautrix.MUnknownToken, "Missing access token")
			return
		} else if subtle.ConstantTimeCompare([]byte(token), []byte(ash.Config.AppService.HSToken)) != 1 {
			writeError(w, http.StatusForbidden, mautrix.MForbidden, "Invalid access token")
			return
		}
		next(w, r)
	}
}

type transaction struct {
	Events []json.RawMessage `json:"events"`
}

// HandleTransaction handles PUT /transactions/{txnID}. Once the body is
// decoded the transaction is always acknowledged, whatever happened to the
// individual events. Retried transaction IDs are acknowledged without
// handling them again.
func (ash *AppServiceHandler) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnID")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTransactionSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, mautrix.MTooLarge, "Transaction too large")
		return
	}
	var txn transaction
	if err = json.Unmarshal(body, &txn); err != nil {
		writeError(w, http.StatusBadRequest, mautrix.MNotJSON, "Invalid transaction body")
		return
	}

	ash.txnLock.Lock()
	defer ash.txnLock.Unlock()
	if ash.seenTxns.Contains(txnID) {
		ash.log.Debug().Str("txn_id", txnID).Msg("Ignoring duplicate transaction")
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	ash.Router.HandleRoomTransaction(r.Context(), txnID, txn.Events)
	ash.seenTxns.Push(txnID, struct{}{})
	writeJSON(w, http.StatusOK, struct{}{})
}

// HandleRoomQuery handles GET /rooms/{alias}. Bridge aliases of
// pre-configured chats get a room created on demand and linked to the chat.
func (ash *AppServiceHandler) HandleRoomQuery(w http.ResponseWriter, r *http.Request) {
	alias := id.RoomAlias(r.PathValue("alias"))
	log := ash.log.With().Stringer("alias", alias).Logger()
	chatID, ok := ash.Config.ParseChatAlias(alias)
	if !ok {
		writeError(w, http.StatusNotFound, mautrix.MNotFound, "Not a bridge alias")
		return
	} else if _, ok = ash.Chats.Get(chatID); !ok {
		log.Debug().Int64("chat_id", chatID).Msg("Alias query for chat that isn't pre-configured")
		writeError(w, http.StatusNotFound, mautrix.MNotFound, "Chat is not bridged")
		return
	}
	roomID, err := ash.createChatRoom(r.Context(), chatID)
	if err != nil {
		log.Err(err).Int64("chat_id", chatID).Msg("Failed to create room for alias query")
		writeError(w, http.StatusInternalServerError, mautrix.MUnknown, "Failed to create room")
		return
	}
	log.Info().Int64("chat_id", chatID).Stringer("room_id", roomID).Msg("Created room for alias query")
	writeJSON(w, http.StatusOK, struct{}{})
}

func (ash *AppServiceHandler) createChatRoom(ctx context.Context, chatID int64) (id.RoomID, error) {
	ctx = context.WithoutCancel(ctx)
	roomID, err := ash.Router.Room.CreateRoom(ctx, ash.Config.AliasLocalpart(chatID))
	if err != nil {
		return "", err
	}
	if _, err = ash.Router.DB.ChatLink.Link(ctx, roomID, chatID); err != nil {
		return "", err
	}
	return roomID, nil
}

// HandleUserQuery handles GET /users/{userID}. Ghost IDs are registered on
// demand; everything else doesn't exist.
func (ash *AppServiceHandler) HandleUserQuery(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(r.PathValue("userID"))
	if _, ok := ash.Config.ParseGhostUserID(userID); !ok {
		writeError(w, http.StatusNotFound, mautrix.MNotFound, "Not a bridge ghost")
		return
	}
	if err := ash.Router.Room.RegisterGhost(context.WithoutCancel(r.Context()), userID); err != nil {
		ash.log.Err(err).Stringer("user_id", userID).Msg("Failed to register queried ghost")
		writeError(w, http.StatusInternalServerError, mautrix.MUnknown, "Failed to register user")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
