// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-Telegram bridge running as a Matrix
// application service next to a Telegram bot.
//
// Telegram users appear in Matrix as ghost users in the appservice
// namespace. Ghosts are provisioned lazily: a send that the homeserver
// rejects for lack of membership registers and joins the ghost and is then
// replayed once. Matrix users appear in Telegram through the bot, with their
// display name prefixed to each message.
//
// # Core Types
//
// [Router] is the entry point for inbound events from both sides. Matrix
// events arrive in appservice transactions through [AppServiceHandler];
// Telegram updates arrive through the long-polling [Poller].
//
// [Provisioner] manages ghost registration, room membership and profile
// sync.
//
// [RoomClient] and [GroupClient] abstract the two networks. [MatrixClient]
// and [TelegramClient] implement them for production use.
//
// [ChatRegistry] holds the pre-configured chats. It is reloaded when the
// config file changes or through the admin API at POST /api/reload-chats.
//
// # Echo Prevention
//
// Matrix events sent by the bridge bot or by any ghost are dropped before
// relaying. Telegram never delivers the bot's own messages to it, so no
// Telegram-side check is needed.
//
// # Sub-packages
//
//   - database stores chat links, display name caches and message correlations.
//   - matrixfmt converts Matrix message content to Telegram HTML.
//   - telegramfmt converts Telegram messages to Matrix HTML.
//   - media detects, converts and captions attachments.
package connector
