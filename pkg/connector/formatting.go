// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/matrixfmt"
)

// The notices below are sent to Telegram as plain text, so every one of them
// returns escaped HTML.

func joinNotice(name string) string {
	return matrixfmt.EscapePlain("> " + name + " has joined the room")
}

func renameNotice(oldName, newName string) string {
	return matrixfmt.EscapePlain("> " + oldName + " changed their display name to " + newName)
}

func leaveNotice(name string) string {
	return matrixfmt.EscapePlain("< " + name + " has left the room")
}

func banNotice(name string) string {
	return matrixfmt.EscapePlain("<! " + name + " was banned from the room")
}

// aliasNotice answers the alias command.
func aliasNotice(alias id.RoomAlias) string {
	return "The Matrix alias for this chat is " + matrixfmt.EscapePlain(alias.String())
}
