// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/media"
)

// RoomEvent is a decoded Matrix event. The concrete type is one of
// *AliasChangeEvent, *RoomMessageEvent or *MembershipEvent.
type RoomEvent interface {
	Base() *RoomEventBase
	roomEvent()
}

// RoomEventBase holds the fields shared by all Matrix events.
type RoomEventBase struct {
	ID     id.EventID
	RoomID id.RoomID
	Sender id.UserID
	Type   event.Type
	Age    time.Duration
}

func (b *RoomEventBase) Base() *RoomEventBase { return b }
func (*RoomEventBase) roomEvent()             {}

// AliasChangeEvent is an m.room.aliases or m.room.canonical_alias event.
type AliasChangeEvent struct {
	RoomEventBase
	// Server is the state key of m.room.aliases, empty for canonical aliases.
	Server  string
	Aliases []id.RoomAlias
}

// MessageKind is the content kind of a Matrix message.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindNotice  MessageKind = "notice"
	KindEmote   MessageKind = "emote"
	KindImage   MessageKind = "image"
	KindAudio   MessageKind = "audio"
	KindVideo   MessageKind = "video"
	KindFile    MessageKind = "file"
	KindSticker MessageKind = "sticker"
)

var messageKinds = map[event.MessageType]MessageKind{
	event.MsgText:   KindText,
	event.MsgNotice: KindNotice,
	event.MsgEmote:  KindEmote,
	event.MsgImage:  KindImage,
	event.MsgAudio:  KindAudio,
	event.MsgVideo:  KindVideo,
	event.MsgFile:   KindFile,
}

// MediaKind returns the media relay kind of a Matrix attachment.
func (k MessageKind) MediaKind() (media.Kind, bool) {
	switch k {
	case KindImage:
		return media.KindImage, true
	case KindAudio:
		return media.KindAudio, true
	case KindVideo:
		return media.KindVideo, true
	case KindFile:
		return media.KindFile, true
	case KindSticker:
		return media.KindSticker, true
	default:
		return "", false
	}
}

// RoomMessageEvent is an m.room.message or m.sticker event.
type RoomMessageEvent struct {
	RoomEventBase
	Kind    MessageKind
	Content *event.MessageEventContent
}

// MembershipEvent is an m.room.member event.
type MembershipEvent struct {
	RoomEventBase
	UserID  id.UserID
	Content *event.MemberEventContent
	Prev    *event.MemberEventContent
}

type rawRoomEvent struct {
	Type     string          `json:"type"`
	ID       id.EventID      `json:"event_id"`
	RoomID   id.RoomID       `json:"room_id"`
	Sender   id.UserID       `json:"sender"`
	UserID   id.UserID       `json:"user_id"`
	StateKey *string         `json:"state_key"`
	Content  json.RawMessage `json:"content"`
	Age      *int64          `json:"age"`

	PrevContent json.RawMessage `json:"prev_content"`
	Unsigned    struct {
		Age         *int64          `json:"age"`
		PrevContent json.RawMessage `json:"prev_content"`
	} `json:"unsigned"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// DecodeRoomEvent decodes one event of an appservice transaction. Event
// types the bridge does not handle decode to nil without an error. Events
// missing required fields return ErrMalformedEvent.
func DecodeRoomEvent(data json.RawMessage) (RoomEvent, error) {
	var raw rawRoomEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if raw.Type == "" {
		return nil, malformed("missing type")
	}
	base := RoomEventBase{
		ID:     raw.ID,
		RoomID: raw.RoomID,
		Sender: raw.Sender,
	}
	if base.Sender == "" {
		base.Sender = raw.UserID
	}
	if raw.Unsigned.Age != nil {
		base.Age = time.Duration(*raw.Unsigned.Age) * time.Millisecond
	} else if raw.Age != nil {
		base.Age = time.Duration(*raw.Age) * time.Millisecond
	}
	prevContent := raw.Unsigned.PrevContent
	if len(prevContent) == 0 {
		prevContent = raw.PrevContent
	}

	switch raw.Type {
	case event.StateAliases.Type:
		base.Type = event.StateAliases
		if raw.StateKey == nil {
			return nil, malformed("m.room.aliases without state_key")
		}
		var content struct {
			Aliases []id.RoomAlias `json:"aliases"`
		}
		if err := decodeContent(raw.Content, &content); err != nil {
			return nil, err
		}
		return finishRoomEvent(&AliasChangeEvent{RoomEventBase: base, Server: *raw.StateKey, Aliases: content.Aliases})
	case event.StateCanonicalAlias.Type:
		base.Type = event.StateCanonicalAlias
		var content event.CanonicalAliasEventContent
		if err := decodeContent(raw.Content, &content); err != nil {
			return nil, err
		}
		var aliases []id.RoomAlias
		if content.Alias != "" {
			aliases = append(aliases, content.Alias)
		}
		aliases = append(aliases, content.AltAliases...)
		return finishRoomEvent(&AliasChangeEvent{RoomEventBase: base, Aliases: aliases})
	case event.EventMessage.Type, event.EventSticker.Type:
		var content event.MessageEventContent
		if err := decodeContent(raw.Content, &content); err != nil {
			return nil, err
		}
		msg := &RoomMessageEvent{RoomEventBase: base, Content: &content}
		if raw.Type == event.EventSticker.Type {
			msg.Type = event.EventSticker
			msg.Kind = KindSticker
		} else {
			msg.Type = event.EventMessage
			if content.MsgType == "" {
				return nil, malformed("m.room.message without msgtype")
			}
			kind, ok := messageKinds[content.MsgType]
			if !ok {
				return nil, nil
			}
			msg.Kind = kind
		}
		if msg.Kind.isMedia() && content.URL == "" {
			return nil, malformed("%s message without url", msg.Kind)
		}
		if msg.Sender == "" {
			return nil, malformed("message without sender")
		}
		return finishRoomEvent(msg)
	case event.StateMember.Type:
		base.Type = event.StateMember
		if raw.StateKey == nil || *raw.StateKey == "" {
			return nil, malformed("m.room.member without state_key")
		}
		var content event.MemberEventContent
		if err := decodeContent(raw.Content, &content); err != nil {
			return nil, err
		}
		if content.Membership == "" {
			return nil, malformed("m.room.member without membership")
		}
		member := &MembershipEvent{RoomEventBase: base, UserID: id.UserID(*raw.StateKey), Content: &content}
		if len(prevContent) > 0 && string(prevContent) != "null" {
			var prev event.MemberEventContent
			if err := json.Unmarshal(prevContent, &prev); err == nil {
				member.Prev = &prev
			}
		}
		return finishRoomEvent(member)
	default:
		return nil, nil
	}
}

func (k MessageKind) isMedia() bool {
	_, ok := k.MediaKind()
	return ok
}

func decodeContent(data json.RawMessage, into any) error {
	if len(data) == 0 || string(data) == "null" {
		return malformed("missing content")
	}
	if err := json.Unmarshal(data, into); err != nil {
		return malformed("invalid content: %v", err)
	}
	return nil
}

func finishRoomEvent(evt RoomEvent) (RoomEvent, error) {
	if evt.Base().RoomID == "" {
		return nil, malformed("missing room_id")
	}
	return evt, nil
}

// GroupEvent is a decoded Telegram update. The concrete type is one of
// *CommandEvent, *GroupTextEvent or *GroupMediaEvent.
type GroupEvent interface {
	Base() *GroupEventBase
	groupEvent()
}

// GroupSender is the Telegram user that sent a message.
type GroupSender struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

func senderFromUser(user *tgbotapi.User) *GroupSender {
	if user == nil {
		return nil
	}
	return &GroupSender{ID: user.ID, FirstName: user.FirstName, LastName: user.LastName, Username: user.UserName}
}

// DisplaynameParams returns the template parameters for the sender.
func (s *GroupSender) DisplaynameParams() DisplaynameParams {
	return DisplaynameParams{ID: s.ID, FirstName: s.FirstName, LastName: s.LastName, Username: s.Username}
}

// GroupEventBase holds the fields shared by all Telegram events.
type GroupEventBase struct {
	ChatID    int64
	MessageID int
	Sender    *GroupSender
	Date      time.Time
}

func (b *GroupEventBase) Base() *GroupEventBase { return b }
func (*GroupEventBase) groupEvent()             {}

// CommandEvent is a bot command the bridge answers itself.
type CommandEvent struct {
	GroupEventBase
	Command string
}

// QuotedMessage is the reply target Telegram sends inline with a reply.
type QuotedMessage struct {
	MessageID int
	Sender    *GroupSender
	Text      string
	Date      time.Time
}

// ForwardOrigin is the inline forwarding metadata of a forwarded message.
type ForwardOrigin struct {
	// User is set when the original author allows linking to their account.
	User *GroupSender
	// Name is the hidden sender name or the source chat title otherwise.
	Name string
	Date time.Time
}

// GroupTextEvent is a text message.
type GroupTextEvent struct {
	GroupEventBase
	Text     string
	Entities []tgbotapi.MessageEntity
	ReplyTo  *QuotedMessage
	Forward  *ForwardOrigin
}

// GroupMediaEvent is a photo, sticker, audio, voice, document, video or
// animation message.
type GroupMediaEvent struct {
	GroupEventBase
	Kind            media.Kind
	FileID          string
	FileName        string
	MimeType        string
	Width           int
	Height          int
	Caption         string
	CaptionEntities []tgbotapi.MessageEntity
	ReplyTo         *QuotedMessage
}

// Commands the bridge answers on the Telegram side.
const CommandAlias = "alias"

// DecodeGroupUpdate decodes a Telegram update. Updates the bridge does not
// handle decode to nil without an error.
func DecodeGroupUpdate(update tgbotapi.Update) (GroupEvent, error) {
	msg := update.Message
	if msg == nil {
		return nil, nil
	}
	if msg.Chat == nil {
		return nil, malformed("message %d without chat", msg.MessageID)
	}
	base := GroupEventBase{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Sender:    senderFromUser(msg.From),
		Date:      time.Unix(int64(msg.Date), 0),
	}
	if msg.IsCommand() && strings.EqualFold(msg.Command(), CommandAlias) {
		return &CommandEvent{GroupEventBase: base, Command: CommandAlias}, nil
	}
	if base.Sender == nil {
		return nil, malformed("message %d without sender", msg.MessageID)
	}
	reply := quotedFromMessage(msg.ReplyToMessage)

	if msg.Text != "" {
		return &GroupTextEvent{
			GroupEventBase: base,
			Text:           msg.Text,
			Entities:       msg.Entities,
			ReplyTo:        reply,
			Forward:        forwardFromMessage(msg),
		}, nil
	}

	evt := &GroupMediaEvent{
		GroupEventBase:  base,
		Caption:         msg.Caption,
		CaptionEntities: msg.CaptionEntities,
		ReplyTo:         reply,
	}
	switch {
	case len(msg.Photo) > 0:
		largest := largestPhoto(msg.Photo)
		evt.Kind = media.KindImage
		evt.FileID = largest.FileID
		evt.Width, evt.Height = largest.Width, largest.Height
	case msg.Sticker != nil:
		evt.Kind = media.KindSticker
		evt.FileID = msg.Sticker.FileID
		evt.Width, evt.Height = msg.Sticker.Width, msg.Sticker.Height
		if msg.Sticker.IsAnimated {
			evt.MimeType = "application/x-tgsticker"
		} else {
			evt.MimeType = "image/webp"
		}
	case msg.Animation != nil:
		evt.Kind = media.KindAnimation
		evt.FileID = msg.Animation.FileID
		evt.FileName = msg.Animation.FileName
		evt.MimeType = msg.Animation.MimeType
		evt.Width, evt.Height = msg.Animation.Width, msg.Animation.Height
	case msg.Video != nil:
		evt.Kind = media.KindVideo
		evt.FileID = msg.Video.FileID
		evt.FileName = msg.Video.FileName
		evt.MimeType = msg.Video.MimeType
		evt.Width, evt.Height = msg.Video.Width, msg.Video.Height
	case msg.Audio != nil:
		evt.Kind = media.KindAudio
		evt.FileID = msg.Audio.FileID
		evt.FileName = msg.Audio.FileName
		evt.MimeType = msg.Audio.MimeType
	case msg.Voice != nil:
		evt.Kind = media.KindVoice
		evt.FileID = msg.Voice.FileID
		evt.MimeType = msg.Voice.MimeType
	case msg.Document != nil:
		evt.Kind = media.KindFile
		evt.FileID = msg.Document.FileID
		evt.FileName = msg.Document.FileName
		evt.MimeType = msg.Document.MimeType
	default:
		return nil, nil
	}
	if evt.FileID == "" {
		return nil, malformed("%s message %d without file_id", evt.Kind, msg.MessageID)
	}
	return evt, nil
}

func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[len(sizes)-1]
	for _, size := range sizes {
		if size.Width*size.Height > best.Width*best.Height {
			best = size
		}
	}
	return best
}

func quotedFromMessage(msg *tgbotapi.Message) *QuotedMessage {
	if msg == nil {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return &QuotedMessage{
		MessageID: msg.MessageID,
		Sender:    senderFromUser(msg.From),
		Text:      text,
		Date:      time.Unix(int64(msg.Date), 0),
	}
}

func forwardFromMessage(msg *tgbotapi.Message) *ForwardOrigin {
	if msg.ForwardDate == 0 && msg.ForwardFrom == nil && msg.ForwardSenderName == "" && msg.ForwardFromChat == nil {
		return nil
	}
	origin := &ForwardOrigin{
		User: senderFromUser(msg.ForwardFrom),
		Name: msg.ForwardSenderName,
		Date: time.Unix(int64(msg.ForwardDate), 0),
	}
	if origin.Name == "" && msg.ForwardFromChat != nil {
		origin.Name = msg.ForwardFromChat.Title
	}
	return origin
}
