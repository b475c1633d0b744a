// Copyright 2024-2026 Aiku AI

// Package telegramfmt converts Telegram messages to Matrix message content.
package telegramfmt

import (
	"html"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ParsedMessage holds the result of converting a Telegram message to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
	RelatesTo     *event.RelatesTo
}

// Content converts the parsed message to a Matrix m.text event content.
func (pm *ParsedMessage) Content() *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          pm.Body,
		Format:        pm.Format,
		FormattedBody: pm.FormattedBody,
		RelatesTo:     pm.RelatesTo,
	}
}

// HTML returns the formatted body, or the escaped plain body if the message
// has no formatting.
func (pm *ParsedMessage) HTML() string {
	if pm.Format == event.FormatHTML {
		return pm.FormattedBody
	}
	return escape(pm.Body)
}

// ReplyTarget is the Matrix location of a message that a Telegram message
// replies to.
type ReplyTarget struct {
	RoomID      id.RoomID
	EventID     id.EventID
	Displayname string
}

// Quote is the inline reply or forward metadata Telegram sends along with a
// message.
type Quote struct {
	Sender string
	Text   string
	Date   time.Time
}

const dateFormat = "2006-01-02 15:04:05"

func escape(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br />")
}

type entityTags struct {
	open  string
	close string
}

func tagsFor(entity tgbotapi.MessageEntity, text string) (entityTags, bool) {
	switch entity.Type {
	case "bold":
		return entityTags{"<strong>", "</strong>"}, true
	case "italic":
		return entityTags{"<em>", "</em>"}, true
	case "underline":
		return entityTags{"<u>", "</u>"}, true
	case "strikethrough":
		return entityTags{"<del>", "</del>"}, true
	case "spoiler":
		return entityTags{"<span data-mx-spoiler>", "</span>"}, true
	case "code":
		return entityTags{"<code>", "</code>"}, true
	case "pre":
		if entity.Language != "" {
			return entityTags{`<pre><code class="language-` + html.EscapeString(entity.Language) + `">`, "</code></pre>"}, true
		}
		return entityTags{"<pre><code>", "</code></pre>"}, true
	case "text_link":
		if !safeURL(entity.URL) {
			return entityTags{}, false
		}
		return entityTags{`<a href="` + html.EscapeString(entity.URL) + `">`, "</a>"}, true
	case "url":
		if !safeURL(text) {
			return entityTags{}, false
		}
		return entityTags{`<a href="` + html.EscapeString(text) + `">`, "</a>"}, true
	default:
		return entityTags{}, false
	}
}

func safeURL(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tg://")
}

type boundary struct {
	pos     int
	closing bool
	order   int
	tag     string
}

// Parse converts Telegram text and its formatting entities to Matrix content.
// Entity offsets are in UTF-16 code units as sent by the Bot API.
func Parse(text string, entities []tgbotapi.MessageEntity) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	units := utf16.Encode([]rune(text))

	var bounds []boundary
	sorted := make([]tgbotapi.MessageEntity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Offset != sorted[j].Offset {
			return sorted[i].Offset < sorted[j].Offset
		}
		return sorted[i].Length > sorted[j].Length
	})
	for i, entity := range sorted {
		start, end := entity.Offset, entity.Offset+entity.Length
		if start < 0 || entity.Length <= 0 || start >= len(units) || end > len(units) || end < start {
			continue
		}
		tags, ok := tagsFor(entity, string(utf16.Decode(units[start:end])))
		if !ok {
			continue
		}
		bounds = append(bounds,
			boundary{pos: start, order: i, tag: tags.open},
			boundary{pos: end, closing: true, order: i, tag: tags.close},
		)
	}
	if len(bounds) == 0 {
		return &ParsedMessage{Body: text}
	}
	sort.SliceStable(bounds, func(i, j int) bool {
		a, b := bounds[i], bounds[j]
		if a.pos != b.pos {
			return a.pos < b.pos
		}
		if a.closing != b.closing {
			return a.closing
		}
		if a.closing {
			return a.order > b.order
		}
		return a.order < b.order
	})

	var out strings.Builder
	last := 0
	for _, b := range bounds {
		if b.pos > last {
			out.WriteString(escape(string(utf16.Decode(units[last:b.pos]))))
			last = b.pos
		}
		out.WriteString(b.tag)
	}
	if last < len(units) {
		out.WriteString(escape(string(utf16.Decode(units[last:]))))
	}
	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: out.String(),
	}
}

func quoteLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = ">" + line
	}
	return strings.Join(lines, "\n")
}

// Forward renders a forwarded message. Forwards always cite the inline
// forwarding metadata.
func Forward(msg *ParsedMessage, from string) *ParsedMessage {
	return &ParsedMessage{
		Body:   "Forwarded from " + from + ":\n" + quoteLines(msg.Body),
		Format: event.FormatHTML,
		FormattedBody: "<i>Forwarded from " + html.EscapeString(from) + ":</i><br />" +
			"<blockquote>" + msg.HTML() + "</blockquote>",
	}
}

// Reply renders a reply to a message that was found in the correlation
// store. The reply relation points at the Matrix event and the citation
// links to it with the display name recorded for that message.
func Reply(msg *ParsedMessage, target ReplyTarget, quoted Quote) *ParsedMessage {
	link := "https://matrix.to/#/" + string(target.RoomID) + "/" + string(target.EventID)
	var fallback strings.Builder
	fallback.WriteString("<mx-reply><blockquote>")
	fallback.WriteString(`<a href="` + html.EscapeString(link) + `">In reply to</a> `)
	fallback.WriteString(html.EscapeString(target.Displayname))
	if quoted.Text != "" {
		fallback.WriteString("<br />" + escape(quoted.Text))
	}
	fallback.WriteString("</blockquote></mx-reply>")

	body := msg.Body
	if quoted.Text != "" {
		firstLine, _, _ := strings.Cut(quoted.Text, "\n")
		body = "> <" + target.Displayname + "> " + firstLine + "\n\n" + msg.Body
	}
	return &ParsedMessage{
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: fallback.String() + msg.HTML(),
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: target.EventID},
		},
	}
}

// ReplyFallback renders a reply whose target is unknown to the bridge by
// quoting the sender name and text that Telegram sent inline.
func ReplyFallback(msg *ParsedMessage, quoted Quote) *ParsedMessage {
	date := quoted.Date.UTC().Format(dateFormat)
	return &ParsedMessage{
		Body: "Reply to " + quoted.Sender + " (" + date + "):\n" +
			quoteLines(quoted.Text) + "\n\n" + msg.Body,
		Format: event.FormatHTML,
		FormattedBody: "<i>Reply to " + html.EscapeString(quoted.Sender) + " (" + date + "):</i><br />" +
			"<blockquote>" + escape(quoted.Text) + "</blockquote>" +
			"<p>" + msg.HTML() + "</p>",
	}
}
