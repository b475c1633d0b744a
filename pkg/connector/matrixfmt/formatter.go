// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix message content to Telegram HTML.
package matrixfmt

import (
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"maunium.net/go/mautrix/event"
)

// allowedTags is the subset of HTML kept when relaying to Telegram.
var allowedTags = map[atom.Atom]bool{
	atom.B:      true,
	atom.Strong: true,
	atom.I:      true,
	atom.Em:     true,
	atom.A:      true,
	atom.Pre:    true,
}

// blockTags end a line of text when they close.
var blockTags = map[atom.Atom]bool{
	atom.P:   true,
	atom.Div: true,
	atom.Li:  true,
	atom.H1:  true,
	atom.H2:  true,
	atom.H3:  true,
	atom.H4:  true,
	atom.H5:  true,
	atom.H6:  true,
	atom.Tr:  true,
}

var brRe = regexp.MustCompile(`(?i)<br\s*/?>`)

var (
	textEscaper  = strings.NewReplacer("&", "&amp;", "<", "&lt;")
	plainEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper  = strings.NewReplacer("&", "&amp;", "<", "&lt;", `"`, "&quot;")
)

// Options tweak Sanitize.
type Options struct {
	// StripReply drops the <mx-reply> fallback block. Set it when the reply
	// is expressed natively on the destination side.
	StripReply bool
}

type openTag struct {
	tag     atom.Atom
	name    string
	emitted bool
}

type sanitizer struct {
	opts Options

	out          strings.Builder
	stack        []openTag
	quoteDepth   int
	quote        strings.Builder
	skipDepth    int
	preDepth     int
	pendingBreak bool
}

// Sanitize reduces Matrix HTML to the markup Telegram accepts. Line breaks
// become newlines, allowed inline tags are kept, every other tag is removed
// with its text preserved, and blockquotes become "> " prefixed lines.
// Sanitize is idempotent.
func Sanitize(input string, opts ...Options) string {
	s := &sanitizer{}
	if len(opts) > 0 {
		s.opts = opts[0]
	}
	input = brRe.ReplaceAllString(input, "\n")
	z := html.NewTokenizer(strings.NewReader(input))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.TrimSpace(plainEscaper.Replace(input))
			}
			s.closeAll()
			return strings.Trim(s.out.String(), "\n")
		case html.TextToken:
			s.text(string(z.Text()))
		case html.StartTagToken:
			s.start(z.Token())
		case html.EndTagToken:
			s.end(z.Token())
		case html.SelfClosingTagToken:
			// <br/> is already handled, other void elements carry no text.
		}
	}
}

func (s *sanitizer) text(text string) {
	if s.skipDepth > 0 {
		return
	}
	if s.quoteDepth > 0 {
		if strings.TrimSpace(text) == "" && strings.Contains(text, "\n") {
			s.quoteBreak()
		} else {
			s.quote.WriteString(text)
		}
		return
	}
	if text == "" {
		return
	}
	if s.pendingBreak && s.preDepth == 0 && strings.TrimSpace(text) != "" {
		s.newline()
		s.pendingBreak = false
	}
	s.out.WriteString(textEscaper.Replace(text))
}

func (s *sanitizer) newline() {
	if s.out.Len() > 0 && !strings.HasSuffix(s.out.String(), "\n") {
		s.out.WriteByte('\n')
	}
}

func (s *sanitizer) start(tok html.Token) {
	if s.skipDepth > 0 {
		if tok.Data == "mx-reply" {
			s.skipDepth++
		}
		return
	}
	if tok.Data == "mx-reply" && s.opts.StripReply {
		s.skipDepth = 1
		return
	}
	if tok.DataAtom == atom.Blockquote {
		s.quoteDepth++
		return
	}
	if s.quoteDepth > 0 {
		if blockTags[tok.DataAtom] {
			s.quoteBreak()
		}
		return
	}
	if !allowedTags[tok.DataAtom] {
		return
	}
	ot := openTag{tag: tok.DataAtom, name: tok.Data}
	if tok.DataAtom == atom.A {
		href := linkTarget(tok)
		if href == "" {
			s.stack = append(s.stack, ot)
			return
		}
		s.flushBreak()
		s.out.WriteString(`<a href="` + attrEscaper.Replace(href) + `">`)
	} else {
		s.flushBreak()
		s.out.WriteString("<" + tok.Data + ">")
	}
	if tok.DataAtom == atom.Pre {
		s.preDepth++
	}
	ot.emitted = true
	s.stack = append(s.stack, ot)
}

func (s *sanitizer) quoteBreak() {
	if s.quote.Len() > 0 && !strings.HasSuffix(s.quote.String(), "\n") {
		s.quote.WriteByte('\n')
	}
}

func (s *sanitizer) flushBreak() {
	if s.pendingBreak {
		s.newline()
		s.pendingBreak = false
	}
}

func (s *sanitizer) end(tok html.Token) {
	if s.skipDepth > 0 {
		if tok.Data == "mx-reply" {
			s.skipDepth--
		}
		return
	}
	if tok.DataAtom == atom.Blockquote {
		if s.quoteDepth == 0 {
			return
		}
		s.quoteDepth--
		if s.quoteDepth == 0 {
			s.writeQuote()
		}
		return
	}
	if s.quoteDepth > 0 {
		if blockTags[tok.DataAtom] {
			s.quoteBreak()
		}
		return
	}
	if blockTags[tok.DataAtom] {
		s.pendingBreak = true
		return
	}
	if !allowedTags[tok.DataAtom] {
		return
	}
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].tag != tok.DataAtom {
			continue
		}
		for j := len(s.stack) - 1; j >= i; j-- {
			s.closeTag(s.stack[j])
		}
		s.stack = s.stack[:i]
		return
	}
}

func (s *sanitizer) closeTag(ot openTag) {
	if !ot.emitted {
		return
	}
	if ot.tag == atom.Pre {
		s.preDepth--
	}
	s.out.WriteString("</" + ot.name + ">")
}

func (s *sanitizer) closeAll() {
	if s.quoteDepth > 0 {
		s.quoteDepth = 0
		s.writeQuote()
	}
	for i := len(s.stack) - 1; i >= 0; i-- {
		s.closeTag(s.stack[i])
	}
	s.stack = nil
}

func (s *sanitizer) writeQuote() {
	quoted := QuoteLines(s.quote.String())
	s.quote.Reset()
	if quoted == "" {
		return
	}
	s.pendingBreak = false
	s.newline()
	s.out.WriteString(textEscaper.Replace(quoted))
	s.pendingBreak = true
}

// QuoteLines prefixes every line of text with "> ". Leading and trailing
// blank lines are dropped so that no empty quote markers are left over.
func QuoteLines(text string) string {
	lines := strings.Split(text, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	for i, line := range lines {
		lines[i] = strings.TrimRight("> "+strings.TrimSpace(line), " ")
	}
	return strings.Join(lines, "\n")
}

func linkTarget(tok html.Token) string {
	for _, attr := range tok.Attr {
		if attr.Key != "href" {
			continue
		}
		href := strings.TrimSpace(attr.Val)
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
			strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tg://") {
			return href
		}
		return ""
	}
	return ""
}

// EscapePlain escapes a plain text body for embedding in Telegram HTML.
func EscapePlain(text string) string {
	return plainEscaper.Replace(text)
}

// StripReplyFallback removes the quoted "> " lines that Matrix clients
// prepend to the plain body of a reply.
func StripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// Body returns the Telegram HTML rendering of a message body without any
// sender prefix.
func Body(content *event.MessageEventContent, opts Options) string {
	if content == nil {
		return ""
	}
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return Sanitize(content.FormattedBody, opts)
	}
	body := content.Body
	if opts.StripReply {
		body = StripReplyFallback(body)
	}
	return EscapePlain(body)
}

// Format renders a Matrix text, notice or emote for Telegram with the
// sender's name in front, in HTML parse mode.
func Format(content *event.MessageEventContent, senderName string, opts Options) string {
	if content == nil {
		return ""
	}
	name := EscapePlain(senderName)
	body := Body(content, opts)
	switch content.MsgType {
	case event.MsgNotice:
		return "[" + name + "] " + body
	case event.MsgEmote:
		return "* " + name + " " + body
	default:
		return "<b>" + name + ":</b> " + body
	}
}
