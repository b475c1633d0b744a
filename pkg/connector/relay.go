// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telematrix/pkg/connector/matrixfmt"
	"github.com/aiku/telematrix/pkg/connector/media"
)

// relayToGroup relays a Matrix attachment to Telegram with a caption naming
// the sender. A caption on the Matrix side follows as a separate message and
// is sent even if the attachment fails. If the attachment failed, the
// returned message ID is the caption's, or 0.
func (r *Router) relayToGroup(ctx context.Context, chatID int64, evt *RoomMessageEvent, name string, replyTo int) (int, error) {
	messageID, relayErr := r.sendAttachment(ctx, chatID, evt, name, replyTo)
	caption := mediaCaption(evt.Content)
	if caption == "" {
		return messageID, relayErr
	}
	captionReplyTo := 0
	if relayErr != nil {
		captionReplyTo = replyTo
	}
	text := matrixfmt.Format(&event.MessageEventContent{MsgType: event.MsgText, Body: caption}, name, matrixfmt.Options{})
	captionID, err := r.Group.SendText(ctx, chatID, text, captionReplyTo)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to send media caption")
	} else if relayErr != nil {
		messageID = captionID
	}
	return messageID, relayErr
}

func (r *Router) sendAttachment(ctx context.Context, chatID int64, evt *RoomMessageEvent, name string, replyTo int) (int, error) {
	kind, _ := evt.Kind.MediaKind()
	content := evt.Content
	data, err := r.Room.DownloadMedia(ctx, content.URL)
	if err != nil {
		return 0, media.Fail(media.StageDownload, kind, err)
	}
	src := &media.File{Data: data, Name: fileName(content), Kind: kind}
	if content.Info != nil {
		src.MimeType = content.Info.MimeType
		src.Width, src.Height = content.Info.Width, content.Info.Height
	}
	file, err := media.Convert(ctx, r.Converter, src)
	if err != nil {
		return 0, media.Fail(media.StageConvert, kind, err)
	}
	messageID, err := r.Group.SendMedia(ctx, chatID, file, matrixfmt.EscapePlain(media.Caption(name, file.Kind)), replyTo)
	if err != nil {
		return 0, media.Fail(media.StageUpload, file.Kind, err)
	}
	return messageID, nil
}

// relayToRoom relays a Telegram attachment to Matrix as the ghost. The
// message body is the "{name} sent a {kind}" caption.
func (r *Router) relayToRoom(ctx context.Context, roomID id.RoomID, evt *GroupMediaEvent, profile *GhostProfile, txnID string, relatesTo *event.RelatesTo) (id.EventID, error) {
	data, err := r.Group.GetFile(ctx, evt.FileID)
	if err != nil {
		return "", media.Fail(media.StageDownload, evt.Kind, err)
	}
	file, err := media.Convert(ctx, r.Converter, &media.File{
		Data:     data,
		Name:     evt.FileName,
		MimeType: evt.MimeType,
		Kind:     evt.Kind,
		Width:    evt.Width,
		Height:   evt.Height,
	})
	if err != nil {
		return "", media.Fail(media.StageConvert, evt.Kind, err)
	}
	if file.Kind == media.KindAnimation {
		file, err = media.TranscodeGIF(ctx, r.Converter, file)
		if err != nil {
			return "", media.Fail(media.StageConvert, evt.Kind, err)
		}
	}
	uri, err := r.Room.UploadMedia(ctx, file.Data, file.MimeType)
	if err != nil {
		return "", media.Fail(media.StageUpload, file.Kind, err)
	}
	content := &event.MessageEventContent{
		MsgType:  roomMessageType(file),
		Body:     media.Caption(evt.Sender.Name(), file.Kind),
		FileName: file.Name,
		URL:      uri,
		Info: &event.FileInfo{
			MimeType: file.MimeType,
			Size:     len(file.Data),
			Width:    file.Width,
			Height:   file.Height,
		},
		RelatesTo: relatesTo,
	}
	return r.Provisioner.SendAsGhost(ctx, roomID, profile, txnID, content)
}

func roomMessageType(file *media.File) event.MessageType {
	switch file.Kind {
	case media.KindImage, media.KindSticker:
		return event.MsgImage
	case media.KindAudio, media.KindVoice:
		return event.MsgAudio
	case media.KindVideo:
		return event.MsgVideo
	case media.KindAnimation:
		// Untranscoded GIFs still animate as images.
		if file.MimeType == "image/gif" {
			return event.MsgImage
		}
		return event.MsgVideo
	default:
		return event.MsgFile
	}
}

// fileName returns the file name of a Matrix attachment. Older clients put
// it in the body.
func fileName(content *event.MessageEventContent) string {
	if content.FileName != "" {
		return content.FileName
	}
	return content.Body
}

// mediaCaption returns the caption of a Matrix attachment, which is the body
// when a separate file name is set.
func mediaCaption(content *event.MessageEventContent) string {
	if content.FileName != "" && content.Body != content.FileName {
		return content.Body
	}
	return ""
}
