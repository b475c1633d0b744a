// Copyright 2024-2026 Aiku AI

// Package media holds the primitives of the media relay: MIME detection,
// file name inference, format conversion and relay failure reporting.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/util/exmime"
	"go.mau.fi/util/ffmpeg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Kind is the type of a relayed attachment.
type Kind string

const (
	KindImage     Kind = "image"
	KindSticker   Kind = "sticker"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindVideo     Kind = "video"
	KindAnimation Kind = "animation"
	KindFile      Kind = "file"
)

// Noun is the word used for the kind in captions.
func (k Kind) Noun() string {
	switch k {
	case KindAudio:
		return "audio file"
	case KindVoice:
		return "voice message"
	case KindAnimation:
		return "GIF"
	case "":
		return string(KindFile)
	default:
		return string(k)
	}
}

// Caption returns the one-line caption that identifies who sent an attachment.
func Caption(senderName string, kind Kind) string {
	noun := kind.Noun()
	article := "a"
	if strings.ContainsRune("aeiouAEIOU", rune(noun[0])) {
		article = "an"
	}
	return senderName + " sent " + article + " " + noun
}

// File is an attachment held fully in memory while it is relayed.
type File struct {
	Data     []byte
	Name     string
	MimeType string
	Kind     Kind
	Width    int
	Height   int
}

const (
	mimeOctetStream = "application/octet-stream"
	mimeWebP        = "image/webp"
	mimeGIF         = "image/gif"
	mimeMP4         = "video/mp4"
)

func baseMime(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Detect returns the MIME type of data. The hint from the source platform is
// used when the content itself is not recognized.
func Detect(data []byte, hint string) string {
	hint = baseMime(hint)
	if len(data) == 0 {
		if hint != "" {
			return hint
		}
		return mimeOctetStream
	}
	detected := baseMime(mimetype.Detect(data).String())
	if hint != "" && (detected == mimeOctetStream || detected == "text/plain") {
		return hint
	}
	return detected
}

// InferFileName returns a file name for an attachment. A name that already
// ends in an extension valid for mimeType is kept, otherwise the canonical
// extension of mimeType is appended. Unknown MIME types leave the name as is.
func InferFileName(name, mimeType string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = string(KindFile)
	}
	mimeType = baseMime(mimeType)
	if mimeType == "" {
		return name
	}
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && validExtension(ext, mimeType) {
		return name
	}
	return name + CanonicalExtension(mimeType)
}

// CanonicalExtension returns the preferred extension for mimeType, or "".
func CanonicalExtension(mimeType string) string {
	mimeType = baseMime(mimeType)
	if mimeType == "" || mimeType == mimeOctetStream {
		return ""
	}
	if ext := exmime.ExtensionFromMimetype(mimeType); ext != "" {
		return ext
	}
	if m := mimetype.Lookup(mimeType); m != nil {
		return m.Extension()
	}
	return ""
}

func validExtension(ext, mimeType string) bool {
	if byExt := mime.TypeByExtension(ext); byExt != "" && baseMime(byExt) == mimeType {
		return true
	}
	if exmime.ExtensionFromMimetype(mimeType) == ext {
		return true
	}
	m := mimetype.Lookup(mimeType)
	return m != nil && m.Extension() == ext
}

// Dimensions decodes the width and height of an image without decoding the
// pixel data.
func Dimensions(data []byte) (width, height int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// ErrUnsupportedSticker is returned for sticker formats that cannot be
// transcoded to WEBP, such as Telegram's gzipped Lottie stickers.
var ErrUnsupportedSticker = errors.New("unsupported sticker format")

// ErrConverterUnavailable is returned when a conversion needs ffmpeg and it
// is not installed.
var ErrConverterUnavailable = errors.New("ffmpeg is not available")

// Converter runs an ffmpeg conversion of in-memory data.
type Converter interface {
	Supported() bool
	ConvertBytes(ctx context.Context, data []byte, outputExtension string, inputArgs, outputArgs []string, inputMime string) ([]byte, error)
}

type ffmpegConverter struct{}

func (ffmpegConverter) Supported() bool { return ffmpeg.Supported() }

func (ffmpegConverter) ConvertBytes(ctx context.Context, data []byte, outputExtension string, inputArgs, outputArgs []string, inputMime string) ([]byte, error) {
	return ffmpeg.ConvertBytes(ctx, data, outputExtension, inputArgs, outputArgs, inputMime)
}

// FFmpeg is the Converter backed by the ffmpeg binary on the PATH.
var FFmpeg Converter = ffmpegConverter{}

// Convert applies the kind-specific conversion rules. Stickers are
// transcoded to WEBP and GIF images are relayed as animations. Every other
// kind passes through unchanged.
func Convert(ctx context.Context, conv Converter, f *File) (*File, error) {
	out := *f
	out.MimeType = Detect(f.Data, f.MimeType)
	switch {
	case f.Kind == KindSticker:
		if out.MimeType == mimeWebP {
			break
		}
		if out.MimeType == "application/gzip" || out.MimeType == "application/x-tgsticker" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedSticker, out.MimeType)
		}
		if conv == nil || !conv.Supported() {
			return nil, ErrConverterUnavailable
		}
		data, err := conv.ConvertBytes(ctx, f.Data, ".webp", nil, nil, out.MimeType)
		if err != nil {
			return nil, fmt.Errorf("failed to convert sticker to webp: %w", err)
		}
		out.Data = data
		out.MimeType = mimeWebP
		out.Name = strings.TrimSuffix(out.Name, filepath.Ext(out.Name)) + ".webp"
	case f.Kind == KindImage && out.MimeType == mimeGIF:
		out.Kind = KindAnimation
	}
	out.Name = InferFileName(out.Name, out.MimeType)
	if out.Kind == KindImage || out.Kind == KindSticker || out.Kind == KindAnimation {
		if w, h, ok := Dimensions(out.Data); ok {
			out.Width, out.Height = w, h
		}
	}
	return &out, nil
}

// TranscodeGIF turns a GIF animation into an MP4 clip so that clients play
// it as a looping video. The input is returned unchanged when ffmpeg is not
// available or the data is not a GIF.
func TranscodeGIF(ctx context.Context, conv Converter, f *File) (*File, error) {
	if f.MimeType != mimeGIF || conv == nil || !conv.Supported() {
		return f, nil
	}
	data, err := conv.ConvertBytes(ctx, f.Data, ".mp4", nil, []string{
		"-movflags", "+faststart",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
	}, mimeGIF)
	if err != nil {
		return nil, fmt.Errorf("failed to transcode gif: %w", err)
	}
	out := *f
	out.Data = data
	out.MimeType = mimeMP4
	out.Name = strings.TrimSuffix(f.Name, filepath.Ext(f.Name)) + ".mp4"
	return &out, nil
}

// Stage is the step of a relay that failed.
type Stage string

const (
	StageDownload Stage = "download"
	StageConvert  Stage = "convert"
	StageUpload   Stage = "upload"
)

// RelayError reports a failed attachment relay. It aborts only the
// attachment it belongs to.
type RelayError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("failed to relay %s during %s: %v", e.Kind.Noun(), e.Stage, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Fail wraps err in a RelayError, or returns nil if err is nil.
func Fail(stage Stage, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{Stage: stage, Kind: kind, Err: err}
}
