// Copyright 2024-2026 Aiku AI

package media

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"sync"
	"testing"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func gifBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatalf("gif encode: %v", err)
	}
	return buf.Bytes()
}

type fakeConverter struct {
	mu        sync.Mutex
	supported bool
	output    []byte
	err       error
	calls     []string
}

func (f *fakeConverter) Supported() bool { return f.supported }

func (f *fakeConverter) ConvertBytes(_ context.Context, _ []byte, ext string, _, _ []string, inputMime string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inputMime+"->"+ext)
	return f.output, f.err
}

func TestInferFileName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		mimeType string
		want     string
	}{
		{"valid extension kept", "photo.jpg", "image/jpeg", "photo.jpg"},
		{"alternate valid extension kept", "photo.jpeg", "image/jpeg", "photo.jpeg"},
		{"uppercase extension kept", "PHOTO.PNG", "image/png", "PHOTO.PNG"},
		{"missing extension appended", "photo", "image/png", "photo.png"},
		{"wrong extension appended", "clip.txt", "video/mp4", "clip.txt.mp4"},
		{"mime parameters ignored", "notes", "audio/ogg; codecs=opus", "notes.ogg"},
		{"unknown mime leaves name", "blob", "application/x-made-up", "blob"},
		{"empty mime leaves name", "blob.bin", "", "blob.bin"},
		{"empty name", "", "image/webp", "file.webp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := InferFileName(tt.input, tt.mimeType)
			if got != tt.want {
				t.Errorf("InferFileName(%q, %q): got %q, want %q", tt.input, tt.mimeType, got, tt.want)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	t.Parallel()
	data := pngBytes(t, 2, 2)
	if got := Detect(data, "application/octet-stream"); got != "image/png" {
		t.Errorf("content should win over a generic hint: got %q", got)
	}
	if got := Detect([]byte{0x00, 0x01, 0x02, 0x03}, "audio/ogg"); got != "audio/ogg" {
		t.Errorf("hint should be used for unknown content: got %q", got)
	}
	if got := Detect(nil, ""); got != "application/octet-stream" {
		t.Errorf("empty data: got %q", got)
	}
}

func TestDimensions(t *testing.T) {
	t.Parallel()
	w, h, ok := Dimensions(pngBytes(t, 30, 20))
	if !ok || w != 30 || h != 20 {
		t.Errorf("got %dx%d ok=%v, want 30x20", w, h, ok)
	}
	if _, _, ok = Dimensions([]byte("not an image")); ok {
		t.Error("expected failure for non-image data")
	}
}

func TestCaption(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		want string
	}{
		{KindImage, "Bob sent an image"},
		{KindSticker, "Bob sent a sticker"},
		{KindAudio, "Bob sent an audio file"},
		{KindVoice, "Bob sent a voice message"},
		{KindVideo, "Bob sent a video"},
		{KindAnimation, "Bob sent a GIF"},
		{KindFile, "Bob sent a file"},
	}
	for _, tt := range tests {
		if got := Caption("Bob", tt.kind); got != tt.want {
			t.Errorf("Caption(%s): got %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestConvertPassesThroughImages(t *testing.T) {
	t.Parallel()
	conv := &fakeConverter{supported: true}
	in := &File{Data: pngBytes(t, 4, 3), Name: "Image_1", MimeType: "image/png", Kind: KindImage}
	out, err := Convert(context.Background(), conv, in)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out.Kind != KindImage || out.Name != "Image_1.png" {
		t.Errorf("got kind %s name %q", out.Kind, out.Name)
	}
	if out.Width != 4 || out.Height != 3 {
		t.Errorf("dimensions: got %dx%d", out.Width, out.Height)
	}
	if len(conv.calls) != 0 {
		t.Errorf("converter should not run, calls: %v", conv.calls)
	}
}

func TestConvertGIFBecomesAnimation(t *testing.T) {
	t.Parallel()
	in := &File{Data: gifBytes(t, 8, 8), Name: "funny.gif", MimeType: "image/gif", Kind: KindImage}
	out, err := Convert(context.Background(), nil, in)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out.Kind != KindAnimation {
		t.Errorf("Kind: got %s, want %s", out.Kind, KindAnimation)
	}
	if out.Name != "funny.gif" {
		t.Errorf("Name: got %q", out.Name)
	}
}

func TestConvertStickerToWebP(t *testing.T) {
	t.Parallel()
	conv := &fakeConverter{supported: true, output: []byte("RIFF....WEBPVP8 ")}
	in := &File{Data: pngBytes(t, 2, 2), Name: "sticker.png", Kind: KindSticker}
	out, err := Convert(context.Background(), conv, in)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out.MimeType != "image/webp" || out.Name != "sticker.webp" {
		t.Errorf("got mime %q name %q", out.MimeType, out.Name)
	}
	if len(conv.calls) != 1 || conv.calls[0] != "image/png->.webp" {
		t.Errorf("calls: %v", conv.calls)
	}
}

func TestConvertStickerFailures(t *testing.T) {
	t.Parallel()
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte(`{"v":"5.5.2"}`))
	_ = zw.Close()

	_, err := Convert(context.Background(), &fakeConverter{supported: true}, &File{Data: gz.Bytes(), Kind: KindSticker})
	if !errors.Is(err, ErrUnsupportedSticker) {
		t.Errorf("lottie sticker: got %v, want ErrUnsupportedSticker", err)
	}

	_, err = Convert(context.Background(), &fakeConverter{}, &File{Data: pngBytes(t, 2, 2), Kind: KindSticker})
	if !errors.Is(err, ErrConverterUnavailable) {
		t.Errorf("no ffmpeg: got %v, want ErrConverterUnavailable", err)
	}

	boom := errors.New("boom")
	_, err = Convert(context.Background(), &fakeConverter{supported: true, err: boom}, &File{Data: pngBytes(t, 2, 2), Kind: KindSticker})
	if !errors.Is(err, boom) {
		t.Errorf("converter error: got %v, want wrapped boom", err)
	}
}

func TestTranscodeGIF(t *testing.T) {
	t.Parallel()
	in := &File{Data: gifBytes(t, 2, 2), Name: "a.gif", MimeType: "image/gif", Kind: KindAnimation}

	same, err := TranscodeGIF(context.Background(), &fakeConverter{}, in)
	if err != nil || same != in {
		t.Fatalf("without ffmpeg the input should be returned: %v", err)
	}

	conv := &fakeConverter{supported: true, output: []byte("mp4")}
	out, err := TranscodeGIF(context.Background(), conv, in)
	if err != nil {
		t.Fatalf("TranscodeGIF: %v", err)
	}
	if out.MimeType != "video/mp4" || out.Name != "a.mp4" || string(out.Data) != "mp4" {
		t.Errorf("got %+v", out)
	}
}

func TestRelayError(t *testing.T) {
	t.Parallel()
	if Fail(StageDownload, KindImage, nil) != nil {
		t.Error("Fail(nil) should be nil")
	}
	base := errors.New("timeout")
	err := Fail(StageUpload, KindVideo, base)
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("expected *RelayError, got %T", err)
	}
	if relayErr.Stage != StageUpload || !errors.Is(err, base) {
		t.Errorf("got %+v", relayErr)
	}
	if err.Error() != "failed to relay video during upload: timeout" {
		t.Errorf("message: got %q", err.Error())
	}
}
