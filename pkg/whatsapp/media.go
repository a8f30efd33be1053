package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/h2non/filetype"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// OutboundMedia is an attachment to deliver ahead of outbound text.
type OutboundMedia struct {
	Data     []byte
	MimeType string // sniffed from Data when empty
	FileName string
	Caption  string
}

// OutboundOpts carries optional extras for SendOutbound.
type OutboundOpts struct {
	Media *OutboundMedia
}

// sniffMime detects the MIME type of raw media bytes.
func sniffMime(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}

func mediaTypeFor(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// sendMedia uploads one attachment and sends it as the matching payload
// variant. Returns the wire id.
func (b *Bridge) sendMedia(ctx context.Context, jid types.JID, m *OutboundMedia) (string, error) {
	mime := m.MimeType
	if mime == "" {
		mime = sniffMime(m.Data)
	}

	up, err := b.sock.Upload(ctx, m.Data, mediaTypeFor(mime))
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	size := uint64(len(m.Data))
	var msg *waE2E.Message
	switch {
	case strings.HasPrefix(mime, "image/"):
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(m.Caption),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	case strings.HasPrefix(mime, "video/"):
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(m.Caption),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	case strings.HasPrefix(mime, "audio/"):
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	default:
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(m.Caption),
			FileName:      proto.String(m.FileName),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	}

	resp, err := b.sock.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	b.echo.Record(resp.ID)
	return resp.ID, nil
}
