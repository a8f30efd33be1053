package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/waclaw/waclaw/pkg/waid"
)

// MediaRef describes an inbound attachment without its bytes. Enough for the
// envelope and for an optional later download.
type MediaRef struct {
	Kind        string // image | video | audio | document | sticker
	MimeType    string
	Caption     string
	FileName    string
	FileSize    uint64
	Seconds     uint32
	Width       uint32
	Height      uint32
	IsVoiceNote bool
	MediaKey    []byte
	DirectPath  string
	URL         string
}

// Unwrap peels view-once, ephemeral, edit and document-with-caption wrappers
// until the inner payload is reached. Non-wrapper messages pass through.
func Unwrap(msg *waE2E.Message) *waE2E.Message {
	for msg != nil {
		switch {
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetViewOnceMessageV2Extension().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2Extension().GetMessage()
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		case msg.GetProtocolMessage().GetType() == waE2E.ProtocolMessage_MESSAGE_EDIT &&
			msg.GetProtocolMessage().GetEditedMessage() != nil:
			msg = msg.GetProtocolMessage().GetEditedMessage()
		default:
			return msg
		}
	}
	return msg
}

// ExtractText returns the user-visible text of an unwrapped message: the
// first non-empty of conversation, extended text and media captions.
// Locations and contacts are rendered as bracketed placeholders.
func ExtractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil && ext.GetText() != "" {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil && img.GetCaption() != "" {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil && vid.GetCaption() != "" {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil && doc.GetCaption() != "" {
		return doc.GetCaption()
	}
	if loc := msg.GetLocationMessage(); loc != nil {
		if name := loc.GetName(); name != "" {
			return fmt.Sprintf("[Location: %v, %v — %s]", loc.GetDegreesLatitude(), loc.GetDegreesLongitude(), name)
		}
		return fmt.Sprintf("[Location: %v, %v]", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
	}
	if c := msg.GetContactMessage(); c != nil {
		return fmt.Sprintf("[Contact: %s]", c.GetDisplayName())
	}
	if cs := msg.GetContactsArrayMessage(); cs != nil {
		names := make([]string, 0, len(cs.GetContacts()))
		for _, c := range cs.GetContacts() {
			names = append(names, c.GetDisplayName())
		}
		return fmt.Sprintf("[Contacts: %s]", strings.Join(names, ", "))
	}
	return ""
}

// ExtractMedia returns a descriptor for the attachment carried by an
// unwrapped message, or nil for text-only payloads.
func ExtractMedia(msg *waE2E.Message) *MediaRef {
	if msg == nil {
		return nil
	}
	if img := msg.GetImageMessage(); img != nil {
		return &MediaRef{
			Kind:       "image",
			MimeType:   img.GetMimetype(),
			Caption:    img.GetCaption(),
			FileSize:   img.GetFileLength(),
			Width:      img.GetWidth(),
			Height:     img.GetHeight(),
			MediaKey:   img.GetMediaKey(),
			DirectPath: img.GetDirectPath(),
			URL:        img.GetURL(),
		}
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return &MediaRef{
			Kind:       "video",
			MimeType:   vid.GetMimetype(),
			Caption:    vid.GetCaption(),
			FileSize:   vid.GetFileLength(),
			Seconds:    vid.GetSeconds(),
			Width:      vid.GetWidth(),
			Height:     vid.GetHeight(),
			MediaKey:   vid.GetMediaKey(),
			DirectPath: vid.GetDirectPath(),
			URL:        vid.GetURL(),
		}
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		return &MediaRef{
			Kind:        "audio",
			MimeType:    aud.GetMimetype(),
			FileSize:    aud.GetFileLength(),
			Seconds:     aud.GetSeconds(),
			IsVoiceNote: aud.GetPTT(),
			MediaKey:    aud.GetMediaKey(),
			DirectPath:  aud.GetDirectPath(),
			URL:         aud.GetURL(),
		}
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return &MediaRef{
			Kind:       "document",
			MimeType:   doc.GetMimetype(),
			Caption:    doc.GetCaption(),
			FileName:   doc.GetFileName(),
			FileSize:   doc.GetFileLength(),
			MediaKey:   doc.GetMediaKey(),
			DirectPath: doc.GetDirectPath(),
			URL:        doc.GetURL(),
		}
	}
	if st := msg.GetStickerMessage(); st != nil {
		return &MediaRef{
			Kind:       "sticker",
			MimeType:   st.GetMimetype(),
			FileSize:   st.GetFileLength(),
			Width:      st.GetWidth(),
			Height:     st.GetHeight(),
			MediaKey:   st.GetMediaKey(),
			DirectPath: st.GetDirectPath(),
			URL:        st.GetURL(),
		}
	}
	return nil
}

// contextInfo digs out the ContextInfo from whichever payload carries it.
func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	if msg == nil {
		return nil
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetContextInfo()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetContextInfo()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetContextInfo()
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		return aud.GetContextInfo()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetContextInfo()
	}
	if st := msg.GetStickerMessage(); st != nil {
		return st.GetContextInfo()
	}
	if c := msg.GetContactMessage(); c != nil {
		return c.GetContextInfo()
	}
	return nil
}

// GetQuotedText returns the text of the message being replied to, or "".
func GetQuotedText(msg *waE2E.Message) string {
	info := contextInfo(msg)
	if info == nil {
		return ""
	}
	q := info.GetQuotedMessage()
	if q == nil {
		return ""
	}
	if text := q.GetConversation(); text != "" {
		return text
	}
	if ext := q.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// IsBotMentioned reports whether the mention list names the connected
// account. Entries are compared by their leading digit run so device ids and
// server suffixes don't matter; botAlt covers LID addressing.
func IsBotMentioned(msg *waE2E.Message, botID, botAlt string) bool {
	info := contextInfo(msg)
	if info == nil {
		return false
	}
	botDigits := waid.LeadingDigits(botID)
	altDigits := waid.LeadingDigits(botAlt)
	for _, mention := range info.GetMentionedJID() {
		digits := waid.LeadingDigits(mention)
		if digits == "" {
			continue
		}
		if digits == botDigits || (altDigits != "" && digits == altDigits) {
			return true
		}
	}
	return false
}
