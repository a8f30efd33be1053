package whatsapp

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/waclaw/waclaw/pkg/store"
)

// NoReplyDirective suppresses delivery when present in agent output.
const NoReplyDirective = "<no-reply/>"

// Envelope is the metadata block prepended to the agent's input so it knows
// channel, sender, group, mention state, quote and attachments.
type Envelope struct {
	Channel     string
	Type        string // "dm" | "group"
	SenderID    string
	SenderName  string
	Timestamp   time.Time
	GroupID     string
	GroupName   string
	IsMentioned bool
	QuotedText  string
	Media       *MediaRef

	// GroupMode steers observe handling downstream; not rendered.
	GroupMode store.GroupMode
}

func escapeText(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func escapeAttr(s string) string {
	// EscapeText also escapes quotes, which is what attribute values need.
	return escapeText(s)
}

// Format renders the envelope as the <context> XML block.
func (e *Envelope) Format() string {
	var b strings.Builder
	b.WriteString("<context>\n")
	fmt.Fprintf(&b, "  <channel>%s</channel>\n", escapeText(e.Channel))
	fmt.Fprintf(&b, "  <type>%s</type>\n", escapeText(e.Type))
	if e.SenderName != "" {
		fmt.Fprintf(&b, "  <sender name=\"%s\" jid=\"%s\" />\n", escapeAttr(e.SenderName), escapeAttr(e.SenderID))
	} else {
		fmt.Fprintf(&b, "  <sender jid=\"%s\" />\n", escapeAttr(e.SenderID))
	}
	fmt.Fprintf(&b, "  <timestamp>%s</timestamp>\n", e.Timestamp.UTC().Format(time.RFC3339))
	if e.Type == "group" {
		fmt.Fprintf(&b, "  <group name=\"%s\" jid=\"%s\" />\n", escapeAttr(e.GroupName), escapeAttr(e.GroupID))
		if e.IsMentioned {
			b.WriteString("  <mentioned>true</mentioned>\n")
		}
	}
	if e.QuotedText != "" {
		fmt.Fprintf(&b, "  <quoted>%s</quoted>\n", escapeText(e.QuotedText))
	}
	if m := e.Media; m != nil {
		fmt.Fprintf(&b, "  <attachment type=\"%s\" mimeType=\"%s\"", escapeAttr(m.Kind), escapeAttr(m.MimeType))
		if m.FileSize > 0 {
			fmt.Fprintf(&b, " size=\"%d\"", m.FileSize)
		}
		if m.FileName != "" {
			fmt.Fprintf(&b, " fileName=\"%s\"", escapeAttr(m.FileName))
		}
		b.WriteString(" />\n")
	}
	b.WriteString("</context>")
	return b.String()
}

// ObserveBlock is the banner inserted before the user body when the agent is
// invoked for context only and its reply will be suppressed.
func ObserveBlock(groupID string) string {
	return fmt.Sprintf(`<observe-mode>
[OBSERVATION ONLY] Your response will NOT be sent to the group.
To proactively message this group, use the msg CLI:
  msg send --channel whatsapp --to "%s" "your message"
</observe-mode>`, groupID)
}

// ContainsNoReply reports whether the agent asked for its reply to be
// withheld.
func ContainsNoReply(s string) bool {
	return strings.Contains(s, NoReplyDirective)
}

// StripDirectives removes directive tokens and trims the result.
func StripDirectives(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, NoReplyDirective, ""))
}
