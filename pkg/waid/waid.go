// Package waid maps between WhatsApp wire identifiers (JIDs) and the
// canonical "+<digits>" phone form used by the policy store.
package waid

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// GroupSuffix is the server suffix carried by group JIDs.
const GroupSuffix = "@" + types.GroupServer

// Normalize converts a raw JID into canonical form. Group JIDs pass through
// untouched. For user JIDs the server suffix and device sub-id are stripped;
// an all-digit head (phone or LID) gains a leading "+". Anything else (heads
// that already start with "+", non-digit heads) is returned as the bare head.
//
// Normalize is idempotent.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, GroupSuffix) {
		return s
	}
	if at := strings.Index(s, "@"); at >= 0 {
		s = s[:at]
	}
	if colon := strings.Index(s, ":"); colon >= 0 {
		s = s[:colon]
	}
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "+") {
		return s
	}
	if allDigits(s) {
		return "+" + s
	}
	return s
}

// ToJID builds a DM JID string from a phone-like input. Inputs that already
// carry a server suffix pass through unchanged.
func ToJID(s string) string {
	if strings.Contains(s, "@") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + "@" + types.DefaultUserServer
}

// LeadingDigits returns the run of decimal digits at the head of s, skipping
// a single leading "+". Used for mention matching, where entries may differ
// in server suffix or device id but share the user part.
func LeadingDigits(s string) string {
	s = strings.TrimPrefix(s, "+")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// IsGroup reports whether raw names a group conversation.
func IsGroup(raw string) bool {
	return strings.HasSuffix(raw, GroupSuffix)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
