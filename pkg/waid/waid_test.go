package waid

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain dm jid", "1234567890@s.whatsapp.net", "+1234567890"},
		{"device sub id", "1234567890:12@s.whatsapp.net", "+1234567890"},
		{"lid jid", "249786758348836@lid", "+249786758348836"},
		{"group jid untouched", "1203630000000000@g.us", "1203630000000000@g.us"},
		{"already canonical", "+1234567890", "+1234567890"},
		{"bare digits", "1234567890", "+1234567890"},
		{"non digit head", "abc@s.whatsapp.net", "abc"},
		{"whitespace", "  1234567890@s.whatsapp.net ", "+1234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"1234567890@s.whatsapp.net",
		"1203630000000000@g.us",
		"+1234567890",
		"abc",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestToJID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1234567890", "1234567890@s.whatsapp.net"},
		{"1234567890", "1234567890@s.whatsapp.net"},
		{"+1 (234) 567-890", "1234567890@s.whatsapp.net"},
		{"1234567890@s.whatsapp.net", "1234567890@s.whatsapp.net"},
		{"1203630000000000@g.us", "1203630000000000@g.us"},
	}
	for _, tt := range tests {
		if got := ToJID(tt.in); got != tt.want {
			t.Fatalf("ToJID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLeadingDigits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1234567890@s.whatsapp.net", "1234567890"},
		{"+1234567890", "1234567890"},
		{"1234:56@lid", "1234"},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := LeadingDigits(tt.in); got != tt.want {
			t.Fatalf("LeadingDigits(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsGroup(t *testing.T) {
	if !IsGroup("12036@g.us") {
		t.Fatal("expected group")
	}
	if IsGroup("12036@s.whatsapp.net") {
		t.Fatal("expected non-group")
	}
}
