package whatsapp

import (
	"errors"
	"testing"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"15551234567", "15551234567@s.whatsapp.net"},
		{"+1 (555) 123-4567", "15551234567@s.whatsapp.net"},
		{" 447700900123 ", "447700900123@s.whatsapp.net"},
		{"15551234567@s.whatsapp.net", "15551234567@s.whatsapp.net"},
		{"120363025246125486@g.us", "120363025246125486@g.us"},
	}

	for _, tt := range tests {
		jid, err := ParseRecipient(tt.in)
		if err != nil {
			t.Errorf("ParseRecipient(%q) failed: %v", tt.in, err)
			continue
		}
		if got := jid.String(); got != tt.want {
			t.Errorf("ParseRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRecipientRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "+", "call-me", "12ab34"} {
		if _, err := ParseRecipient(in); !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("ParseRecipient(%q): expected ErrInvalidRecipient, got %v", in, err)
		}
	}
}
