package whatsapp

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.mau.fi/whatsmeow/types"
)

// ErrInvalidRecipient is returned when a recipient cannot be turned into a chat address.
var ErrInvalidRecipient = errors.New("invalid recipient")

// ParseRecipient turns a phone number or full chat address into a JID.
// A bare number may carry a leading + and separators, which are stripped.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, ErrInvalidRecipient
	}

	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %s", ErrInvalidRecipient, to)
		}
		return jid, nil
	}

	digits := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsDigit(r):
			return r
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
			return -1
		default:
			return 'x'
		}
	}, to)
	if digits == "" || strings.ContainsRune(digits, 'x') {
		return types.JID{}, fmt.Errorf("%w: %s", ErrInvalidRecipient, to)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
