package domain

import "time"

// SessionState is the login lifecycle position of a messaging session.
type SessionState int

const (
	StateCreated SessionState = iota
	StateAwaitingScan
	StateAuthenticated
	StateReady
	StateFailed
)

var stateNames = [...]string{
	StateCreated:       "CREATED",
	StateAwaitingScan:  "AWAITING_SCAN",
	StateAuthenticated: "AUTHENTICATED",
	StateReady:         "READY",
	StateFailed:        "FAILED",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON payloads.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
// Re-entering the current state is permitted so re-emitted events stay harmless.
func (s SessionState) CanTransition(next SessionState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed || next == s {
		return true
	}
	return next == s+1 && next <= StateReady
}

// SessionInfo is a read-only snapshot of a registered session.
type SessionInfo struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
