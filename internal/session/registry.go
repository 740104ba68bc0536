// Package session provides the in-memory registry of messaging-account sessions.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/transport"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidID         = errors.New("invalid id")
	ErrDuplicateID       = errors.New("duplicate session")
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is an acceptable session identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Session is one managed login context. Its state only changes through the Registry.
type Session struct {
	ID        string
	CreatedAt time.Time

	state     atomic.Int32
	updatedAt atomic.Int64
	handle    transport.Handle
	throttle  *rate.Limiter

	dispatchMu sync.Mutex
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	return domain.SessionState(s.state.Load())
}

// UpdatedAt returns the time of the last state change.
func (s *Session) UpdatedAt() time.Time {
	return time.Unix(0, s.updatedAt.Load())
}

// Throttle returns the account-facing send limiter for this session.
func (s *Session) Throttle() *rate.Limiter {
	return s.throttle
}

// TryLockDispatch claims the session for a batch. It returns false if another batch holds it.
func (s *Session) TryLockDispatch() bool {
	return s.dispatchMu.TryLock()
}

// UnlockDispatch releases a claim taken with TryLockDispatch.
func (s *Session) UnlockDispatch() {
	s.dispatchMu.Unlock()
}

// Info returns a snapshot suitable for serialization.
func (s *Session) Info() domain.SessionInfo {
	return domain.SessionInfo{
		ID:        s.ID,
		State:     s.State(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt(),
	}
}

func (s *Session) setState(state domain.SessionState, at time.Time) {
	s.state.Store(int32(state))
	s.updatedAt.Store(at.UnixNano())
}

// SendLimit configures the per-session send throttle applied to new sessions.
type SendLimit struct {
	Rate  rate.Limit
	Burst int
}

// Registry owns every live Session. All mutation is serialized by a single mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	limit    SendLimit
	now      func() time.Time
}

// NewRegistry creates an empty registry. A zero SendLimit disables throttling.
func NewRegistry(limit SendLimit) *Registry {
	if limit.Rate == 0 {
		limit.Rate = rate.Inf
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &Registry{
		sessions: make(map[string]*Session),
		limit:    limit,
		now:      time.Now,
	}
}

// Reserve validates id and registers a new Session in the CREATED state.
func (r *Registry) Reserve(id string) (*Session, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("reserve %q: %w", id, ErrInvalidID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("reserve %q: %w", id, ErrDuplicateID)
	}

	now := r.now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		throttle:  rate.NewLimiter(r.limit.Rate, r.limit.Burst),
	}
	s.setState(domain.StateCreated, now)
	r.sessions[id] = s

	slog.Info("Session reserved", "session_id", id)
	return s, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// Handle returns the transport handle bound to a session, or nil if none is bound yet.
func (r *Registry) Handle(s *Session) transport.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.handle
}

// Bind attaches the external handle to a reserved session. If the session was
// removed in the meantime the handle is released and ErrNotFound is returned.
func (r *Registry) Bind(id string, h transport.Handle) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.handle = h
	}
	r.mu.Unlock()

	if !ok {
		closeHandle(id, h)
		return fmt.Errorf("bind %q: %w", id, ErrNotFound)
	}
	return nil
}

// Transition moves a session to state, enforcing forward-only ordering.
func (r *Registry) Transition(id string, state domain.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("transition %q: %w", id, ErrNotFound)
	}

	current := s.State()
	if !current.CanTransition(state) {
		return fmt.Errorf("transition %q from %s to %s: %w", id, current, state, ErrInvalidTransition)
	}
	if current == state {
		return nil
	}

	s.setState(state, r.now())
	slog.Info("Session state changed", "session_id", id, "from", current.String(), "to", state.String())
	return nil
}

// Remove deletes a session and releases its handle.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}

	closeHandle(id, s.handle)
	slog.Info("Session removed", "session_id", id, "state", s.State().String())
	return nil
}

// RemovePending deletes a session only if it has not reached READY.
// It reports whether the session was removed.
func (r *Registry) RemovePending(id string) (bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	if s.State() == domain.StateReady {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	closeHandle(id, s.handle)
	return true, nil
}

// List returns snapshots of all sessions ordered by ID.
func (r *Registry) List() []domain.SessionInfo {
	r.mu.Lock()
	out := make([]domain.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep removes FAILED sessions and, when idleTimeout is positive, sessions that
// have not reached READY and have not changed state for longer than idleTimeout.
// It returns the removed IDs.
func (r *Registry) Sweep(now time.Time, idleTimeout time.Duration) []string {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		state := s.State()
		stale := idleTimeout > 0 && state != domain.StateReady && now.Sub(s.UpdatedAt()) > idleTimeout
		if state == domain.StateFailed || stale {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		closeHandle(s.ID, s.handle)
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every session. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for id, s := range sessions {
		closeHandle(id, s.handle)
	}
}

func closeHandle(id string, h transport.Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		slog.Warn("Failed to release session handle", "session_id", id, "error", err)
	}
}
