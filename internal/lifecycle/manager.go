package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/transport"
)

// Manager runs the session creation flow: reserve, construct, attach, initialize.
type Manager struct {
	reg     *session.Registry
	relay   *Relay
	factory transport.Factory
	log     *slog.Logger
}

// NewManager creates a Manager that builds handles with factory.
func NewManager(reg *session.Registry, factory transport.Factory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		reg:     reg,
		relay:   NewRelay(reg, log),
		factory: factory,
		log:     log,
	}
}

// CreateSession reserves id and starts a transport login whose events go to sink.
// Validation failures are reported to sink and returned; no handle is built for them.
// ctx bounds only the startup of the handle, not its lifetime.
func (m *Manager) CreateSession(ctx context.Context, id string, sink Sink) error {
	log := m.log.With("session_id", id)

	s, err := m.reg.Reserve(id)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidID):
			notify(log, sink, ErrorNotification(session.ErrInvalidID.Error()))
		case errors.Is(err, session.ErrDuplicateID):
			notify(log, sink, ErrorNotification(session.ErrDuplicateID.Error()))
		default:
			notify(log, sink, ErrorNotification("failed to create session"))
		}
		log.Warn("Session creation rejected", "error", err)
		return err
	}

	h, err := m.factory(id)
	if err != nil {
		if rmErr := m.reg.Remove(id); rmErr != nil {
			log.Debug("Failed to drop reservation", "error", rmErr)
		}
		notify(log, sink, ErrorNotification("failed to create session"))
		return fmt.Errorf("construct handle for %s: %w", id, err)
	}

	if err := m.reg.Bind(id, h); err != nil {
		notify(log, sink, ErrorNotification("failed to create session"))
		return err
	}

	// The listener goes on before Initialize so the first QR code is not lost.
	m.relay.Attach(s, h, sink)

	if err := h.Initialize(ctx); err != nil {
		if trErr := m.reg.Transition(id, domain.StateFailed); trErr != nil {
			log.Debug("Failed to mark session failed", "error", trErr)
		}
		notify(log, sink, ErrorNotification("failed to initialize session"))
		return fmt.Errorf("initialize %s: %w", id, err)
	}

	log.Info("Session initializing")
	return nil
}

// Remove deletes a session and releases its transport handle.
func (m *Manager) Remove(id string) error {
	return m.reg.Remove(id)
}

// Abandon removes the given sessions unless they already reached READY.
// Called when the connection that created them goes away and their QR codes
// can no longer be delivered.
func (m *Manager) Abandon(ids []string) {
	for _, id := range ids {
		removed, err := m.reg.RemovePending(id)
		if err != nil {
			m.log.Debug("Abandoned session already gone", "session_id", id)
			continue
		}
		if removed {
			m.log.Info("Abandoned session removed", "session_id", id)
		}
	}
}
