// Package lifecycle relays transport login events to the caller that created a session.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/transport"
)

// Outbound event names understood by operator clients.
const (
	EventQR    = "qr"
	EventReady = "ready"
	EventError = "error"
	EventHello = "hello"
)

const (
	pingTrigger  = "!ping"
	pingReply    = "pong"
	readyMessage = "Client is ready!"
	replyTimeout = 30 * time.Second
)

// Notification is a normalized lifecycle event delivered to a Sink.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// QRData carries a login QR code.
type QRData struct {
	QR string `json:"qr"`
}

// ReadyData announces a session that can send messages.
type ReadyData struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ErrorData describes a failure reported to the caller.
type ErrorData struct {
	Message string `json:"message"`
}

// Sink is the per-caller notification channel. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(n Notification) error
}

// ErrorNotification builds an error event.
func ErrorNotification(msg string) Notification {
	return Notification{Event: EventError, Data: ErrorData{Message: msg}}
}

// Relay turns transport events into registry transitions and sink notifications.
type Relay struct {
	reg *session.Registry
	log *slog.Logger
}

// NewRelay creates a relay bound to the registry.
func NewRelay(reg *session.Registry, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{reg: reg, log: log}
}

// Attach registers the relay as the handle's listener. It must run before the
// handle is initialized.
func (r *Relay) Attach(s *session.Session, h transport.Handle, sink Sink) {
	log := r.log.With("session_id", s.ID)
	h.On(func(ev transport.Event) {
		r.handle(log, s.ID, h, sink, ev)
	})
}

func (r *Relay) handle(log *slog.Logger, id string, h transport.Handle, sink Sink, ev transport.Event) {
	switch ev.Kind {
	case transport.EventQR:
		if err := r.reg.Transition(id, domain.StateAwaitingScan); err != nil {
			log.Debug("Ignoring QR code", "error", err)
			return
		}
		log.Info("QR code received")
		notify(log, sink, Notification{Event: EventQR, Data: QRData{QR: ev.Payload}})

	case transport.EventAuthenticated:
		if err := r.reg.Transition(id, domain.StateAuthenticated); err != nil {
			log.Warn("Unexpected authentication event", "error", err)
			return
		}
		log.Info("Session authenticated")

	case transport.EventReady:
		if err := r.reg.Transition(id, domain.StateReady); err != nil {
			log.Warn("Unexpected ready event", "error", err)
			return
		}
		log.Info("Session ready")
		notify(log, sink, Notification{Event: EventReady, Data: ReadyData{ID: id, Message: readyMessage}})

	case transport.EventMessage:
		if ev.Payload != pingTrigger {
			return
		}
		// Replies go out off the event path so a slow send cannot hold back later events.
		go func(to string) {
			ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
			defer cancel()
			if err := h.SendText(ctx, to, pingReply); err != nil {
				log.Warn("Failed to answer ping", "from", to, "error", err)
			}
		}(ev.From)

	case transport.EventFailed:
		if err := r.reg.Transition(id, domain.StateFailed); err != nil {
			log.Debug("Ignoring failure event", "error", err)
			return
		}
		log.Warn("Session failed", "reason", ev.Payload)
		notify(log, sink, ErrorNotification(fmt.Sprintf("session failed: %s", ev.Payload)))

	default:
		log.Debug("Unknown transport event", "kind", string(ev.Kind))
	}
}

func notify(log *slog.Logger, sink Sink, n Notification) {
	if sink == nil {
		return
	}
	if err := sink.Notify(n); err != nil {
		log.Debug("Failed to deliver notification", "event", n.Event, "error", err)
	}
}
