// Package notify carries session lifecycle events to operator clients over WebSocket.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/wa-dispatch/internal/lifecycle"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/coder/websocket"
)

// Inbound event names.
const (
	EventCreateSession = "createSession"
	EventConnected     = "connected"
)

const (
	helloMessage = "Hello from server"
	writeTimeout = 10 * time.Second
	startTimeout = 2 * time.Minute
)

// SessionCreator is the part of lifecycle.Manager the handler drives.
type SessionCreator interface {
	CreateSession(ctx context.Context, id string, sink lifecycle.Sink) error
	Abandon(ids []string)
}

// WebSocketHandler accepts operator connections and routes their commands.
type WebSocketHandler struct {
	sessions      SessionCreator
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions SessionCreator, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is the envelope for both directions.
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type createSessionData struct {
	ID string `json:"id"`
}

// connSink serializes writes to one connection. Lifecycle events arrive from
// transport goroutines while the read loop may be replying.
type connSink struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	done <-chan struct{}
}

// Notify implements lifecycle.Sink.
func (s *connSink) Notify(n lifecycle.Notification) error {
	select {
	case <-s.done:
		return errors.New("connection closed")
	default:
	}

	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.ws.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &connSink{ws: ws, done: ctx.Done()}
	var created []string
	defer func() {
		// QR codes for sessions this operator started can no longer be delivered.
		if len(created) > 0 {
			h.sessions.Abandon(created)
		}
	}()

	h.readLoop(ctx, ws, sink, &created)
	slog.Info("Operator connection ended", "sessions_started", len(created))
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sink *connSink, created *[]string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed message", "error", err)
			continue
		}

		switch msg.Event {
		case EventCreateSession:
			var data createSessionData
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &data); err != nil {
					h.reply(sink, lifecycle.ErrorNotification(session.ErrInvalidID.Error()))
					continue
				}
			}
			if h.startSession(ctx, data.ID, sink) {
				*created = append(*created, data.ID)
			}
		case EventConnected:
			h.reply(sink, lifecycle.Notification{Event: lifecycle.EventHello, Data: helloMessage})
		default:
			slog.Debug("Ignoring unknown event", "event", msg.Event)
		}
	}
}

// startSession reports whether a session was reserved for this connection.
func (h *WebSocketHandler) startSession(ctx context.Context, id string, sink lifecycle.Sink) bool {
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	err := h.sessions.CreateSession(startCtx, id, sink)
	if errors.Is(err, session.ErrInvalidID) || errors.Is(err, session.ErrDuplicateID) {
		return false
	}
	if err != nil {
		slog.Warn("Session start failed", "session_id", id, "error", err)
	}
	return true
}

func (h *WebSocketHandler) reply(sink lifecycle.Sink, n lifecycle.Notification) {
	if err := sink.Notify(n); err != nil {
		slog.Debug("Failed to send reply", "event", n.Event, "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
