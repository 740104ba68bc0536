// Package transport defines the capability the service needs from a messaging account connection.
package transport

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// EventKind identifies an asynchronous notification emitted by a Handle.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventMessage       EventKind = "message"
	EventFailed        EventKind = "failed"
)

// Event is a single notification from a Handle.
// Payload carries the QR code for EventQR, the message body for EventMessage
// and the reason for EventFailed. From is the chat an inbound message came from.
type Event struct {
	Kind    EventKind
	Payload string
	From    string
}

// Listener receives events in the order the Handle emitted them.
type Listener func(Event)

// Media is an attachment ready to be sent.
type Media struct {
	Path     string
	FileName string
	MimeType string
	Data     []byte
}

// Handle is a live login context for one messaging account.
//
// On must be called before Initialize; events emitted before a listener is
// registered are lost.
type Handle interface {
	On(l Listener)
	Initialize(ctx context.Context) error
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, media *Media, caption string) error
	MediaFromPath(path string) (*Media, error)
	Close() error
}

// Factory constructs a Handle for the given session ID without starting it.
type Factory func(id string) (Handle, error)

// LoadMedia reads a file from disk and detects its MIME type.
func LoadMedia(path string) (*Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &Media{
		Path:     path,
		FileName: filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
	}, nil
}
