// Package whatsapp binds transport.Handle to a WhatsApp Web multi-device account via whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wa-dispatch/internal/transport"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	// Registers the "sqlite" driver used by the device store.
	_ "modernc.org/sqlite"
)

// DeviceName is shown in the linked devices list on the phone.
const DeviceName = "WA Dispatch"

const (
	eventBuffer   = 64
	logoutTimeout = 10 * time.Second
)

// ErrNotConnected is returned when sending before Initialize or after Close.
var ErrNotConnected = errors.New("client not connected")

var setDeviceProps sync.Once

// NewFactory returns a transport.Factory that keeps one device database per session under dir.
func NewFactory(dir string, log *slog.Logger) transport.Factory {
	setDeviceProps.Do(func() {
		store.DeviceProps.Os = proto.String(DeviceName)
	})
	return func(id string) (transport.Handle, error) {
		return New(id, dir, log)
	}
}

// Client is a single WhatsApp login context.
type Client struct {
	id     string
	dbPath string
	log    *slog.Logger

	mu        sync.Mutex
	listeners []transport.Listener
	container *sqlstore.Container
	wa        *whatsmeow.Client
	cancel    context.CancelFunc

	events    chan transport.Event
	done      chan struct{}
	ready     atomic.Bool
	closeOnce sync.Once
}

// New prepares a client for session id. Any device state left over from a
// previous session with the same ID is wiped so pairing always starts fresh.
func New(id, dir string, log *slog.Logger) (*Client, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	dbPath := filepath.Join(dir, id+".db")
	removeDeviceFiles(dbPath)

	return &Client{
		id:     id,
		dbPath: dbPath,
		log:    log.With("session_id", id),
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// On registers a listener. Listeners run on a single goroutine in emission order.
func (c *Client) On(l transport.Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Initialize opens the device store, requests a pairing QR channel and connects.
// It returns once the connection attempt has started; pairing progress is
// reported through listeners.
func (c *Client) Initialize(ctx context.Context) error {
	container, err := sqlstore.New(ctx, "sqlite", "file:"+c.dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		newLogger(c.log, "Database"))
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("load device: %w", err)
	}

	wa := whatsmeow.NewClient(device, newLogger(c.log, "Client"))
	wa.AddEventHandler(c.handleEvent)

	// The QR channel outlives the request that created the session.
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.container = container
	c.wa = wa
	c.cancel = cancel
	c.mu.Unlock()

	go c.pump()

	if wa.Store.ID == nil {
		qrChan, err := wa.GetQRChannel(runCtx)
		if err != nil {
			return fmt.Errorf("request qr channel: %w", err)
		}
		go c.watchQR(qrChan)
	}

	if err := wa.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.log.Info("WhatsApp client connecting")
	return nil
}

func (c *Client) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(transport.Event{Kind: transport.EventQR, Payload: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess reports authentication.
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(transport.Event{Kind: transport.EventFailed, Payload: "qr code expired before it was scanned"})
		case whatsmeow.QRChannelEventError:
			c.emit(transport.Event{Kind: transport.EventFailed, Payload: fmt.Sprintf("pairing error: %v", item.Error)})
		default:
			c.emit(transport.Event{Kind: transport.EventFailed, Payload: "pairing rejected: " + item.Event})
		}
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.log.Info("Device paired", "jid", v.ID.String(), "platform", v.Platform)
		c.emit(transport.Event{Kind: transport.EventAuthenticated})
	case *events.Connected:
		// Connected repeats on every reconnect; readiness is reported once.
		if c.ready.CompareAndSwap(false, true) {
			c.emit(transport.Event{Kind: transport.EventReady})
		}
	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		text := v.Message.GetConversation()
		if text == "" {
			text = v.Message.GetExtendedTextMessage().GetText()
		}
		c.emit(transport.Event{Kind: transport.EventMessage, Payload: text, From: v.Info.Chat.String()})
	case *events.LoggedOut:
		c.emit(transport.Event{Kind: transport.EventFailed, Payload: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.StreamReplaced:
		c.emit(transport.Event{Kind: transport.EventFailed, Payload: "connection replaced by another client"})
	case *events.TemporaryBan:
		c.emit(transport.Event{Kind: transport.EventFailed, Payload: fmt.Sprintf("temporarily banned: %v", v)})
	case *events.ConnectFailure:
		c.emit(transport.Event{Kind: transport.EventFailed, Payload: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})
	case *events.Disconnected:
		c.log.Warn("WhatsApp connection lost")
	}
}

func (c *Client) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) pump() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.mu.Lock()
			listeners := append([]transport.Listener(nil), c.listeners...)
			c.mu.Unlock()
			for _, l := range listeners {
				l(ev)
			}
		}
	}
}

func (c *Client) client() (*whatsmeow.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wa == nil || !c.wa.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.wa, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	wa, err := c.client()
	if err != nil {
		return err
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}

	if _, err := wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("send text to %s: %w", jid, err)
	}
	return nil
}

// SendMedia uploads media and sends it with caption. Images and videos are
// sent inline; everything else goes as a document.
func (c *Client) SendMedia(ctx context.Context, to string, media *transport.Media, caption string) error {
	wa, err := c.client()
	if err != nil {
		return err
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}

	kind := mediaKind(media.MimeType)
	up, err := wa.Upload(ctx, media.Data, kind)
	if err != nil {
		return fmt.Errorf("upload %s: %w", media.FileName, err)
	}

	msg := buildMediaMessage(kind, up, media, caption)
	if _, err := wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("send media to %s: %w", jid, err)
	}
	return nil
}

// MediaFromPath loads an attachment from disk.
func (c *Client) MediaFromPath(path string) (*transport.Media, error) {
	return transport.LoadMedia(path)
}

func mediaKind(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(kind whatsmeow.MediaType, up whatsmeow.UploadResponse, media *transport.Media, caption string) *waE2E.Message {
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Title:         proto.String(media.FileName),
			FileName:      proto.String(media.FileName),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// Close logs the device out if it was paired, disconnects and deletes the
// device database. It is safe to call more than once.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wa, container, cancel := c.wa, c.container, c.cancel
		c.wa = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if wa != nil {
			if wa.Store.ID != nil && wa.IsConnected() {
				ctx, cancelLogout := context.WithTimeout(context.Background(), logoutTimeout)
				if err := wa.Logout(ctx); err != nil {
					c.log.Warn("Logout failed", "error", err)
				}
				cancelLogout()
			}
			wa.Disconnect()
		}
		close(c.done)

		if container != nil {
			if err := container.Close(); err != nil {
				closeErr = fmt.Errorf("close device store: %w", err)
			}
		}
		removeDeviceFiles(c.dbPath)
		c.log.Info("WhatsApp client closed")
	})
	return closeErr
}

func removeDeviceFiles(dbPath string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove device file", "path", dbPath+suffix, "error", err)
		}
	}
}
