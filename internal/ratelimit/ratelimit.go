// Package ratelimit guards submission endpoints against excessive request volume per origin.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// Message is returned to rejected callers. It carries no retry hint.
const Message = "Too many messages sent from this IP, please try again after a while"

// Default policy.
const (
	DefaultRequests = 100
	DefaultWindow   = 30 * time.Minute
)

// Config sets how many requests one origin may make within a sliding window.
// Origins are socket peers unless TrustProxy is set, in which case the
// request's RemoteAddr is used as rewritten by a real-IP middleware.
type Config struct {
	Requests   int
	Window     time.Duration
	TrustProxy bool
}

type peerKey struct{}

// CapturePeer records the connection's remote address before any middleware
// rewrites RemoteAddr from forwarding headers. Install it first.
func CapturePeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerKey{}, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Peer returns the address captured by CapturePeer, falling back to RemoteAddr.
func Peer(r *http.Request) string {
	if addr, ok := r.Context().Value(peerKey{}).(string); ok && addr != "" {
		return addr
	}
	return r.RemoteAddr
}

func keyByPeer(r *http.Request) (string, error) {
	addr := Peer(r)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host, nil
	}
	// IPv6 clients are grouped by /64, which is what one host usually holds.
	if ip.To4() == nil {
		ip = ip.Mask(net.CIDRMask(64, 128))
	}
	return ip.String(), nil
}

// Middleware returns a sliding-window limiter keyed by client IP.
// Rejected requests never reach next.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Requests <= 0 {
		cfg.Requests = DefaultRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	key := keyByPeer
	if cfg.TrustProxy {
		key = httprate.KeyByIP
	}

	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(reject),
	)
}

func reject(w http.ResponseWriter, r *http.Request) {
	slog.Warn("Submission rate limit exceeded", "peer", Peer(r), "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": Message})
}
