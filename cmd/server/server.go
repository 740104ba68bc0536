package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/wa-dispatch/internal/api"
	"github.com/ashureev/wa-dispatch/internal/config"
	"github.com/ashureev/wa-dispatch/internal/lifecycle"
	"github.com/ashureev/wa-dispatch/internal/middleware"
	"github.com/ashureev/wa-dispatch/internal/notify"
	"github.com/ashureev/wa-dispatch/internal/ratelimit"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const adminRealm = "wa-dispatch"

// newRouter wires every HTTP and WebSocket route.
func newRouter(cfg *config.Config, reg *session.Registry, repo store.Repository, mgr *lifecycle.Manager, disp api.Dispatcher) http.Handler {
	baseHandler := api.NewHandler(reg, repo)
	authHandler := api.NewAuthHandler(cfg.Admin)
	messageHandler := api.NewMessageHandler(baseHandler, disp, cfg.UploadDir, cfg.MaxUploadBytes)
	sessionHandler := api.NewSessionHandler(baseHandler, mgr)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := notify.NewWebSocketHandler(mgr, cfg.FrontendURL, cfg.IsDevelopment())

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()

	// Global middleware. The socket peer is captured before RealIP can
	// rewrite RemoteAddr, and RealIP only runs behind a trusted proxy.
	r.Use(chiMiddleware.RequestID)
	r.Use(ratelimit.CapturePeer)
	if cfg.RateLimit.TrustProxy {
		r.Use(chiMiddleware.RealIP)
	}
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))

	healthHandler.RegisterHealth(r)
	authHandler.RegisterRoutes(r)
	messageHandler.RegisterRoutes(r, ratelimit.Middleware(ratelimit.Config{
		Requests:   cfg.RateLimit.Requests,
		Window:     cfg.RateLimit.Window,
		TrustProxy: cfg.RateLimit.TrustProxy,
	}))
	sessionHandler.RegisterRoutes(r, chiMiddleware.BasicAuth(adminRealm, map[string]string{
		cfg.Admin.Username: cfg.Admin.Password,
	}))

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	return r
}

// newHTTPServer returns a server whose request contexts derive from base, so
// cancelling base stops in-flight batches before shutdown completes.
// Batches pace recipients 30-70s apart, so responses can take minutes.
func newHTTPServer(addr string, h http.Handler, base context.Context) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
}
