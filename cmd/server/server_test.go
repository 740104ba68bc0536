package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-dispatch/internal/config"
	"github.com/ashureev/wa-dispatch/internal/dispatch"
	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/lifecycle"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/store"
	"github.com/ashureev/wa-dispatch/internal/transport"
)

type stubHandle struct {
	mu   sync.Mutex
	sent []string
}

func (s *stubHandle) On(transport.Listener)            {}
func (s *stubHandle) Initialize(context.Context) error { return nil }
func (s *stubHandle) Close() error                     { return nil }

func (s *stubHandle) MediaFromPath(path string) (*transport.Media, error) {
	return transport.LoadMedia(path)
}

func (s *stubHandle) SendText(_ context.Context, to, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	return nil
}

func (s *stubHandle) SendMedia(_ context.Context, to string, _ *transport.Media, _ string) error {
	return s.SendText(context.Background(), to, "")
}

type testServer struct {
	cfg  *config.Config
	reg  *session.Registry
	repo store.Repository
	url  string
}

// startServer serves the full router on a real listener whose request
// contexts derive from base. Pauses block until ctx is done or gate closes.
func startServer(t *testing.T, base context.Context, gate <-chan struct{}, paused chan<- struct{}) *testServer {
	t.Helper()

	cfg := &config.Config{
		Port:           "0",
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 1 << 20,
		Admin:          config.AdminConfig{Username: "admin", Password: "secret"},
		RateLimit:      config.RateLimitConfig{Requests: 100, Window: time.Minute},
	}

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}

	reg := session.NewRegistry(session.SendLimit{})
	pacer := dispatch.NewPacer(time.Millisecond, time.Millisecond, dispatch.WithSleep(func(ctx context.Context, _ time.Duration) error {
		select {
		case paused <- struct{}{}:
		default:
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	disp := dispatch.New(reg, dispatch.Config{}, dispatch.WithPacer(pacer), dispatch.WithRecorder(repo))
	mgr := lifecycle.NewManager(reg, func(string) (transport.Handle, error) { return &stubHandle{}, nil }, nil)

	ts := httptest.NewUnstartedServer(nil)
	ts.Config = newHTTPServer("", newRouter(cfg, reg, repo, mgr, disp), base)
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
		_ = repo.Close()
	})

	return &testServer{cfg: cfg, reg: reg, repo: repo, url: ts.URL}
}

func (s *testServer) addReadySession(t *testing.T, id string) {
	t.Helper()
	if _, err := s.reg.Reserve(id); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := s.reg.Bind(id, &stubHandle{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	for _, st := range []domain.SessionState{domain.StateAwaitingScan, domain.StateAuthenticated, domain.StateReady} {
		if err := s.reg.Transition(id, st); err != nil {
			t.Fatalf("Transition to %s failed: %v", st, err)
		}
	}
}

func TestCancelledBaseContextRecordsBatchCancelled(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate := make(chan struct{})
	paused := make(chan struct{}, 1)
	srv := startServer(t, base, gate, paused)
	srv.addReadySession(t, "alice")

	done := make(chan error, 1)
	go func() {
		resp, err := http.PostForm(srv.url+"/sendmessage", url.Values{
			"clientId": {"alice"},
			"numbers":  {"111,222,333"},
			"messages": {"Hi"},
		})
		if err == nil {
			_ = resp.Body.Close()
		}
		done <- err
	}()

	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("Batch never reached its first pause")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		close(gate)
		t.Fatal("Batch kept running after the base context was cancelled")
	}

	batches, err := srv.repo.ListBatches(context.Background(), "alice", 1)
	if err != nil {
		t.Fatalf("ListBatches failed: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("Expected one recorded batch, got %d", len(batches))
	}
	batch, err := srv.repo.GetBatch(context.Background(), batches[0].ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if batch.Status != domain.BatchCancelled {
		t.Errorf("Expected CANCELLED, got %s", batch.Status)
	}
	if batch.FinishedAt == nil {
		t.Error("Expected finish time to be recorded")
	}
	if len(batch.Outcomes) != 3 {
		t.Fatalf("Expected every recipient recorded, got %d outcomes", len(batch.Outcomes))
	}
	for _, o := range batch.Outcomes {
		if o.Attempted || o.Error != "cancelled" {
			t.Errorf("Expected unattempted cancelled outcome, got %+v", o)
		}
	}
}

func TestAdminRoutesRequireCredentials(t *testing.T) {
	srv := startServer(t, context.Background(), nil, make(chan struct{}, 1))
	srv.addReadySession(t, "alice")

	req, err := http.NewRequest(http.MethodDelete, srv.url+"/sessions/alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without credentials, got %d", resp.StatusCode)
	}
	if _, err := srv.reg.Get("alice"); err != nil {
		t.Fatalf("Expected session to survive: %v", err)
	}

	req.SetBasicAuth(srv.cfg.Admin.Username, srv.cfg.Admin.Password)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 with credentials, got %d", resp.StatusCode)
	}
}

func TestForwardedHeadersIgnoredUnlessTrusted(t *testing.T) {
	srv := startServer(t, context.Background(), nil, make(chan struct{}, 1))

	for i := 0; i < srv.cfg.RateLimit.Requests; i++ {
		req, err := http.NewRequest(http.MethodPost, srv.url+"/sendmessage", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i%250+1))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("Request %d limited early", i+1)
		}
	}

	req, err := http.NewRequest(http.MethodPost, srv.url+"/sendmessage", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Forwarded-For", "10.9.9.9")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 after the cap despite a new X-Forwarded-For, got %d", resp.StatusCode)
	}
}
