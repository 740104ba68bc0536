//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-dispatch/internal/dispatch"
	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/transport"
)

type fakeRepo struct {
	mu      sync.Mutex
	batches map[string]*domain.Batch
	pingErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{batches: make(map[string]*domain.Batch)}
}

func (f *fakeRepo) CreateBatch(_ context.Context, b *domain.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *b
	copy.Outcomes = append([]domain.Outcome(nil), b.Outcomes...)
	f.batches[b.ID] = &copy
	return nil
}

func (f *fakeRepo) RecordOutcome(_ context.Context, batchID string, o domain.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.batches[batchID]; b != nil {
		b.Outcomes = append(b.Outcomes, o)
	}
	return nil
}

func (f *fakeRepo) FinishBatch(_ context.Context, b *domain.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored := f.batches[b.ID]; stored != nil {
		stored.Status = b.Status
		stored.Accepted = b.Accepted
		stored.FinishedAt = b.FinishedAt
	}
	return nil
}

func (f *fakeRepo) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[id]
	if b == nil {
		return nil, nil
	}
	copy := *b
	return &copy, nil
}

func (f *fakeRepo) ListBatches(_ context.Context, sessionID string, limit int) ([]*domain.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Batch
	for _, b := range f.batches {
		if b.SessionID == sessionID && len(out) < limit {
			copy := *b
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (f *fakeRepo) PruneBatches(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }
func (f *fakeRepo) Ping(_ context.Context) error                                 { return f.pingErr }
func (f *fakeRepo) Close() error                                                 { return nil }

type fakeHandle struct {
	mu    sync.Mutex
	sends []string
	media []*transport.Media
}

func (f *fakeHandle) On(transport.Listener)            {}
func (f *fakeHandle) Initialize(context.Context) error { return nil }
func (f *fakeHandle) Close() error                     { return nil }

func (f *fakeHandle) MediaFromPath(path string) (*transport.Media, error) {
	return transport.LoadMedia(path)
}

func (f *fakeHandle) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, to+"|"+text)
	return nil
}

func (f *fakeHandle) SendMedia(_ context.Context, to string, media *transport.Media, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, to+"|"+caption)
	f.media = append(f.media, media)
	return nil
}

func (f *fakeHandle) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type errDispatcher struct{ err error }

func (e errDispatcher) Dispatch(context.Context, dispatch.Request) (*domain.Batch, error) {
	return nil, e.err
}

var errBoom = errors.New("boom")

// newReadySession registers id and walks it to READY with h bound.
func newReadySession(t *testing.T, reg *session.Registry, id string, h transport.Handle) {
	t.Helper()
	if _, err := reg.Reserve(id); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := reg.Bind(id, h); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	for _, st := range []domain.SessionState{domain.StateAwaitingScan, domain.StateAuthenticated, domain.StateReady} {
		if err := reg.Transition(id, st); err != nil {
			t.Fatalf("Transition to %s failed: %v", st, err)
		}
	}
}

// newInstantDispatcher builds a real dispatcher whose pauses return immediately.
func newInstantDispatcher(reg *session.Registry, repo dispatch.Recorder) *dispatch.Dispatcher {
	pacer := dispatch.NewPacer(time.Millisecond, time.Millisecond, dispatch.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	return dispatch.New(reg, dispatch.Config{}, dispatch.WithPacer(pacer), dispatch.WithRecorder(repo))
}
