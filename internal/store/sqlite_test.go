package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-dispatch/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "dispatch.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newBatch(id, sessionID string, created time.Time) *domain.Batch {
	return &domain.Batch{
		ID:        id,
		SessionID: sessionID,
		Template:  "Hi",
		Total:     3,
		Status:    domain.BatchRunning,
		CreatedAt: created,
	}
}

func TestBatchRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	b := newBatch("b1", "alice", time.Now())
	b.HasAttachment = true
	if err := repo.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	outcomes := []domain.Outcome{
		{Position: 2, Recipient: "C", Message: "Hi Person3", Error: "cancelled"},
		{Position: 0, Recipient: "A", Message: "Hi Person1", Attempted: true, Delivered: true},
		{Position: 1, Recipient: "B", Message: "Hi Person2", Attempted: true, Error: "send failed"},
	}
	for _, o := range outcomes {
		if err := repo.RecordOutcome(ctx, b.ID, o); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	finished := time.Now()
	b.Status = domain.BatchCancelled
	b.FinishedAt = &finished
	if err := repo.FinishBatch(ctx, b); err != nil {
		t.Fatalf("FinishBatch failed: %v", err)
	}

	got, err := repo.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected batch, got nil")
	}
	if got.Status != domain.BatchCancelled || got.Accepted {
		t.Errorf("Unexpected status %s accepted=%v", got.Status, got.Accepted)
	}
	if !got.HasAttachment {
		t.Error("Expected attachment flag to persist")
	}
	if got.FinishedAt == nil || got.FinishedAt.UnixMilli() != finished.UnixMilli() {
		t.Errorf("Expected finished_at %v, got %v", finished, got.FinishedAt)
	}
	if len(got.Outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(got.Outcomes))
	}
	for i, o := range got.Outcomes {
		if o.Position != i {
			t.Errorf("Outcome %d has position %d", i, o.Position)
		}
	}
	if !got.Outcomes[0].Delivered || got.Outcomes[1].Error != "send failed" || got.Outcomes[2].Attempted {
		t.Errorf("Outcomes not stored as recorded: %+v", got.Outcomes)
	}
}

func TestRecordOutcomeUpserts(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateBatch(ctx, newBatch("b1", "alice", time.Now())); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	o := domain.Outcome{Position: 0, Recipient: "A", Message: "Hi Person1"}
	if err := repo.RecordOutcome(ctx, "b1", o); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	o.Attempted, o.Delivered = true, true
	if err := repo.RecordOutcome(ctx, "b1", o); err != nil {
		t.Fatalf("RecordOutcome upsert failed: %v", err)
	}

	got, err := repo.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if len(got.Outcomes) != 1 || !got.Outcomes[0].Delivered {
		t.Errorf("Expected single delivered outcome, got %+v", got.Outcomes)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetBatch(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil batch, got %+v", got)
	}
}

func TestListBatchesNewestFirst(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"old", "mid", "new"} {
		if err := repo.CreateBatch(ctx, newBatch(id, "alice", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("CreateBatch failed: %v", err)
		}
	}
	if err := repo.CreateBatch(ctx, newBatch("other", "bob", base)); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	batches, err := repo.ListBatches(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("ListBatches failed: %v", err)
	}
	if len(batches) != 2 || batches[0].ID != "new" || batches[1].ID != "mid" {
		t.Errorf("Unexpected batches: %+v", batches)
	}
}

func TestPruneBatches(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	stale := newBatch("stale", "alice", time.Now().Add(-48*time.Hour))
	fresh := newBatch("fresh", "alice", time.Now())
	for _, b := range []*domain.Batch{stale, fresh} {
		if err := repo.CreateBatch(ctx, b); err != nil {
			t.Fatalf("CreateBatch failed: %v", err)
		}
		if err := repo.RecordOutcome(ctx, b.ID, domain.Outcome{Position: 0, Recipient: "A", Message: "Hi Person1"}); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	deleted, err := repo.PruneBatches(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneBatches failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 pruned batch, got %d", deleted)
	}
	if got, _ := repo.GetBatch(ctx, "stale"); got != nil {
		t.Error("Expected stale batch to be pruned")
	}
	if got, _ := repo.GetBatch(ctx, "fresh"); got == nil || len(got.Outcomes) != 1 {
		t.Error("Expected fresh batch to survive with its outcome")
	}
}

func TestConcurrentOutcomeWrites(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < 4; i++ {
		b := newBatch(string(rune('a'+i)), "alice", time.Now())
		if err := repo.CreateBatch(ctx, b); err != nil {
			t.Fatalf("CreateBatch failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4*n)
	for i := 0; i < 4; i++ {
		batchID := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p < n; p++ {
				if err := repo.RecordOutcome(ctx, batchID, domain.Outcome{Position: p, Recipient: "X", Message: "m", Attempted: true}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent write failed: %v", err)
	}
	got, err := repo.GetBatch(ctx, "c")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if len(got.Outcomes) != n {
		t.Errorf("Expected %d outcomes, got %d", n, len(got.Outcomes))
	}
}

func TestPing(t *testing.T) {
	repo := newTestStore(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
