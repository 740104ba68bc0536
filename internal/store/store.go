// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/wa-dispatch/internal/domain"
)

// Repository defines the interface for persisting dispatch audit records.
type Repository interface {
	// CreateBatch inserts a new batch header.
	CreateBatch(ctx context.Context, b *domain.Batch) error

	// RecordOutcome stores the result for one recipient of a batch.
	RecordOutcome(ctx context.Context, batchID string, o domain.Outcome) error

	// FinishBatch stores the final status of a batch.
	FinishBatch(ctx context.Context, b *domain.Batch) error

	// GetBatch retrieves a batch with its outcomes ordered by position.
	// Returns nil, nil when the batch does not exist.
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)

	// ListBatches returns the most recent batch headers for a session, newest first.
	ListBatches(ctx context.Context, sessionID string, limit int) ([]*domain.Batch, error)

	// PruneBatches removes batches created before the retention window.
	PruneBatches(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
