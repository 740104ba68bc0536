// Package domain contains core domain types for the dispatch service.
package domain

import "time"

// BatchStatus summarizes how a batch ended.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "RUNNING"
	BatchDelivered BatchStatus = "DELIVERED"
	BatchPartial   BatchStatus = "PARTIAL"
	BatchFailed    BatchStatus = "FAILED"
	BatchCancelled BatchStatus = "CANCELLED"
)

// Outcome is the result of sending to a single recipient.
type Outcome struct {
	Position  int    `json:"position"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Attempted bool   `json:"attempted"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Batch is one send request against a session and its per-recipient results.
type Batch struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	Template      string      `json:"template"`
	HasAttachment bool        `json:"has_attachment"`
	Total         int         `json:"total"`
	Status        BatchStatus `json:"status"`
	Accepted      bool        `json:"accepted"`
	Outcomes      []Outcome   `json:"outcomes"`
	CreatedAt     time.Time   `json:"created_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

// Delivered returns the number of recipients that received the message.
func (b *Batch) Delivered() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Delivered {
			n++
		}
	}
	return n
}

// Summarize derives the final status from the recorded outcomes.
func (b *Batch) Summarize() BatchStatus {
	attempted := 0
	for _, o := range b.Outcomes {
		if o.Attempted {
			attempted++
		}
	}
	delivered := b.Delivered()
	switch {
	case attempted < b.Total:
		return BatchCancelled
	case delivered == b.Total:
		return BatchDelivered
	case delivered == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}
