// Package dispatch sends paced, personalized message batches through a ready session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/transport"
	"github.com/google/uuid"
)

var (
	ErrSessionNotReady    = errors.New("session not ready")
	ErrDispatchInProgress = errors.New("dispatch already in progress for session")
	ErrNoRecipients       = errors.New("no recipients")
)

const (
	defaultSendTimeout = 60 * time.Second
	recordTimeout      = 5 * time.Second
	cancelledReason    = "cancelled"
)

// Recorder persists batches and their outcomes as they happen.
type Recorder interface {
	CreateBatch(ctx context.Context, b *domain.Batch) error
	RecordOutcome(ctx context.Context, batchID string, o domain.Outcome) error
	FinishBatch(ctx context.Context, b *domain.Batch) error
}

// Request is one batch submission.
type Request struct {
	SessionID  string
	Recipients []string
	Template   string
	Attachment *transport.Media
}

// Config holds dispatcher tuning.
type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
}

// Dispatcher delivers batches sequentially, one recipient at a time.
type Dispatcher struct {
	reg         *session.Registry
	pacer       *Pacer
	rec         Recorder
	sendTimeout time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder stores batch results as they are produced.
func WithRecorder(rec Recorder) Option {
	return func(d *Dispatcher) { d.rec = rec }
}

// WithPacer overrides the pacer built from Config.
func WithPacer(p *Pacer) Option {
	return func(d *Dispatcher) { d.pacer = p }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New creates a Dispatcher resolving sessions through reg.
// The pacing range is taken as given; a zero range sends without pausing.
func New(reg *session.Registry, cfg Config, opts ...Option) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	d := &Dispatcher{
		reg:         reg,
		sendTimeout: cfg.SendTimeout,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pacer == nil {
		d.pacer = NewPacer(cfg.MinDelay, cfg.MaxDelay)
	}
	return d
}

// Personalize appends the positional label for the recipient at index i.
func Personalize(template string, i int) string {
	return fmt.Sprintf("%s Person%d", template, i+1)
}

// Dispatch sends the batch and blocks until every recipient has been attempted
// or ctx is done. Per-recipient failures are recorded in the outcomes and never
// abort the batch. When ctx ends early, recipients not yet started are marked
// as not attempted; completed sends stay as they are.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*domain.Batch, error) {
	s, err := d.reg.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if s.State() != domain.StateReady {
		return nil, fmt.Errorf("dispatch to %s in state %s: %w", s.ID, s.State(), ErrSessionNotReady)
	}
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	h := d.reg.Handle(s)
	if h == nil {
		return nil, fmt.Errorf("dispatch to %s without handle: %w", s.ID, ErrSessionNotReady)
	}

	if !s.TryLockDispatch() {
		d.log.Warn("Dispatch already in progress", "session_id", s.ID)
		return nil, ErrDispatchInProgress
	}
	defer s.UnlockDispatch()

	batch := &domain.Batch{
		ID:            uuid.NewString(),
		SessionID:     s.ID,
		Template:      req.Template,
		HasAttachment: req.Attachment != nil,
		Total:         len(req.Recipients),
		Status:        domain.BatchRunning,
		Outcomes:      make([]domain.Outcome, 0, len(req.Recipients)),
		CreatedAt:     d.now(),
	}
	log := d.log.With("session_id", s.ID, "batch_id", batch.ID)
	log.Info("Batch started", "recipients", batch.Total, "attachment", batch.HasAttachment)
	d.record(ctx, log, "create batch", func(rctx context.Context) error {
		return d.rec.CreateBatch(rctx, batch)
	})

	for i, to := range req.Recipients {
		out := domain.Outcome{Position: i, Recipient: to, Message: Personalize(req.Template, i)}

		if err := d.pace(ctx, s, log); err != nil {
			log.Info("Batch cancelled", "remaining", len(req.Recipients)-i, "reason", err)
			d.skipRemaining(ctx, log, batch, req, i)
			break
		}

		out.Attempted = true
		if err := d.send(ctx, h, to, out.Message, req.Attachment); err != nil {
			out.Error = err.Error()
			log.Warn("Send failed", "recipient", to, "position", i, "error", err)
		} else {
			out.Delivered = true
			log.Info("Message sent", "recipient", to, "position", i)
		}
		d.appendOutcome(ctx, log, batch, out)
	}

	finished := d.now()
	batch.FinishedAt = &finished
	batch.Status = batch.Summarize()
	batch.Accepted = batch.Status != domain.BatchCancelled
	d.record(ctx, log, "finish batch", func(rctx context.Context) error {
		return d.rec.FinishBatch(rctx, batch)
	})

	log.Info("Batch finished", "status", string(batch.Status), "delivered", batch.Delivered(), "total", batch.Total)
	return batch, nil
}

func (d *Dispatcher) pace(ctx context.Context, s *session.Session, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delay, err := d.pacer.Wait(ctx)
	if err != nil {
		return err
	}
	log.Debug("Pacing delay elapsed", "delay", delay)
	return s.Throttle().Wait(ctx)
}

func (d *Dispatcher) send(ctx context.Context, h transport.Handle, to, text string, media *transport.Media) error {
	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if media != nil {
		return h.SendMedia(sctx, to, media, text)
	}
	return h.SendText(sctx, to, text)
}

func (d *Dispatcher) skipRemaining(ctx context.Context, log *slog.Logger, batch *domain.Batch, req Request, from int) {
	for j := from; j < len(req.Recipients); j++ {
		d.appendOutcome(ctx, log, batch, domain.Outcome{
			Position:  j,
			Recipient: req.Recipients[j],
			Message:   Personalize(req.Template, j),
			Error:     cancelledReason,
		})
	}
}

func (d *Dispatcher) appendOutcome(ctx context.Context, log *slog.Logger, batch *domain.Batch, out domain.Outcome) {
	batch.Outcomes = append(batch.Outcomes, out)
	d.record(ctx, log, "record outcome", func(rctx context.Context) error {
		return d.rec.RecordOutcome(rctx, batch.ID, out)
	})
}

// record writes to the audit store. Failures are logged and never affect the batch.
func (d *Dispatcher) record(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) {
	if d.rec == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		log.Error("Failed to record batch", "op", op, "error", err)
	}
}
