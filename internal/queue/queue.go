// Package queue manages the durable queue of pending network
// operations layered on the store's operation log. Operations drain by
// priority class and FIFO within a class, retry with capped
// exponential backoff plus jitter, and land in a visible
// failed-permanent state once attempts exhaust.
package queue

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/davidassist/gatesync/internal/syncerrors"
)

// Config tunes the retry policy.
type Config struct {
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// Factor multiplies the delay per attempt.
	Factor float64
	// MaxAttempts bounds retries before failed-permanent.
	MaxAttempts int
}

// DefaultConfig matches the engine defaults: base 2s, factor 2,
// cap 5 minutes, 8 attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Factor:      2,
		MaxAttempts: 8,
	}
}

// Manager is the queue manager. Enqueue may be called concurrently
// from UI-driven mutations; the store serializes the underlying
// transactions.
type Manager struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// New creates a queue manager over the given store.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	return &Manager{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Enqueue records a local mutation: the entity write and the queued
// operation commit in one store transaction.
func (m *Manager) Enqueue(e model.Entity, op model.OpLogEntry) error {
	m.prepare(&op)
	if err := m.store.SaveLocalMutation(e, op); err != nil {
		return fmt.Errorf("enqueueing %s for %s: %w", op.OpType, op.EntityID, err)
	}
	m.logger.Debug("operation enqueued",
		slog.String("op_id", op.OpID),
		slog.String("op_type", string(op.OpType)),
		slog.String("entity_id", op.EntityID),
	)
	return nil
}

// EnqueueOp queues an operation with no accompanying entity write,
// such as an attachment upload.
func (m *Manager) EnqueueOp(op model.OpLogEntry) error {
	m.prepare(&op)
	if err := m.store.AppendOp(op); err != nil {
		return fmt.Errorf("enqueueing %s: %w", op.OpType, err)
	}
	m.logger.Debug("operation enqueued",
		slog.String("op_id", op.OpID),
		slog.String("op_type", string(op.OpType)),
	)
	return nil
}

func (m *Manager) prepare(op *model.OpLogEntry) {
	if op.OpID == "" {
		op.OpID = model.NewID()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = m.now().UnixMilli()
	}
	op.Status = model.OpQueued
	op.AttemptCount = 0
	op.NextAttemptAt = 0
}

// DequeueNextBatch returns up to maxSize queued operations whose
// backoff deadline has elapsed, ordered by priority class then FIFO,
// and marks them in-flight.
func (m *Manager) DequeueNextBatch(maxSize int) ([]model.OpLogEntry, error) {
	pending, err := m.store.ListPendingOps()
	if err != nil {
		return nil, fmt.Errorf("listing pending operations: %w", err)
	}

	now := m.now().UnixMilli()
	var batch []model.OpLogEntry
	for _, op := range pending {
		if len(batch) >= maxSize {
			break
		}
		if op.Status != model.OpQueued || op.NextAttemptAt > now {
			continue
		}
		op.Status = model.OpInFlight
		if err := m.store.UpdateOp(op); err != nil {
			return nil, fmt.Errorf("marking %s in-flight: %w", op.OpID, err)
		}
		batch = append(batch, op)
	}
	return batch, nil
}

// ReportSuccess settles an acknowledged operation.
func (m *Manager) ReportSuccess(opID string) error {
	if err := m.store.MarkOpSettled(opID); err != nil {
		return fmt.Errorf("settling %s: %w", opID, err)
	}
	return nil
}

// ReportFailure schedules a retry for a transient failure, or marks
// the operation failed-permanent when it was rejected by the server or
// its attempts are exhausted.
func (m *Manager) ReportFailure(opID string, cause error) error {
	op, err := m.store.GetOp(opID)
	if err != nil {
		return fmt.Errorf("loading %s: %w", opID, err)
	}
	if op == nil {
		return fmt.Errorf("operation %s: %w", opID, syncerrors.ErrNotFound)
	}

	op.AttemptCount++
	op.LastError = cause.Error()

	if rej, ok := syncerrors.IsRejection(cause); ok {
		// Validation rejections are definitive; retrying cannot help.
		op.Status = model.OpFailedPermanent
		m.logger.Warn("operation rejected by server",
			slog.String("op_id", op.OpID),
			slog.Int("status", rej.StatusCode),
			slog.String("reason", rej.Reason),
		)
		return m.store.UpdateOp(*op)
	}

	if op.AttemptCount >= m.cfg.MaxAttempts {
		op.Status = model.OpFailedPermanent
		m.logger.Warn("operation failed permanently, retries exhausted",
			slog.String("op_id", op.OpID),
			slog.Int("attempts", op.AttemptCount),
			slog.String("error", cause.Error()),
		)
		return m.store.UpdateOp(*op)
	}

	delay := m.backoff(op.AttemptCount)
	op.Status = model.OpQueued
	op.NextAttemptAt = m.now().Add(delay).UnixMilli()
	m.logger.Debug("operation retry scheduled",
		slog.String("op_id", op.OpID),
		slog.Int("attempt", op.AttemptCount),
		slog.Duration("delay", delay),
	)
	return m.store.UpdateOp(*op)
}

// RequeueInFlight returns in-flight operations to queued without
// counting an attempt. Called on startup and after a cancelled cycle:
// settlement is driven by server acks, never by cancellation, so an
// unacknowledged operation is simply tried again.
func (m *Manager) RequeueInFlight() error {
	pending, err := m.store.ListPendingOps()
	if err != nil {
		return fmt.Errorf("listing pending operations: %w", err)
	}
	for _, op := range pending {
		if op.Status != model.OpInFlight {
			continue
		}
		op.Status = model.OpQueued
		if err := m.store.UpdateOp(op); err != nil {
			return fmt.Errorf("requeueing %s: %w", op.OpID, err)
		}
	}
	return nil
}

// RetryPermanent puts a failed-permanent operation back in the queue
// with a fresh attempt budget. Explicit user action.
func (m *Manager) RetryPermanent(opID string) error {
	op, err := m.store.GetOp(opID)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("operation %s: %w", opID, syncerrors.ErrNotFound)
	}
	if op.Status != model.OpFailedPermanent {
		return fmt.Errorf("operation %s: %w", opID, syncerrors.ErrOpNotPermanent)
	}
	op.Status = model.OpQueued
	op.AttemptCount = 0
	op.NextAttemptAt = 0
	op.LastError = ""
	return m.store.UpdateOp(*op)
}

// DiscardPermanent drops a failed-permanent operation. Explicit user
// action; the operation log entry is removed.
func (m *Manager) DiscardPermanent(opID string) error {
	op, err := m.store.GetOp(opID)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("operation %s: %w", opID, syncerrors.ErrNotFound)
	}
	if op.Status != model.OpFailedPermanent {
		return fmt.Errorf("operation %s: %w", opID, syncerrors.ErrOpNotPermanent)
	}
	return m.store.DeleteOp(opID)
}

// Depth returns the number of queued and in-flight operations.
func (m *Manager) Depth() (int, error) {
	pending, err := m.store.ListPendingOps()
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// backoff computes the delay before the given attempt number, capped,
// with up to 50% jitter added so reconnecting clients spread out.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * m.cfg.Factor)
		if delay >= m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
			break
		}
	}
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	total := delay + m.jitter(delay/2)
	if total > m.cfg.MaxDelay {
		total = m.cfg.MaxDelay
	}
	return total
}
