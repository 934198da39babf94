// Package syncer owns the top-level sync state machine:
// Idle -> Pushing -> Pulling -> Reconciling -> Idle, with an Error
// state reachable from any step. A single run is active at a time;
// concurrent triggers collapse into one queued follow-up run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidassist/gatesync/internal/conflict"
	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/queue"
	"github.com/davidassist/gatesync/internal/remote"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/davidassist/gatesync/internal/syncerrors"
)

// State names the orchestrator's current phase.
type State string

const (
	StateIdle        State = "idle"
	StatePushing     State = "pushing"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
	StateError       State = "error"
)

// Config tunes the sync cycle.
type Config struct {
	// BatchSize bounds operations per push batch and entities per
	// pull page.
	BatchSize int
	// PushBudget bounds push batches per cycle; larger backlogs are
	// processed over multiple cycles.
	PushBudget int
	// Interval drives timer-based syncs.
	Interval time.Duration
	// ErrorCooldown is the pause after an unrecoverable cycle error
	// before returning to Idle.
	ErrorCooldown time.Duration
	// AutoResolve enables automatic conflict resolution during the
	// reconcile phase.
	AutoResolve bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		PushBudget:    10,
		Interval:      5 * time.Minute,
		ErrorCooldown: 30 * time.Second,
		AutoResolve:   true,
	}
}

// Status is a point-in-time snapshot for the UI layer.
type Status struct {
	State         State
	LastError     string
	LastSyncAt    time.Time
	QueueDepth    int
	FailedOps     int
	OpenConflicts int
}

// Orchestrator coordinates push and pull cycles against the remote
// API. All mutation of the sync cursor goes through it.
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Manager
	api      remote.API
	detector *conflict.Detector
	resolver *conflict.Resolver
	logger   *slog.Logger
	cfg      Config

	// trigger coalesces sync requests: a trigger arriving mid-run
	// stays buffered and schedules exactly one follow-up run.
	trigger chan struct{}

	mu         sync.Mutex
	state      State
	lastErr    error
	lastSyncAt time.Time

	now func() time.Time
}

// New creates an orchestrator. It does not start anything; call Run.
func New(st *store.Store, qm *queue.Manager, api remote.API, det *conflict.Detector, res *conflict.Resolver, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		queue:    qm,
		api:      api,
		detector: det,
		resolver: res,
		logger:   logger,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
		state:    StateIdle,
		now:      time.Now,
	}
}

// Trigger requests a sync run. Non-blocking; overlapping triggers
// collapse into the already-queued run.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run executes the orchestrator loop until the context is cancelled.
// Runs are driven by Trigger calls (reconnect, manual sync) and the
// periodic timer.
func (o *Orchestrator) Run(ctx context.Context) error {
	// Operations left in-flight by a previous process die are simply
	// re-attempted; settlement is driven by server acks.
	if err := o.queue.RequeueInFlight(); err != nil {
		return fmt.Errorf("requeueing interrupted operations: %w", err)
	}
	// On shutdown, anything still in-flight returns to queued so the
	// next run retries it; acked operations are already settled.
	defer func() {
		if err := o.queue.RequeueInFlight(); err != nil {
			o.logger.Warn("requeueing on shutdown", slog.String("error", err.Error()))
		}
	}()

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.trigger:
		case <-ticker.C:
		}

		err := o.syncOnce(ctx)
		switch {
		case err == nil:
			o.setLastErr(nil)
		case errors.Is(err, context.Canceled):
			// Explicit cancel: acked operations are settled,
			// unacknowledged ones stay queued for the next run.
			return err
		default:
			o.setLastErr(err)
			o.setState(StateError)
			o.logger.Warn("sync cycle failed",
				slog.String("error", err.Error()),
				slog.Duration("cooldown", o.cfg.ErrorCooldown),
			)
			timer := time.NewTimer(o.cfg.ErrorCooldown)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if syncerrors.IsTransient(err) {
				// Transient failures retry without waiting for the
				// next external trigger.
				o.Trigger()
			}
		}
		o.setState(StateIdle)
	}
}

// syncOnce runs one full push/pull/reconcile cycle.
func (o *Orchestrator) syncOnce(ctx context.Context) error {
	if err := o.push(ctx); err != nil {
		return err
	}
	if err := o.pull(ctx); err != nil {
		return err
	}
	o.reconcile(ctx)

	o.mu.Lock()
	o.lastSyncAt = o.now()
	o.mu.Unlock()
	return nil
}

// push drains the queue in bounded batches. A transport failure aborts
// the cycle with nothing partially committed: the batch returns to
// queued and backoff schedules the retry. Per-operation outcomes
// (rejection, conflict) never abort the batch.
func (o *Orchestrator) push(ctx context.Context) error {
	o.setState(StatePushing)

	for batch := 0; batch < o.cfg.PushBudget; batch++ {
		ops, err := o.queue.DequeueNextBatch(o.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("dequeuing push batch: %w", err)
		}
		if len(ops) == 0 {
			return nil
		}

		o.setEntityStatus(ops, model.StatusSyncing)

		cursor, err := o.store.Cursor()
		if err != nil {
			return fmt.Errorf("reading cursor: %w", err)
		}

		req := remote.PushRequest{
			BatchID:       model.NewID(),
			Operations:    toWireOps(ops),
			LastSyncToken: cursor,
		}

		resp, err := o.api.Push(ctx, req)
		if err != nil {
			// Nothing committed: the whole batch goes back to queued
			// and entities revert to pending.
			o.setEntityStatus(ops, model.StatusPending)
			if rqErr := o.queue.RequeueInFlight(); rqErr != nil {
				return fmt.Errorf("requeueing after push failure: %w", rqErr)
			}
			return fmt.Errorf("push batch: %w", err)
		}

		if err := o.applyPushResponse(ops, resp); err != nil {
			return err
		}

		o.logger.Info("push batch complete",
			slog.Int("sent", len(ops)),
			slog.Int("accepted", len(resp.Accepted)),
			slog.Int("conflicts", len(resp.Conflicts)),
			slog.Int("rejected", len(resp.Rejected)),
		)
	}
	return nil
}

// applyPushResponse settles, rejects, or conflicts each operation of a
// batch. Operations the server did not mention are treated as
// unacknowledged and retried with backoff.
func (o *Orchestrator) applyPushResponse(ops []model.OpLogEntry, resp *remote.PushResponse) error {
	byID := make(map[string]model.OpLogEntry, len(ops))
	for _, op := range ops {
		byID[op.OpID] = op
	}
	seen := make(map[string]bool, len(ops))

	for _, opID := range resp.Accepted {
		seen[opID] = true
		if err := o.queue.ReportSuccess(opID); err != nil {
			return fmt.Errorf("settling accepted operation: %w", err)
		}
	}

	var unsettled []model.OpLogEntry

	for _, rej := range resp.Rejected {
		seen[rej.OpID] = true
		cause := &syncerrors.Rejection{OpID: rej.OpID, StatusCode: rej.Status, Reason: rej.Reason}
		if err := o.queue.ReportFailure(rej.OpID, cause); err != nil {
			return fmt.Errorf("recording rejection: %w", err)
		}
		if op, ok := byID[rej.OpID]; ok {
			unsettled = append(unsettled, op)
		}
	}

	for _, marker := range resp.Conflicts {
		seen[marker.OpID] = true
		op, ok := byID[marker.OpID]
		if !ok {
			o.logger.Warn("conflict marker for unknown operation",
				slog.String("op_id", marker.OpID))
			continue
		}
		if _, err := o.detector.RecordPushConflict(marker, op); err != nil {
			return fmt.Errorf("recording push conflict: %w", err)
		}
	}

	for _, op := range ops {
		if seen[op.OpID] {
			continue
		}
		cause := fmt.Errorf("operation %s not acknowledged by server: %w", op.OpID, syncerrors.ErrUnavailable)
		if err := o.queue.ReportFailure(op.OpID, cause); err != nil {
			return fmt.Errorf("recording missing ack: %w", err)
		}
		unsettled = append(unsettled, op)
	}

	// Entities whose push did not land go back to pending.
	o.setEntityStatus(unsettled, model.StatusPending)
	return nil
}

// pull requests the remote delta since the cursor and applies it page
// by page. The cursor advances only after a page is fully applied, so
// a mid-pull crash replays that page; replay is idempotent by entity
// version.
func (o *Orchestrator) pull(ctx context.Context) error {
	o.setState(StatePulling)

	cursor, err := o.store.Cursor()
	if err != nil {
		return fmt.Errorf("reading cursor: %w", err)
	}
	if cursor == "" {
		cursor, err = o.bootstrap(ctx)
		if err != nil {
			return err
		}
	}

	for {
		resp, err := o.api.Pull(ctx, remote.PullRequest{
			BatchID:       model.NewID(),
			LastSyncToken: cursor,
			BatchSize:     o.cfg.BatchSize,
		})
		if errors.Is(err, syncerrors.ErrCursorExpired) {
			// The server no longer holds our history. Full resync:
			// drop the cursor and restart from a fresh bootstrap.
			o.logger.Warn("sync cursor expired, starting full resync")
			if err := o.store.ResetCursor(); err != nil {
				return fmt.Errorf("resetting cursor: %w", err)
			}
			cursor, err = o.bootstrap(ctx)
			if err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("pull page: %w", err)
		}

		applied, conflicted, err := o.applyPullPage(resp.Entities)
		if err != nil {
			return err
		}

		if err := o.store.SetCursor(resp.NextSyncToken); err != nil {
			return fmt.Errorf("advancing cursor: %w", err)
		}
		cursor = resp.NextSyncToken

		o.logger.Info("pull page applied",
			slog.Int("entities", len(resp.Entities)),
			slog.Int("applied", applied),
			slog.Int("conflicted", conflicted),
			slog.String("cursor", resp.NextSyncToken),
		)

		if !resp.HasMore {
			return nil
		}
	}
}

// bootstrap fetches the starting sync token for a client with no
// cursor: first run, or recovery after the server expired our token.
func (o *Orchestrator) bootstrap(ctx context.Context) (string, error) {
	token, err := o.api.BootstrapToken(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrapping sync token: %w", err)
	}
	o.logger.Info("bootstrapped sync token", slog.String("token", token))
	return token, nil
}

// applyPullPage applies one page of remote entities. An entity with no
// unsettled local mutation is written straight through; one with a
// pending local edit goes to the conflict detector instead — a remote
// change is never blindly overwritten onto an uncommitted local edit.
func (o *Orchestrator) applyPullPage(entities []model.Entity) (applied, conflicted int, err error) {
	for _, e := range entities {
		ops, err := o.store.PendingOpsForEntity(e.ID)
		if err != nil {
			return applied, conflicted, fmt.Errorf("loading pending operations for %s: %w", e.ID, err)
		}
		ops = mutationOps(ops)

		if len(ops) == 0 {
			if err := o.store.ApplyRemoteEntity(e); err != nil {
				return applied, conflicted, fmt.Errorf("applying remote entity %s: %w", e.ID, err)
			}
			applied++
			continue
		}

		local, err := o.store.GetEntity(e.ID)
		if err != nil {
			return applied, conflicted, fmt.Errorf("loading local entity %s: %w", e.ID, err)
		}
		if local == nil {
			if err := o.store.ApplyRemoteEntity(e); err != nil {
				return applied, conflicted, fmt.Errorf("applying remote entity %s: %w", e.ID, err)
			}
			applied++
			continue
		}

		created, err := o.detector.DetectPull(e, local, ops)
		if err != nil {
			return applied, conflicted, fmt.Errorf("detecting conflicts for %s: %w", e.ID, err)
		}
		conflicted += len(created)
	}
	return applied, conflicted, nil
}

// reconcile runs auto-resolution over newly created conflicts.
func (o *Orchestrator) reconcile(ctx context.Context) {
	o.setState(StateReconciling)
	if !o.cfg.AutoResolve {
		return
	}
	open, err := o.store.OpenConflicts()
	if err != nil {
		o.logger.Warn("loading open conflicts", slog.String("error", err.Error()))
		return
	}
	if len(open) == 0 {
		return
	}
	resolved := o.resolver.AutoResolve(ctx, open)
	o.logger.Info("auto-resolution complete",
		slog.Int("open", len(open)),
		slog.Int("resolved", resolved),
	)
}

// Status returns a snapshot of the sync health for the UI layer.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{State: o.state, LastSyncAt: o.lastSyncAt}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	o.mu.Unlock()

	if depth, err := o.queue.Depth(); err == nil {
		st.QueueDepth = depth
	}
	if failed, err := o.store.FailedPermanentOps(); err == nil {
		st.FailedOps = len(failed)
	}
	if open, err := o.store.OpenConflicts(); err == nil {
		st.OpenConflicts = len(open)
	}
	return st
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// setLastErr records the most recent cycle failure. It is cleared only
// by a successful cycle, so the health snapshot stays actionable after
// the error cooldown has returned the state to idle.
func (o *Orchestrator) setLastErr(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

// setEntityStatus flips entity sync status for a batch, skipping
// conflicted entities (conflicts settle by resolution, not by push).
func (o *Orchestrator) setEntityStatus(ops []model.OpLogEntry, status model.SyncStatus) {
	touched := make(map[string]bool)
	for _, op := range ops {
		if op.OpType == model.OpUpload || touched[op.EntityID] {
			continue
		}
		touched[op.EntityID] = true
		e, err := o.store.GetEntity(op.EntityID)
		if err != nil || e == nil || e.SyncStatus == model.StatusConflicted {
			continue
		}
		e.SyncStatus = status
		if err := o.store.PutEntity(*e); err != nil {
			o.logger.Warn("updating entity sync status",
				slog.String("entity_id", e.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func toWireOps(ops []model.OpLogEntry) []remote.Operation {
	wire := make([]remote.Operation, 0, len(ops))
	for _, op := range ops {
		wire = append(wire, remote.Operation{
			OpID:        op.OpID,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
			OpType:      op.OpType,
			BaseVersion: op.BaseVersion,
			Payload:     op.Payload,
			UpdatedAt:   op.CreatedAt,
		})
	}
	return wire
}

// mutationOps filters out attachment uploads: they reference an entity
// but carry no field changes, so they never gate pull application.
func mutationOps(ops []model.OpLogEntry) []model.OpLogEntry {
	var out []model.OpLogEntry
	for _, op := range ops {
		if op.OpType != model.OpUpload {
			out = append(out, op)
		}
	}
	return out
}
