package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/remote"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/davidassist/gatesync/internal/syncerrors"
)

// Resolver applies resolutions to open conflicts. Auto-resolution and
// explicit user choices go through the same Resolve entry point, so
// there is exactly one write-back path.
type Resolver struct {
	store    *store.Store
	registry *Registry
	api      remote.API
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a resolver. api may be nil, in which case
// resolutions are not mirrored to the server.
func NewResolver(st *store.Store, registry *Registry, api remote.API, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    st,
		registry: registry,
		api:      api,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve settles one conflict with the chosen strategy. The resolved
// value, the conflict's resolved marker, and any queue adjustments
// commit in a single store transaction; the server mirror is
// best-effort afterwards.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, res model.Resolution, resolvedBy string) error {
	c, err := r.store.GetConflict(conflictID)
	if err != nil {
		return fmt.Errorf("loading conflict %s: %w", conflictID, err)
	}
	if c == nil {
		return fmt.Errorf("conflict %s: %w", conflictID, syncerrors.ErrNotFound)
	}
	if c.Resolved() {
		return fmt.Errorf("conflict %s: %w", conflictID, syncerrors.ErrAlreadyResolved)
	}

	write := store.Resolution{
		ConflictID: c.ID,
		Resolution: res,
		ResolvedBy: resolvedBy,
	}

	switch res {
	case model.UseLocal:
		// Keep local and re-push so the server converges. The stale
		// pending edit is superseded by the follow-up; left queued it
		// would replay at its old base and re-conflict.
		write.Value = c.LocalValue
		write.DropLocalField = true
		write.FollowUp = r.followUpOp(c)

	case model.UseRemote:
		write.Value = c.RemoteValue
		write.DropLocalField = true
		if c.WholeEntity() && c.RemoteValue == nil {
			write.Delete = true
		}

	case model.Merge:
		policy := r.registry.Lookup(c.EntityType, c.Field)
		merged, ok := Merge(policy, c.LocalValue, c.RemoteValue)
		if !ok {
			return fmt.Errorf("field %s.%s is not mergeable (policy %s)", c.EntityType, c.Field, policy)
		}
		write.Value = merged
		// The merged value differs from both sides; push it instead
		// of the superseded pending edit.
		write.DropLocalField = true
		write.FollowUp = r.followUpOp(c)
		write.FollowUp.Payload = map[string]any{c.Field: merged}

	default:
		return fmt.Errorf("unknown resolution %q", res)
	}

	if err := r.store.ApplyResolution(write); err != nil {
		return fmt.Errorf("applying resolution for %s: %w", conflictID, err)
	}

	r.logger.Info("conflict resolved",
		slog.String("conflict_id", c.ID),
		slog.String("entity_id", c.EntityID),
		slog.String("field", c.Field),
		slog.String("resolution", string(res)),
		slog.String("resolved_by", resolvedBy),
	)

	r.mirror(ctx, c.ID, res, write.Value)
	return nil
}

// AutoResolve runs the automatic policy over newly created conflicts:
// mergeable fields merge, everything else falls back to
// last-writer-wins with ties favoring remote. Whole-entity conflicts
// stay open for explicit user resolution. Returns how many conflicts
// were settled.
func (r *Resolver) AutoResolve(ctx context.Context, conflicts []model.Conflict) int {
	resolved := 0
	for i := range conflicts {
		c := &conflicts[i]
		res, ok := r.autoChoice(c)
		if !ok {
			r.logger.Info("conflict awaiting manual resolution",
				slog.String("conflict_id", c.ID),
				slog.String("entity_id", c.EntityID),
				slog.String("field", c.Field),
			)
			continue
		}
		if err := r.Resolve(ctx, c.ID, res, "auto"); err != nil {
			r.logger.Warn("auto-resolution failed",
				slog.String("conflict_id", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resolved++
	}
	return resolved
}

// autoChoice picks the automatic resolution for a conflict, or false
// when it requires a human.
func (r *Resolver) autoChoice(c *model.Conflict) (model.Resolution, bool) {
	if c.WholeEntity() {
		// Delete-vs-update is never decided automatically.
		return "", false
	}
	policy := r.registry.Lookup(c.EntityType, c.Field)
	if policy != NoMerge {
		if _, ok := Merge(policy, c.LocalValue, c.RemoteValue); ok {
			return model.Merge, true
		}
	}
	// Last-writer-wins; the server is the tie-break authority.
	if c.LocalTimestamp > c.RemoteTimestamp {
		return model.UseLocal, true
	}
	return model.UseRemote, true
}

// followUpOp builds the re-push operation for a kept-local or merged
// value.
func (r *Resolver) followUpOp(c *model.Conflict) *model.OpLogEntry {
	op := &model.OpLogEntry{
		OpID:        model.NewID(),
		EntityType:  c.EntityType,
		EntityID:    c.EntityID,
		OpType:      model.OpUpdate,
		BaseVersion: c.RemoteVersion,
		Priority:    model.PriorityMetadata,
		CreatedAt:   r.now().UnixMilli(),
		Status:      model.OpQueued,
	}
	if c.WholeEntity() {
		if c.LocalValue == nil {
			op.OpType = model.OpDelete
			return op
		}
		if fields, ok := c.LocalValue.(map[string]any); ok {
			op.Payload = fields
		}
		return op
	}
	op.Payload = map[string]any{c.Field: c.LocalValue}
	return op
}

// mirror reports the resolution to the server for audit. Failures are
// logged, not propagated: the local resolution already committed and
// the server reconciles on the next push.
func (r *Resolver) mirror(ctx context.Context, conflictID string, res model.Resolution, value any) {
	if r.api == nil {
		return
	}
	err := r.api.ResolveConflict(ctx, conflictID, remote.ResolveRequest{
		Resolution:    res,
		ResolvedValue: value,
	})
	if err != nil {
		r.logger.Warn("failed to mirror resolution to server",
			slog.String("conflict_id", conflictID),
			slog.String("error", err.Error()),
		)
	}
}
