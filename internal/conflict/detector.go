package conflict

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/remote"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Detector compares incoming remote versions against local pending
// versions of the same entity and records Conflict records when both
// sides changed independently. It never overwrites an entity that has
// an uncommitted local edit.
type Detector struct {
	store  *store.Store
	logger *slog.Logger
	dmp    *diffmatchpatch.DiffMatchPatch
	now    func() time.Time
}

// NewDetector creates a detector over the given store.
func NewDetector(st *store.Store, logger *slog.Logger) *Detector {
	return &Detector{
		store:  st,
		logger: logger,
		dmp:    diffmatchpatch.New(),
		now:    time.Now,
	}
}

// DetectPull reconciles one pulled remote entity against the local
// copy and its unsettled operations. Untouched fields are applied
// straight through; fields with a divergent pending local edit become
// Conflict records. Returns the conflicts created by this call.
//
// Replays are harmless: a remote version at or below the local base is
// skipped, and an open conflict for the same (entity, field) is never
// duplicated.
func (d *Detector) DetectPull(remoteEnt model.Entity, local *model.Entity, ops []model.OpLogEntry) ([]model.Conflict, error) {
	if local == nil {
		return nil, fmt.Errorf("detect pull for %s: no local entity", remoteEnt.ID)
	}
	if remoteEnt.Version <= local.Version {
		return nil, nil
	}

	open, err := d.store.OpenConflicts()
	if err != nil {
		return nil, fmt.Errorf("loading open conflicts: %w", err)
	}

	// Delete-vs-update divergence covers the whole entity.
	if remoteEnt.Deleted {
		if hasPendingDelete(ops) {
			// Both sides deleted the entity: convergent, nothing to
			// raise. Apply the remote delete and settle the local one.
			if err := d.store.ApplyRemoteEntity(remoteEnt); err != nil {
				return nil, fmt.Errorf("applying remote delete for %s: %w", remoteEnt.ID, err)
			}
			for _, op := range ops {
				if op.OpType != model.OpDelete {
					continue
				}
				if err := d.store.MarkOpSettled(op.OpID); err != nil {
					return nil, fmt.Errorf("settling local delete %s: %w", op.OpID, err)
				}
			}
			return nil, nil
		}
		c := d.wholeEntityConflict(remoteEnt, local.Fields, nil)
		return d.save(open, []model.Conflict{c})
	}
	if hasPendingDelete(ops) {
		c := d.wholeEntityConflict(remoteEnt, nil, remoteEnt.Fields)
		return d.save(open, []model.Conflict{c})
	}

	var created []model.Conflict
	updated := *local
	if updated.Fields == nil {
		updated.Fields = make(map[string]any)
	}

	for field, remoteVal := range remoteEnt.Fields {
		if !fieldTouched(ops, field) {
			updated.Fields[field] = remoteVal
			continue
		}

		localVal := updated.Fields[field]
		if model.ValueEqual(localVal, remoteVal) {
			// Convergent edits: both sides agree, nothing to raise.
			continue
		}

		base := baseVersion(ops, field)
		if remoteEnt.Version <= base {
			// Remote is the state the local edit was made against.
			continue
		}

		created = append(created, model.Conflict{
			ID:              model.NewID(),
			EntityType:      remoteEnt.Type,
			EntityID:        remoteEnt.ID,
			Field:           field,
			LocalValue:      localVal,
			RemoteValue:     remoteVal,
			LocalTimestamp:  local.UpdatedAt,
			RemoteTimestamp: remoteEnt.UpdatedAt,
			RemoteVersion:   remoteEnt.Version,
			Diff:            d.diffPreview(localVal, remoteVal),
		})
	}

	// The remote version becomes the new base for this entity.
	updated.Version = remoteEnt.Version
	if err := d.store.PutEntity(updated); err != nil {
		return nil, fmt.Errorf("applying untouched remote fields for %s: %w", remoteEnt.ID, err)
	}

	return d.save(open, created)
}

// RecordPushConflict records a conflict reported by the push endpoint.
// The refused operation is removed from the queue; the resolution
// decides whether its value is re-pushed (use_local) or dropped.
func (d *Detector) RecordPushConflict(marker remote.ConflictMarker, op model.OpLogEntry) (*model.Conflict, error) {
	open, err := d.store.OpenConflicts()
	if err != nil {
		return nil, fmt.Errorf("loading open conflicts: %w", err)
	}

	var localVal any
	if marker.Field != "" {
		localVal = op.Payload[marker.Field]
	} else if op.OpType != model.OpDelete {
		localVal = op.Payload
	}

	c := model.Conflict{
		ID:              model.NewID(),
		EntityType:      marker.EntityType,
		EntityID:        marker.EntityID,
		Field:           marker.Field,
		LocalValue:      localVal,
		RemoteValue:     marker.RemoteValue,
		LocalTimestamp:  op.CreatedAt,
		RemoteTimestamp: marker.RemoteTimestamp,
		RemoteVersion:   marker.RemoteVersion,
		Diff:            d.diffPreview(localVal, marker.RemoteValue),
	}

	saved, err := d.save(open, []model.Conflict{c})
	if err != nil {
		return nil, err
	}

	if err := d.store.DeleteOp(op.OpID); err != nil {
		return nil, fmt.Errorf("removing refused operation %s: %w", op.OpID, err)
	}

	if len(saved) == 0 {
		return nil, nil
	}
	return &saved[0], nil
}

// save persists conflicts, skipping any (entity, field) pair that
// already has an open record.
func (d *Detector) save(open []model.Conflict, conflicts []model.Conflict) ([]model.Conflict, error) {
	var saved []model.Conflict
	for _, c := range conflicts {
		if hasOpenConflict(open, c.EntityID, c.Field) {
			continue
		}
		if err := d.store.SaveConflict(c); err != nil {
			return saved, fmt.Errorf("saving conflict for %s.%s: %w", c.EntityID, c.Field, err)
		}
		d.logger.Info("conflict recorded",
			slog.String("entity_id", c.EntityID),
			slog.String("field", c.Field),
			slog.String("local", describeValue(c.LocalValue)),
			slog.String("remote", describeValue(c.RemoteValue)),
		)
		saved = append(saved, c)
	}
	return saved, nil
}

func (d *Detector) wholeEntityConflict(remoteEnt model.Entity, localVal, remoteVal any) model.Conflict {
	return model.Conflict{
		ID:              model.NewID(),
		EntityType:      remoteEnt.Type,
		EntityID:        remoteEnt.ID,
		LocalValue:      localVal,
		RemoteValue:     remoteVal,
		LocalTimestamp:  d.now().UnixMilli(),
		RemoteTimestamp: remoteEnt.UpdatedAt,
		RemoteVersion:   remoteEnt.Version,
	}
}

// diffPreview renders a readable diff for string values so the UI can
// show what diverged without re-deriving it.
func (d *Detector) diffPreview(local, remote any) string {
	l, lok := local.(string)
	r, rok := remote.(string)
	if !lok || !rok {
		return ""
	}
	diffs := d.dmp.DiffMain(l, r, true)
	if len(diffs) > 2 {
		diffs = d.dmp.DiffCleanupSemantic(diffs)
	}
	return d.dmp.DiffPrettyText(diffs)
}

func hasPendingDelete(ops []model.OpLogEntry) bool {
	for _, op := range ops {
		if op.OpType == model.OpDelete {
			return true
		}
	}
	return false
}

func fieldTouched(ops []model.OpLogEntry, field string) bool {
	for i := range ops {
		if ops[i].Touches(field) {
			return true
		}
	}
	return false
}

// baseVersion is the oldest base among the operations touching the
// field: the version the earliest local edit was made against.
func baseVersion(ops []model.OpLogEntry, field string) int64 {
	base := int64(-1)
	for i := range ops {
		if !ops[i].Touches(field) {
			continue
		}
		if base < 0 || ops[i].BaseVersion < base {
			base = ops[i].BaseVersion
		}
	}
	return base
}

func hasOpenConflict(open []model.Conflict, entityID, field string) bool {
	for _, c := range open {
		if c.EntityID == entityID && c.Field == field {
			return true
		}
	}
	return false
}
