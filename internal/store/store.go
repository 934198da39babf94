// Package store is the durable local store: domain entities, the
// write-ahead operation log, conflict records, and the sync cursor,
// all in a single bbolt database. Entity writes and their operation
// log append commit in one transaction, so what is stored and what
// will be synced can never diverge.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/syncerrors"
	bolt "go.etcd.io/bbolt"
)

const (
	storeDirPerm  = fs.FileMode(0o700)
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout bounds the wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	entitiesBucket  = []byte("entities")
	oplogBucket     = []byte("oplog")
	conflictsBucket = []byte("conflicts")
	metaBucket      = []byte("meta")

	cursorKey = []byte("cursor")
)

// Store wraps a bbolt database holding all persistent engine state.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the store at the given path. Buckets are
// created on open so later transactions can assume they exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{entitiesBucket, oplogBucket, conflictsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetEntity returns the entity with the given ID, or nil if not found.
func (s *Store) GetEntity(id string) (*model.Entity, error) {
	var e *model.Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entitiesBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		e = &model.Entity{}
		return json.Unmarshal(v, e)
	})
	return e, err
}

// PutEntity persists an entity as-is. Callers that record a local
// mutation must use SaveLocalMutation instead so the operation log
// append commits atomically with the entity write.
func (s *Store) PutEntity(e model.Entity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(entitiesBucket), []byte(e.ID), e)
	})
}

// DeleteEntity removes an entity.
func (s *Store) DeleteEntity(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entitiesBucket).Delete([]byte(id))
	})
}

// AllEntities returns every stored entity, keyed by ID.
func (s *Store) AllEntities() (map[string]model.Entity, error) {
	result := make(map[string]model.Entity)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entitiesBucket).ForEach(func(k, v []byte) error {
			var e model.Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			result[string(k)] = e
			return nil
		})
	})
	return result, err
}

// SaveLocalMutation writes an entity and appends its operation log
// entry in one transaction. The entity must never be persisted without
// a matching queued operation, and vice versa.
func (s *Store) SaveLocalMutation(e model.Entity, op model.OpLogEntry) error {
	if op.EntityID != e.ID {
		return fmt.Errorf("operation entity %s does not match entity %s", op.EntityID, e.ID)
	}
	if op.OpID == "" {
		return fmt.Errorf("operation is missing an opId")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(entitiesBucket), []byte(e.ID), e); err != nil {
			return err
		}
		return putJSON(tx.Bucket(oplogBucket), []byte(op.OpID), op)
	})
}

// AppendOp appends an operation log entry without an entity write.
// Used for attachment uploads, which reference files rather than
// entity fields.
func (s *Store) AppendOp(op model.OpLogEntry) error {
	if op.OpID == "" {
		return fmt.Errorf("operation is missing an opId")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(oplogBucket), []byte(op.OpID), op)
	})
}

// GetOp returns the operation with the given ID, or nil if not found.
func (s *Store) GetOp(opID string) (*model.OpLogEntry, error) {
	var op *model.OpLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(oplogBucket).Get([]byte(opID))
		if v == nil {
			return nil
		}
		op = &model.OpLogEntry{}
		return json.Unmarshal(v, op)
	})
	return op, err
}

// UpdateOp overwrites an existing operation log entry. Used by the
// queue to persist attempt counts and status transitions.
func (s *Store) UpdateOp(op model.OpLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(oplogBucket)
		if b.Get([]byte(op.OpID)) == nil {
			return fmt.Errorf("operation %s: %w", op.OpID, syncerrors.ErrNotFound)
		}
		return putJSON(b, []byte(op.OpID), op)
	})
}

// DeleteOp removes an operation log entry. Only used when a resolution
// supersedes a never-sent operation; failures are surfaced, not
// swallowed.
func (s *Store) DeleteOp(opID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(oplogBucket).Delete([]byte(opID))
	})
}

// ListPendingOps returns every queued or in-flight operation, ordered
// by priority class and FIFO by creation time within a class.
func (s *Store) ListPendingOps() ([]model.OpLogEntry, error) {
	var ops []model.OpLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(oplogBucket).ForEach(func(k, v []byte) error {
			var op model.OpLogEntry
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status == model.OpQueued || op.Status == model.OpInFlight {
				ops = append(ops, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOps(ops)
	return ops, nil
}

// PendingOpsForEntity returns the unsettled operations referencing the
// given entity, in queue order.
func (s *Store) PendingOpsForEntity(entityID string) ([]model.OpLogEntry, error) {
	all, err := s.ListPendingOps()
	if err != nil {
		return nil, err
	}
	var ops []model.OpLogEntry
	for _, op := range all {
		if op.EntityID == entityID {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// FailedPermanentOps returns operations in the terminal failed state,
// awaiting explicit user retry or discard.
func (s *Store) FailedPermanentOps() ([]model.OpLogEntry, error) {
	var ops []model.OpLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(oplogBucket).ForEach(func(k, v []byte) error {
			var op model.OpLogEntry
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Status == model.OpFailedPermanent {
				ops = append(ops, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOps(ops)
	return ops, nil
}

// MarkOpSettled marks an operation acked and recomputes the entity's
// status: synced when nothing else references it, pending while a
// queued (backed-off) sibling remains, untouched while a sibling is
// still in flight. Both writes commit in one transaction.
func (s *Store) MarkOpSettled(opID string) error {
	now := s.now().UnixMilli()
	return s.db.Update(func(tx *bolt.Tx) error {
		ops := tx.Bucket(oplogBucket)
		v := ops.Get([]byte(opID))
		if v == nil {
			return fmt.Errorf("operation %s: %w", opID, syncerrors.ErrNotFound)
		}
		var op model.OpLogEntry
		if err := json.Unmarshal(v, &op); err != nil {
			return err
		}
		op.Status = model.OpAcked
		if err := putJSON(ops, []byte(opID), op); err != nil {
			return err
		}

		remainingQueued := false
		remainingInFlight := false
		err := ops.ForEach(func(k, v []byte) error {
			var other model.OpLogEntry
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.OpID == op.OpID || other.EntityID != op.EntityID {
				return nil
			}
			switch other.Status {
			case model.OpQueued:
				remainingQueued = true
			case model.OpInFlight:
				remainingInFlight = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if remainingInFlight {
			// Same batch; its ack settles the entity.
			return nil
		}

		ents := tx.Bucket(entitiesBucket)
		ev := ents.Get([]byte(op.EntityID))
		if ev == nil {
			return nil
		}
		var e model.Entity
		if err := json.Unmarshal(ev, &e); err != nil {
			return err
		}
		if e.SyncStatus == model.StatusConflicted {
			// Conflicted entities are settled by resolution, not acks.
			return nil
		}
		if remainingQueued {
			// A backed-off sibling is not in flight; the entity waits
			// as pending until its next attempt.
			e.SyncStatus = model.StatusPending
			return putJSON(ents, []byte(e.ID), e)
		}
		e.SyncStatus = model.StatusSynced
		e.LastSyncAt = now
		return putJSON(ents, []byte(e.ID), e)
	})
}

// ApplyRemoteEntity writes a remote entity straight through to the
// store. Applying an already-applied version is a no-op, which makes
// pull pages idempotent under replay.
func (s *Store) ApplyRemoteEntity(remote model.Entity) error {
	now := s.now().UnixMilli()
	return s.db.Update(func(tx *bolt.Tx) error {
		ents := tx.Bucket(entitiesBucket)
		if v := ents.Get([]byte(remote.ID)); v != nil {
			var local model.Entity
			if err := json.Unmarshal(v, &local); err != nil {
				return err
			}
			if remote.Version <= local.Version {
				return nil
			}
		}
		if remote.Deleted {
			return ents.Delete([]byte(remote.ID))
		}
		remote.SyncStatus = model.StatusSynced
		remote.LastSyncAt = now
		return putJSON(ents, []byte(remote.ID), remote)
	})
}

// SaveConflict persists a conflict record and marks its entity
// conflicted, in one transaction.
func (s *Store) SaveConflict(c model.Conflict) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(conflictsBucket), []byte(c.ID), c); err != nil {
			return err
		}
		ents := tx.Bucket(entitiesBucket)
		v := ents.Get([]byte(c.EntityID))
		if v == nil {
			return nil
		}
		var e model.Entity
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		e.SyncStatus = model.StatusConflicted
		return putJSON(ents, []byte(e.ID), e)
	})
}

// GetConflict returns the conflict with the given ID, or nil.
func (s *Store) GetConflict(id string) (*model.Conflict, error) {
	var c *model.Conflict
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conflictsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		c = &model.Conflict{}
		return json.Unmarshal(v, c)
	})
	return c, err
}

// OpenConflicts returns all unresolved conflicts, oldest remote
// timestamp first.
func (s *Store) OpenConflicts() ([]model.Conflict, error) {
	var conflicts []model.Conflict
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(k, v []byte) error {
			var c model.Conflict
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if !c.Resolved() {
				conflicts = append(conflicts, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].RemoteTimestamp < conflicts[j].RemoteTimestamp
	})
	return conflicts, nil
}

// Resolution describes the transactional write-back of a resolved
// conflict: the chosen value, an optional follow-up operation that
// re-pushes it, and whether the superseded pending edit is trimmed
// from the queue.
type Resolution struct {
	ConflictID string
	Resolution model.Resolution
	ResolvedBy string

	// Value is the resolved field value. For whole-entity conflicts a
	// nil Value with Delete set removes the entity.
	Value  any
	Delete bool

	// FollowUp, when non-nil, is appended to the operation log so the
	// resolved value is re-pushed to the server.
	FollowUp *model.OpLogEntry

	// DropLocalField removes the conflicted field from pending update
	// operations for the entity so the superseded edit is never
	// replayed; operations left with an empty payload are deleted
	// outright (they were never sent).
	DropLocalField bool
}

// ApplyResolution commits a conflict resolution atomically: the entity
// write-back, the conflict's resolved marker, the optional follow-up
// operation, and any pending-operation trimming all happen in one
// transaction. Partial resolution is never observable.
func (s *Store) ApplyResolution(r Resolution) error {
	now := s.now().UnixMilli()
	return s.db.Update(func(tx *bolt.Tx) error {
		conflicts := tx.Bucket(conflictsBucket)
		cv := conflicts.Get([]byte(r.ConflictID))
		if cv == nil {
			return fmt.Errorf("conflict %s: %w", r.ConflictID, syncerrors.ErrNotFound)
		}
		var c model.Conflict
		if err := json.Unmarshal(cv, &c); err != nil {
			return err
		}
		if c.Resolved() {
			return fmt.Errorf("conflict %s: %w", c.ID, syncerrors.ErrAlreadyResolved)
		}

		// Queue adjustments happen first so the entity status below
		// reflects what actually remains pending.
		ops := tx.Bucket(oplogBucket)
		if r.DropLocalField {
			if err := dropFieldFromPendingOps(ops, c.EntityID, c.Field); err != nil {
				return err
			}
		}
		if r.FollowUp != nil {
			if err := putJSON(ops, []byte(r.FollowUp.OpID), *r.FollowUp); err != nil {
				return err
			}
		}

		ents := tx.Bucket(entitiesBucket)
		ev := ents.Get([]byte(c.EntityID))

		switch {
		case r.Delete:
			if err := ents.Delete([]byte(c.EntityID)); err != nil {
				return err
			}
		case ev != nil:
			var e model.Entity
			if err := json.Unmarshal(ev, &e); err != nil {
				return err
			}
			if c.WholeEntity() {
				if fields, ok := r.Value.(map[string]any); ok {
					e.Fields = fields
				}
			} else {
				if e.Fields == nil {
					e.Fields = make(map[string]any)
				}
				e.Fields[c.Field] = r.Value
			}
			e.Version++
			e.UpdatedAt = now
			e.SyncStatus = entityStatusAfterResolution(tx, c)
			if e.SyncStatus == model.StatusSynced {
				e.LastSyncAt = now
			}
			if err := putJSON(ents, []byte(e.ID), e); err != nil {
				return err
			}
		}

		c.Resolution = r.Resolution
		c.ResolvedAt = now
		c.ResolvedBy = r.ResolvedBy
		return putJSON(conflicts, []byte(c.ID), c)
	})
}

// entityStatusAfterResolution picks the entity status once a conflict
// settles: conflicted while other conflicts stay open, pending when
// unsettled mutations remain in the queue (including a just-appended
// follow-up), synced otherwise.
func entityStatusAfterResolution(tx *bolt.Tx, resolved model.Conflict) model.SyncStatus {
	open := false
	_ = tx.Bucket(conflictsBucket).ForEach(func(k, v []byte) error {
		var other model.Conflict
		if err := json.Unmarshal(v, &other); err != nil {
			return err
		}
		if other.ID != resolved.ID && other.EntityID == resolved.EntityID && !other.Resolved() {
			open = true
		}
		return nil
	})
	if open {
		return model.StatusConflicted
	}

	pending := false
	_ = tx.Bucket(oplogBucket).ForEach(func(k, v []byte) error {
		var op model.OpLogEntry
		if err := json.Unmarshal(v, &op); err != nil {
			return err
		}
		if op.EntityID == resolved.EntityID && op.OpType != model.OpUpload &&
			(op.Status == model.OpQueued || op.Status == model.OpInFlight) {
			pending = true
		}
		return nil
	})
	if pending {
		return model.StatusPending
	}
	return model.StatusSynced
}

func dropFieldFromPendingOps(ops *bolt.Bucket, entityID, field string) error {
	type patch struct {
		key    []byte
		op     model.OpLogEntry
		remove bool
	}
	var patches []patch

	err := ops.ForEach(func(k, v []byte) error {
		var op model.OpLogEntry
		if err := json.Unmarshal(v, &op); err != nil {
			return err
		}
		if op.EntityID != entityID || op.OpType == model.OpUpload {
			return nil
		}
		if op.Status != model.OpQueued && op.Status != model.OpInFlight {
			return nil
		}
		if field == "" {
			// Whole-entity resolution supersedes every pending
			// mutation for the entity.
			patches = append(patches, patch{key: append([]byte(nil), k...), remove: true})
			return nil
		}
		if op.OpType != model.OpUpdate {
			return nil
		}
		if _, ok := op.Payload[field]; !ok {
			return nil
		}
		delete(op.Payload, field)
		patches = append(patches, patch{
			key:    append([]byte(nil), k...),
			op:     op,
			remove: len(op.Payload) == 0,
		})
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range patches {
		if p.remove {
			if err := ops.Delete(p.key); err != nil {
				return err
			}
			continue
		}
		if err := putJSON(ops, p.key, p.op); err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns the last-acknowledged sync token, empty on first run.
func (s *Store) Cursor() (string, error) {
	var cursor string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(cursorKey); v != nil {
			cursor = string(v)
		}
		return nil
	})
	return cursor, err
}

// SetCursor persists the sync cursor. Called only after the
// corresponding pull page is fully applied.
func (s *Store) SetCursor(cursor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(cursorKey, []byte(cursor))
	})
}

// ResetCursor clears the sync cursor. Only used for full-resync
// recovery after the server expires our token.
func (s *Store) ResetCursor() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete(cursorKey)
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func sortOps(ops []model.OpLogEntry) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority < ops[j].Priority
		}
		return ops[i].CreatedAt < ops[j].CreatedAt
	})
}
