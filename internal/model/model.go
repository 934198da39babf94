// Package model defines the domain types shared by the store, queue,
// orchestrator, and conflict engine: entities, operation log entries,
// and conflict records.
package model

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// SyncStatus is the synchronization state of an entity. An entity is in
// exactly one state at a time; Conflicted implies at least one open
// Conflict record references it.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusSyncing    SyncStatus = "syncing"
	StatusSynced     SyncStatus = "synced"
	StatusConflicted SyncStatus = "conflicted"
)

// OpType classifies an operation log entry.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpUpload OpType = "upload"
)

// OpStatus is the lifecycle state of an operation log entry.
// FailedPermanent is terminal and visible; operations are never
// silently dropped.
type OpStatus string

const (
	OpQueued          OpStatus = "queued"
	OpInFlight        OpStatus = "in-flight"
	OpAcked           OpStatus = "acked"
	OpFailedPermanent OpStatus = "failed-permanent"
)

// Priority orders queued operations. Lower values drain first.
type Priority int

const (
	PriorityMetadata   Priority = 0
	PriorityAttachment Priority = 1
)

// Resolution is the chosen outcome for a conflict.
type Resolution string

const (
	UseLocal  Resolution = "use_local"
	UseRemote Resolution = "use_remote"
	Merge     Resolution = "merge"
)

// Entity is a domain object (gate, inspection) tracked by the engine.
// Version is a monotonically increasing per-entity revision counter,
// incremented on every accepted mutation, local or remote.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Version    int64          `json:"version"`
	Fields     map[string]any `json:"fields"`
	SyncStatus SyncStatus     `json:"syncStatus"`
	Deleted    bool           `json:"deleted,omitempty"`
	UpdatedAt  int64          `json:"updatedAt"`
	LastSyncAt int64          `json:"lastSyncAt,omitempty"`
}

// OpLogEntry is an append-only record of an intended local mutation.
// OpID doubles as the idempotency token on the wire, so a replay after
// a dropped acknowledgment never double-applies.
type OpLogEntry struct {
	OpID          string         `json:"opId"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	OpType        OpType         `json:"opType"`
	Payload       map[string]any `json:"payload,omitempty"`
	BaseVersion   int64          `json:"baseVersion"`
	Priority      Priority       `json:"priority"`
	CreatedAt     int64          `json:"createdAt"`
	AttemptCount  int            `json:"attemptCount"`
	NextAttemptAt int64          `json:"nextAttemptAt,omitempty"`
	Status        OpStatus       `json:"status"`
	LastError     string         `json:"lastError,omitempty"`
}

// Touches reports whether this operation carries a pending change for
// the given field. Creates and deletes touch every field.
func (op *OpLogEntry) Touches(field string) bool {
	switch op.OpType {
	case OpCreate, OpDelete:
		return true
	case OpUpdate:
		_, ok := op.Payload[field]
		return ok
	default:
		return false
	}
}

// Conflict records a divergent concurrent edit of a single field, or of
// the whole entity when Field is empty (delete-vs-update). A conflict
// is immutable once Resolution is set.
type Conflict struct {
	ID              string     `json:"id"`
	EntityType      string     `json:"entityType"`
	EntityID        string     `json:"entityId"`
	Field           string     `json:"field,omitempty"`
	LocalValue      any        `json:"localValue"`
	RemoteValue     any        `json:"remoteValue"`
	LocalTimestamp  int64      `json:"localTimestamp"`
	RemoteTimestamp int64      `json:"remoteTimestamp"`
	RemoteVersion   int64      `json:"remoteVersion"`
	Diff            string     `json:"diff,omitempty"`
	Resolution      Resolution `json:"resolution,omitempty"`
	ResolvedAt      int64      `json:"resolvedAt,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
}

// Resolved reports whether a resolution has been recorded.
func (c *Conflict) Resolved() bool {
	return c.Resolution != ""
}

// WholeEntity reports whether the conflict covers the entire entity
// rather than a single field.
func (c *Conflict) WholeEntity() bool {
	return c.Field == ""
}

// NewID returns a new globally unique identifier. Used for entities
// created offline, operation idempotency keys, and conflict records.
func NewID() string {
	return uuid.NewString()
}

// ValueEqual compares two field values by canonical JSON encoding.
// encoding/json sorts map keys, so semantically equal maps compare
// equal regardless of insertion order.
func ValueEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
