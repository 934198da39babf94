package remote

import "github.com/davidassist/gatesync/internal/model"

// Operation is a single queued mutation on the wire. OpID is the
// idempotency key: the server must treat a replayed OpID as a no-op.
type Operation struct {
	OpID        string         `json:"opId"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	OpType      model.OpType   `json:"opType"`
	BaseVersion int64          `json:"baseVersion"`
	Payload     map[string]any `json:"payload,omitempty"`
	UpdatedAt   int64          `json:"updatedAt"`
}

// PushRequest is the payload for POST /sync/push.
type PushRequest struct {
	BatchID       string      `json:"batchId"`
	Operations    []Operation `json:"operations"`
	LastSyncToken string      `json:"lastSyncToken"`
}

// ConflictMarker reports that an operation's entity changed on the
// server since the client's base version.
type ConflictMarker struct {
	OpID            string `json:"opId"`
	EntityType      string `json:"entityType"`
	EntityID        string `json:"entityId"`
	Field           string `json:"field,omitempty"`
	RemoteValue     any    `json:"remoteValue"`
	RemoteVersion   int64  `json:"remoteVersion"`
	RemoteTimestamp int64  `json:"remoteTimestamp"`
}

// RejectedOp reports a server-side validation failure for one
// operation. It aborts only that operation, never the batch.
type RejectedOp struct {
	OpID   string `json:"opId"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// PushResponse is returned from POST /sync/push.
type PushResponse struct {
	Accepted  []string         `json:"accepted"`
	Conflicts []ConflictMarker `json:"conflicts"`
	Rejected  []RejectedOp     `json:"rejected"`
}

// PullRequest is the payload for POST /sync/pull.
type PullRequest struct {
	BatchID       string `json:"batchId"`
	LastSyncToken string `json:"lastSyncToken"`
	BatchSize     int    `json:"batchSize"`
}

// PullResponse is one page of the remote delta.
type PullResponse struct {
	Entities      []model.Entity `json:"entities"`
	NextSyncToken string         `json:"nextSyncToken"`
	HasMore       bool           `json:"hasMore"`
}

// TokenResponse is returned from GET /sync/token.
type TokenResponse struct {
	Token string `json:"token"`
}

// ResolveRequest mirrors a local conflict resolution to the server for
// audit and idempotent reconciliation.
type ResolveRequest struct {
	Resolution    model.Resolution `json:"resolution"`
	ResolvedValue any              `json:"resolvedValue"`
}

// APIError is the error body the sync server returns alongside
// non-2xx statuses.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
