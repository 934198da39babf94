// Package conflict detects divergent concurrent edits and resolves
// them through a single resolution path shared by auto-resolution and
// explicit user choices.
package conflict

import (
	"fmt"
	"strings"
)

// NotesSeparator is inserted between local and remote text when
// concatenating divergent note fields. The provenance marker lets the
// inspector see which half came from where.
const NotesSeparator = "\n\n--- Remote changes ---\n"

// MergePolicy is a typed merge strategy for one (entityType, field)
// pair. Policies are registered at construction; there is no generic
// merge for arbitrary fields.
type MergePolicy int

const (
	// NoMerge means the field cannot be merged; conflicts fall back to
	// last-writer-wins or manual resolution.
	NoMerge MergePolicy = iota

	// ConcatNotes concatenates local and remote text with the
	// provenance separator.
	ConcatNotes

	// MetadataMerge merges maps key-wise, remote winning on
	// overlapping keys.
	MetadataMerge

	// ResponsesMerge merges checklist-response maps key-wise, keeping
	// the local value when keys truly conflict. Deliberately
	// conservative: the remote edit for that key is discarded without
	// a sub-conflict.
	ResponsesMerge
)

func (p MergePolicy) String() string {
	switch p {
	case ConcatNotes:
		return "concat-notes"
	case MetadataMerge:
		return "metadata-merge"
	case ResponsesMerge:
		return "responses-merge"
	default:
		return "no-merge"
	}
}

type policyKey struct {
	entityType string
	field      string
}

// Registry maps (entityType, field) to its merge policy. Lookups for
// unregistered pairs return NoMerge.
type Registry struct {
	policies map[policyKey]MergePolicy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[policyKey]MergePolicy)}
}

// Register declares the merge policy for a field.
func (r *Registry) Register(entityType, field string, p MergePolicy) {
	r.policies[policyKey{entityType, field}] = p
}

// Lookup returns the policy for a field, NoMerge when unregistered or
// for whole-entity conflicts (empty field).
func (r *Registry) Lookup(entityType, field string) MergePolicy {
	if field == "" {
		return NoMerge
	}
	return r.policies[policyKey{entityType, field}]
}

// DefaultRegistry declares the mergeable fields of the inspection
// domain: free-text notes concatenate, metadata maps merge remote-wins,
// checklist responses merge local-wins on true per-key conflicts.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("gate", "notes", ConcatNotes)
	r.Register("gate", "metadata", MetadataMerge)
	r.Register("inspection", "notes", ConcatNotes)
	r.Register("inspection", "metadata", MetadataMerge)
	r.Register("inspection", "responses", ResponsesMerge)
	return r
}

// Merge applies a policy to a local and remote value. The second
// return is false when the policy is NoMerge or the values don't fit
// the policy's shape (e.g. non-string notes).
func Merge(p MergePolicy, local, remote any) (any, bool) {
	switch p {
	case ConcatNotes:
		l, lok := local.(string)
		r, rok := remote.(string)
		if !lok || !rok {
			return nil, false
		}
		if l == "" {
			return r, true
		}
		if r == "" {
			return l, true
		}
		return l + NotesSeparator + r, true

	case MetadataMerge:
		l, lok := toStringMap(local)
		r, rok := toStringMap(remote)
		if !lok || !rok {
			return nil, false
		}
		merged := make(map[string]any, len(l)+len(r))
		for k, v := range l {
			merged[k] = v
		}
		for k, v := range r {
			merged[k] = v
		}
		return merged, true

	case ResponsesMerge:
		l, lok := toStringMap(local)
		r, rok := toStringMap(remote)
		if !lok || !rok {
			return nil, false
		}
		merged := make(map[string]any, len(l)+len(r))
		for k, v := range r {
			merged[k] = v
		}
		// Local wins on overlapping keys.
		for k, v := range l {
			merged[k] = v
		}
		return merged, true

	default:
		return nil, false
	}
}

func toStringMap(v any) (map[string]any, bool) {
	if v == nil {
		return map[string]any{}, true
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// describeValue renders a field value for log lines without dumping
// large payloads.
func describeValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return strings.ReplaceAll(s, "\n", " ")
}
