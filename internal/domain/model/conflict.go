package model

import "encoding/json"

// ActionEffect identifies what accepting a suggested action would do.
type ActionEffect string

const (
	ActionReschedule   ActionEffect = "reschedule"
	ActionViewExisting ActionEffect = "view_existing"
	ActionCancel       ActionEffect = "cancel"
)

// SuggestedAction is one remedial option offered to the citizen after a
// conflict. Actions are ordered by preference.
type SuggestedAction struct {
	Label  string       `json:"label"`
	Effect ActionEffect `json:"effect"`
}

// RequeueMutation is a replacement write produced by a resolver, e.g. the
// same booking at a server-suggested alternative time.
type RequeueMutation struct {
	Kind    string          `json:"kind"`
	Method  string          `json:"method"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// ConflictResolution is the registry's answer for a conflict-shaped failure.
// It suggests actions without deciding the outcome; Requeue is set only when
// the resolver can propose a concrete modified mutation.
type ConflictResolution struct {
	ConflictKind string            `json:"conflict_kind"`
	Actions      []SuggestedAction `json:"actions"`
	Requeue      *RequeueMutation  `json:"requeue,omitempty"`
}
