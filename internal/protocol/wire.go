// Package protocol defines the JSON wire shapes exchanged by the pull/push sync endpoints.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// PullPath serves the pull half of a sync cycle.
	PullPath = "/sync/pull"
	// PushPath serves the push half of a sync cycle.
	PushPath = "/sync/push"
	// LastPulledAtParam carries the pull checkpoint in epoch milliseconds.
	LastPulledAtParam = "last_pulled_at"
)

// Row is a single record in wire field names. Values stay raw so integers keep full precision.
type Row map[string]json.RawMessage

// ID extracts the "id" value of a row, returning an empty string when missing or malformed.
func (row Row) ID() string {
	raw, ok := row["id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

// KindChanges groups the changes of a single entity kind.
type KindChanges struct {
	Created []Row    `json:"created"`
	Updated []Row    `json:"updated"`
	Deleted []string `json:"deleted"`
}

// IsEmpty reports whether the changes carry no rows or ids.
func (changes KindChanges) IsEmpty() bool {
	return len(changes.Created) == 0 && len(changes.Updated) == 0 && len(changes.Deleted) == 0
}

// Changes maps an entity kind wire key to its changes.
type Changes map[string]KindChanges

// IsEmpty reports whether no kind carries any change.
func (changes Changes) IsEmpty() bool {
	for _, kindChanges := range changes {
		if !kindChanges.IsEmpty() {
			return false
		}
	}
	return true
}

// PullResponse is returned by GET /sync/pull.
type PullResponse struct {
	Changes   Changes `json:"changes"`
	Timestamp int64   `json:"timestamp"`
}

// PushRequest is accepted by POST /sync/push.
type PushRequest struct {
	Changes      Changes `json:"changes"`
	LastPulledAt *int64  `json:"lastPulledAt"`
}

// PushResponse acknowledges a successful push.
type PushResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ErrConflict is matched by every ConflictError through errors.Is.
var ErrConflict = errors.New("sync: conflict")

// ConflictError reports that a pushed record was modified on the server after the pusher's checkpoint.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("Conflict on %s record %s", e.Kind, e.ID)
}

// Is allows errors.Is(err, ErrConflict).
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
