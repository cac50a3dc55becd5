package domain

import (
	"encoding/json"
	"reflect"
	"time"
)

// Run is the lifecycle record of one sandbox execution attempt.
type Run struct {
	RunID          string     `json:"run_id"`
	ThreadID       string     `json:"thread_id"`
	WorkspaceID    string     `json:"workspace_id"`
	CreatedBy      string     `json:"created_by"`
	Status         RunStatus  `json:"status"`
	SandboxID      string     `json:"sandbox_id,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	MaxDurationMs  *int64     `json:"max_duration_ms,omitempty"`
	IdleTimeoutMs  *int64     `json:"idle_timeout_ms,omitempty"`
	E2BCost        *float64   `json:"e2b_cost,omitempty"`
	Error          *RunError  `json:"error,omitempty"`
}

// RunError is the structured failure detail of a failed or canceled run.
type RunError struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Equal reports whether two errors carry the same content. Details are
// compared as JSON values, so whitespace and key order do not matter.
func (e *RunError) Equal(other *RunError) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Message == other.Message && e.Code == other.Code && jsonEqual(e.Details, other.Details)
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}

// RunPatch carries the fields an update supplies. Nil fields are left
// untouched.
type RunPatch struct {
	SandboxID      *string
	Status         *RunStatus
	FinishedAt     *time.Time
	LastActivityAt *time.Time
	E2BCost        *float64
	Error          *RunError
}

// Empty reports whether the patch supplies no field at all.
func (p RunPatch) Empty() bool {
	return p.SandboxID == nil && p.Status == nil && p.FinishedAt == nil &&
		p.LastActivityAt == nil && p.E2BCost == nil && p.Error == nil
}

// UpdateOptions tunes UpdateRun.
type UpdateOptions struct {
	// SkipTerminal turns a rejected change against an already terminal run
	// into a skipped no-op instead of an error.
	SkipTerminal bool
}

// UpdateResult reports the outcome of UpdateRun.
type UpdateResult struct {
	Updated bool   `json:"updated"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// SkipReasonTerminal is reported when skip-terminal mode absorbs a change.
const SkipReasonTerminal = "already terminal"

// CreateRunRequest holds the inputs of CreateRun.
type CreateRunRequest struct {
	ThreadID      string
	WorkspaceID   string
	CreatedBy     string
	MaxDurationMs *int64
	IdleTimeoutMs *int64
}

// RunCursor is the keyset position of a workspace listing.
type RunCursor struct {
	StartedAt time.Time
	RunID     string
}

// PageRequest selects a page of a workspace listing.
type PageRequest struct {
	Token string
	Limit int
}

// RunPage is one page of a workspace listing.
type RunPage struct {
	Runs      []Run  `json:"runs"`
	NextToken string `json:"next_page_token,omitempty"`
}
