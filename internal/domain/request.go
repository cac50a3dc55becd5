package domain

import "time"

// CreateRunBody is the wire form of a create request.
type CreateRunBody struct {
	ThreadID      string    `json:"thread_id"`
	WorkspaceID   string    `json:"workspace_id"`
	CreatedBy     string    `json:"created_by,omitempty"`
	Status        RunStatus `json:"status,omitempty"`
	MaxDurationMs *int64    `json:"max_duration_ms,omitempty"`
	IdleTimeoutMs *int64    `json:"idle_timeout_ms,omitempty"`
}

// ToRequest converts the body into a CreateRunRequest. Status must be empty
// or the initial status since creation is not a transition.
func (b CreateRunBody) ToRequest() (CreateRunRequest, error) {
	if b.Status != "" && b.Status != RunStatusBooting {
		return CreateRunRequest{}, NewValidationError("status", "runs are created in status booting")
	}
	return CreateRunRequest{
		ThreadID:      b.ThreadID,
		WorkspaceID:   b.WorkspaceID,
		CreatedBy:     b.CreatedBy,
		MaxDurationMs: b.MaxDurationMs,
		IdleTimeoutMs: b.IdleTimeoutMs,
	}, nil
}

// CreateRunResponse is returned after a run is created.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// UpdateRunBody is the wire form of an update. Timestamps are Unix
// milliseconds.
type UpdateRunBody struct {
	SandboxID      *string    `json:"sandbox_id,omitempty"`
	Status         *RunStatus `json:"status,omitempty"`
	FinishedAt     *int64     `json:"finished_at,omitempty"`
	LastActivityAt *int64     `json:"last_activity_at,omitempty"`
	E2BCost        *float64   `json:"e2b_cost,omitempty"`
	Error          *RunError  `json:"error,omitempty"`
}

// ToPatch converts the body into a RunPatch.
func (b UpdateRunBody) ToPatch() (RunPatch, error) {
	patch := RunPatch{
		SandboxID: b.SandboxID,
		E2BCost:   b.E2BCost,
		Error:     b.Error,
	}
	if b.Status != nil {
		if !b.Status.Valid() {
			return RunPatch{}, NewValidationError("status", "unknown status "+string(*b.Status))
		}
		patch.Status = b.Status
	}
	if b.FinishedAt != nil {
		t := time.UnixMilli(*b.FinishedAt)
		patch.FinishedAt = &t
	}
	if b.LastActivityAt != nil {
		t := time.UnixMilli(*b.LastActivityAt)
		patch.LastActivityAt = &t
	}
	return patch, nil
}

// RunListResponse wraps an unpaged run listing.
type RunListResponse struct {
	Runs []Run `json:"runs"`
}

// RunCountResponse is returned by the rate-limit count.
type RunCountResponse struct {
	Count int `json:"count"`
}

// WorkspaceBody registers a workspace.
type WorkspaceBody struct {
	Name string `json:"name,omitempty"`
}

// MembershipBody grants a role inside a workspace.
type MembershipBody struct {
	Role Role `json:"role"`
}
