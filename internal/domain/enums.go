// Package domain defines the core domain models for the sandbox run service.
package domain

// RunStatus represents the lifecycle status of a sandbox run.
type RunStatus string

const (
	RunStatusBooting   RunStatus = "booting"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// AllRunStatuses lists every known status, initial state first.
var AllRunStatuses = []RunStatus{
	RunStatusBooting,
	RunStatusRunning,
	RunStatusSucceeded,
	RunStatusFailed,
	RunStatusCanceled,
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

func (s RunStatus) String() string {
	return string(s)
}

// Role is a principal's role inside a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Action names an operation checked by the access policy.
type Action string

const (
	ActionRunCreate Action = "run.create"
	ActionRunUpdate Action = "run.update"
	ActionRunRead   Action = "run.read"
)
