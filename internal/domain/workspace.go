package domain

import "time"

// Workspace owns runs. Only its existence matters to the lifecycle.
type Workspace struct {
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Membership relates a principal to a workspace.
type Membership struct {
	WorkspaceID string    `json:"workspace_id"`
	PrincipalID string    `json:"principal_id"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// Authorization tells the lifecycle manager whether an operation still needs
// an access check. The zero value is an anonymous caller and is rejected with
// ErrUnauthenticated.
type Authorization struct {
	principal string
	trusted   bool
	reason    string
}

// CallerAuthorization marks an operation on behalf of principal; it is
// checked against workspace membership.
func CallerAuthorization(principal string) Authorization {
	return Authorization{principal: principal}
}

// TrustedAuthorization marks an operation the invoking system has already
// authorized. Only privileged, internal-only code paths may construct it.
func TrustedAuthorization(reason string) Authorization {
	return Authorization{trusted: true, reason: reason}
}

// Trusted reports whether the access check is bypassed.
func (a Authorization) Trusted() bool {
	return a.trusted
}

// Principal returns the caller identity, empty for trusted authorizations.
func (a Authorization) Principal() string {
	return a.principal
}

// Reason returns why a trusted authorization was granted.
func (a Authorization) Reason() string {
	return a.reason
}
