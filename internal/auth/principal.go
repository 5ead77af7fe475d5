// Package auth turns inbound credentials into principals and mints the
// short-lived gateway tokens forwarded to backends.
package auth

import "time"

// PrincipalType classifies an authenticated identity.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
	PrincipalSystem  PrincipalType = "system"
)

// Principal is an authenticated identity derived from credentials.
type Principal struct {
	ID          string
	Name        string
	Type        PrincipalType
	Attributes  map[string]any
	Permissions []string
}

// HasPermission reports whether the principal may perform an operation
// guarded by anyOf. "*" on either side matches everything.
func (p *Principal) HasPermission(anyOf []string) bool {
	for _, want := range anyOf {
		if want == "*" {
			return true
		}
		for _, have := range p.Permissions {
			if have == "*" || have == want {
				return true
			}
		}
	}
	return false
}

// SessionToken is the short-lived signed token attached to forwarded
// requests.
type SessionToken struct {
	Token     string
	ExpiresAt time.Time
	SessionID string
	// ClaimNames lists the forwarded claims actually present in the
	// token body.
	ClaimNames []string
}
