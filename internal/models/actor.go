package models

import "github.com/google/uuid"

// Role is the closed set of roles an authenticated caller can hold.
type Role string

const (
	RoleUser      Role = "USER"
	RoleMerchant  Role = "MERCHANT"
	RoleHubStaff  Role = "HUB_STAFF"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
	RoleSystem    Role = "SYSTEM"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleMerchant, RoleHubStaff, RoleModerator, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the already-authenticated caller of an orchestrator operation.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// SystemActor is used for scheduled sweeps and processor webhooks.
var SystemActor = Actor{ID: uuid.Nil, Role: RoleSystem}
