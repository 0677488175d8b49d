package common

import "time"

type ApiContextKeyType string

const SessionAttributeKey = ApiContextKeyType("session_attribute")

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleGuide   Role = "guide"
	RoleTourist Role = "tourist"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleGuide, RoleTourist:
		return true
	}
	return false
}

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// Identity is the authenticated caller, already validated by the session
// layer before it reaches the tracking core.
type Identity struct {
	UserId     uint64
	Email      string
	Name       string
	Role       Role
	TokenId    string
	ValidUntil time.Time
}

func (i *Identity) Is(roles ...Role) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}
