package models

import (
	"strings"
	"time"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is the already-authenticated viewer handed to the chat core.
type Identity struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
}

// OperatorPredicate decides whether an identity acts on the staff side of a
// conversation (coach or admin).
type OperatorPredicate func(Identity) bool

var DefaultOperatorRoles = []string{"admin", "admin-user", "coach"}

// NewOperatorPredicate builds the single isOperator check shared by services,
// handlers and the websocket hub.
func NewOperatorPredicate(roles ...string) OperatorPredicate {
	if len(roles) == 0 {
		roles = DefaultOperatorRoles
	}
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" {
			set[role] = struct{}{}
		}
	}
	return func(identity Identity) bool {
		_, ok := set[strings.ToLower(identity.Role)]
		return ok
	}
}
