package models

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of roles a user can hold.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a stored role string to a Role. Legacy documents without
// a role are patients.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RolePatient:
		return RolePatient, nil
	case RoleDoctor:
		return RoleDoctor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	default:
		return false
	}
}

type User struct {
	ID        string    `json:"_id" bson:"_id"`
	Email     string    `json:"email" bson:"email" validate:"required,email"`
	Name      string    `json:"name" bson:"name"`
	PhotoURL  string    `json:"photoUrl,omitempty" bson:"photo_url,omitempty"`
	Role      Role      `json:"role" bson:"role"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// NormalizeEmail is the canonical form used as the user key and as the
// owner key on appointments and payments.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
