// Package users persists local user records and reconciles them with
// identities asserted by the external identity provider.
//
// A user is keyed by the provider's subject identifier (cognito_user_id),
// which is unique in the users table. [Provisioner.GetOrCreate] relies on
// that constraint to converge concurrent first logins onto a single row.
package users

import (
	_ "embed"
	"time"
)

// Schema is the DDL for the users table. Migrations are applied outside the
// service; tests and local setups execute Schema directly.
//
//go:embed schema.sql
var Schema string

// User is a persisted application user.
type User struct {
	ID            string     `json:"id"`
	CognitoUserID string     `json:"cognitoUserId"`
	Email         string     `json:"email"`
	DisplayName   *string    `json:"displayName,omitempty"`
	IsActive      bool       `json:"isActive"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
}

// NewUser carries the fields supplied at creation.
type NewUser struct {
	SubjectID   string
	Email       string
	DisplayName *string
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.DisplayName != nil {
		name := *u.DisplayName
		c.DisplayName = &name
	}
	if u.LastLoginAt != nil {
		at := *u.LastLoginAt
		c.LastLoginAt = &at
	}
	return &c
}
