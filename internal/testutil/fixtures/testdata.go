// Package fixtures holds identity-provider and user values shared by tests
// across packages.
package fixtures

// Identity provider settings.
const (
	Region     = "us-east-1"
	UserPoolID = "us-east-1_TestPool"
	ClientID   = "choregarden-web-client"
	KeyID      = "test-key-1"
	AltKeyID   = "test-key-2"
)

// A registered user.
const (
	SubjectID   = "5f2c9a7e-1b3d-4c6e-8f90-a1b2c3d4e5f6"
	Email       = "gardener@example.com"
	DisplayName = "Green Thumb"
	UserID      = "0b8f6c1e-3a57-4d2b-9e4f-7c1d2a3b4c5d"
)

// A second, not yet registered user.
const (
	AltSubjectID = "9a8b7c6d-5e4f-4a3b-2c1d-0e9f8a7b6c5d"
	AltEmail     = "sprout@example.com"
)
