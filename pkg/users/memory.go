package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// MemoryRepository is an in-process [Repository] that enforces the same
// subject-ID uniqueness as the users table. It backs unit tests across
// packages.
type MemoryRepository struct {
	mu    sync.Mutex
	rows  map[string]*User
	now   func() time.Time
	calls map[string]int
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows:  make(map[string]*User),
		now:   time.Now,
		calls: make(map[string]int),
	}
}

// Calls reports how many times the named method ran.
func (m *MemoryRepository) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Len reports the number of stored users.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MemoryRepository) FindBySubjectID(_ context.Context, subjectID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FindBySubjectID"]++
	return m.rows[subjectID].clone(), nil
}

func (m *MemoryRepository) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["FindByEmail"]++
	var found *User
	for _, u := range m.rows {
		if u.Email == email && (found == nil || u.CreatedAt.Before(found.CreatedAt)) {
			found = u
		}
	}
	return found.clone(), nil
}

func (m *MemoryRepository) Create(_ context.Context, nu NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Create"]++
	if nu.SubjectID == "" {
		return nil, cgerr.New(cgerr.CodeValidationRequired, "users: subject id is required")
	}
	if _, exists := m.rows[nu.SubjectID]; exists {
		return nil, cgerr.Newf(cgerr.CodeAlreadyExists, "users: subject %q already exists", nu.SubjectID)
	}
	now := m.now()
	u := &User{
		ID:            uuid.NewString(),
		CognitoUserID: nu.SubjectID,
		Email:         nu.Email,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if nu.DisplayName != nil {
		name := *nu.DisplayName
		u.DisplayName = &name
	}
	m.rows[nu.SubjectID] = u
	return u.clone(), nil
}

func (m *MemoryRepository) UpdateDisplayName(_ context.Context, subjectID, displayName string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdateDisplayName"]++
	u, ok := m.rows[subjectID]
	if !ok {
		return nil, nil
	}
	u.DisplayName = &displayName
	u.UpdatedAt = m.now()
	return u.clone(), nil
}

func (m *MemoryRepository) TouchLastLogin(_ context.Context, subjectID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["TouchLastLogin"]++
	u, ok := m.rows[subjectID]
	if !ok {
		return time.Time{}, cgerr.Newf(cgerr.CodeUserNotFound, "users: no user with subject %q", subjectID)
	}
	at := m.now()
	u.LastLoginAt = &at
	return at, nil
}
