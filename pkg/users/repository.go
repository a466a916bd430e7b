package users

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/choregarden/choregarden-core/pkg/clients/postgres"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// Repository is the persistence contract for users. Find methods and
// UpdateDisplayName return (nil, nil) when no row matches.
type Repository interface {
	FindBySubjectID(ctx context.Context, subjectID string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// Create inserts a row. A duplicate subject ID fails with
	// [cgerr.CodeAlreadyExists].
	Create(ctx context.Context, nu NewUser) (*User, error)
	UpdateDisplayName(ctx context.Context, subjectID, displayName string) (*User, error)
	// TouchLastLogin stamps last_login_at and returns the stored value. A
	// missing row fails with [cgerr.CodeUserNotFound].
	TouchLastLogin(ctx context.Context, subjectID string) (time.Time, error)
}

// DB is the subset of [*postgres.Client] the repository needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ DB         = (*postgres.Client)(nil)
	_ Repository = (*PostgresRepository)(nil)
)

const userColumns = `id, cognito_user_id, email, display_name, is_active, created_at, updated_at, last_login_at`

const (
	sqlFindBySubject = `SELECT ` + userColumns + ` FROM users WHERE cognito_user_id = $1`
	sqlFindByEmail   = `SELECT ` + userColumns + ` FROM users WHERE email = $1 ORDER BY created_at LIMIT 1`
	sqlInsert        = `INSERT INTO users (id, cognito_user_id, email, display_name)
VALUES ($1, $2, $3, $4)
RETURNING ` + userColumns
	sqlUpdateDisplayName = `UPDATE users SET display_name = $2, updated_at = NOW()
WHERE cognito_user_id = $1
RETURNING ` + userColumns
	sqlTouchLastLogin = `UPDATE users SET last_login_at = NOW() WHERE cognito_user_id = $1 RETURNING last_login_at`
)

// PostgresRepository implements [Repository] on the users table. Every
// method issues exactly one statement.
type PostgresRepository struct {
	db    DB
	newID func() string
}

// NewPostgresRepository returns a repository backed by db.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db, newID: uuid.NewString}
}

func (r *PostgresRepository) FindBySubjectID(ctx context.Context, subjectID string) (*User, error) {
	return r.queryUser(ctx, "users: find by subject failed", sqlFindBySubject, subjectID)
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.queryUser(ctx, "users: find by email failed", sqlFindByEmail, email)
}

func (r *PostgresRepository) Create(ctx context.Context, nu NewUser) (*User, error) {
	if nu.SubjectID == "" {
		return nil, cgerr.New(cgerr.CodeValidationRequired, "users: subject id is required")
	}
	u, err := scanUser(r.db.QueryRow(ctx, sqlInsert, r.newID(), nu.SubjectID, nu.Email, nu.DisplayName))
	if err != nil {
		return nil, postgres.WrapError(err, "users: create failed")
	}
	return u, nil
}

func (r *PostgresRepository) UpdateDisplayName(ctx context.Context, subjectID, displayName string) (*User, error) {
	return r.queryUser(ctx, "users: update display name failed", sqlUpdateDisplayName, subjectID, displayName)
}

func (r *PostgresRepository) TouchLastLogin(ctx context.Context, subjectID string) (time.Time, error) {
	var at time.Time
	err := r.db.QueryRow(ctx, sqlTouchLastLogin, subjectID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, cgerr.Newf(cgerr.CodeUserNotFound, "users: no user with subject %q", subjectID)
	}
	if err != nil {
		return time.Time{}, postgres.WrapError(err, "users: touch last login failed")
	}
	return at, nil
}

func (r *PostgresRepository) queryUser(ctx context.Context, msg, sql string, args ...any) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, postgres.WrapError(err, msg)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.CognitoUserID,
		&u.Email,
		&u.DisplayName,
		&u.IsActive,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
