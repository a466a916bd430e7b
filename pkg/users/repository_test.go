package users

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choregarden/choregarden-core/pkg/clients/postgres"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

const testUserID = "6f1c9a2e-0d4b-4e8f-b1a3-7c5d2e9f0a18"

var userColumnNames = []string{
	"id", "cognito_user_id", "email", "display_name",
	"is_active", "created_at", "updated_at", "last_login_at",
}

func newMockRepository(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	repo := NewPostgresRepository(postgres.NewFromPool(mock, nil))
	repo.newID = func() string { return testUserID }
	return repo, mock
}

func strPtr(s string) *string { return &s }

func userRow(displayName *string, lastLogin *time.Time) *pgxmock.Rows {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(userColumnNames).
		AddRow(testUserID, testSubject, testEmail, displayName, true, created, created, lastLogin)
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

// ---------------------------------------------------------------------------
// Finds
// ---------------------------------------------------------------------------

func TestPostgresRepository_FindBySubjectID(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	login := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	mock.ExpectQuery(q(sqlFindBySubject)).
		WithArgs(testSubject).
		WillReturnRows(userRow(strPtr("Fern"), &login))

	u, err := repo.FindBySubjectID(context.Background(), testSubject)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, testUserID, u.ID)
	assert.Equal(t, testSubject, u.CognitoUserID)
	assert.Equal(t, testEmail, u.Email)
	require.NotNil(t, u.DisplayName)
	assert.Equal(t, "Fern", *u.DisplayName)
	assert.True(t, u.IsActive)
	require.NotNil(t, u.LastLoginAt)
	assert.True(t, login.Equal(*u.LastLoginAt))
}

func TestPostgresRepository_FindBySubjectID_NullColumns(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlFindBySubject)).
		WithArgs(testSubject).
		WillReturnRows(userRow(nil, nil))

	u, err := repo.FindBySubjectID(context.Background(), testSubject)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Nil(t, u.DisplayName)
	assert.Nil(t, u.LastLoginAt)
}

func TestPostgresRepository_FindBySubjectID_NoRow(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlFindBySubject)).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	u, err := repo.FindBySubjectID(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, u)
}

func TestPostgresRepository_FindByEmail(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlFindByEmail)).
		WithArgs(testEmail).
		WillReturnRows(userRow(strPtr(testEmail), nil))

	u, err := repo.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, testSubject, u.CognitoUserID)
}

func TestPostgresRepository_FindByEmail_NoRow(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlFindByEmail)).
		WithArgs("nobody@example.com").
		WillReturnRows(pgxmock.NewRows(userColumnNames))

	u, err := repo.FindByEmail(context.Background(), "nobody@example.com")
	assert.NoError(t, err)
	assert.Nil(t, u)
}

func TestPostgresRepository_Find_DatabaseError(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlFindBySubject)).
		WithArgs(testSubject).
		WillReturnError(errors.New("connection reset by peer"))

	u, err := repo.FindBySubjectID(context.Background(), testSubject)
	assert.Nil(t, u)
	assert.True(t, cgerr.HasCode(err, cgerr.CodePersistence))
}

func TestPostgresRepository_Find_Timeout(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlFindBySubject)).
		WithArgs(testSubject).
		WillReturnError(context.DeadlineExceeded)

	_, err := repo.FindBySubjectID(context.Background(), testSubject)
	assert.True(t, cgerr.HasCode(err, cgerr.CodeTimeoutDatabase))
	assert.True(t, cgerr.IsRetryable(err))
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestPostgresRepository_Create(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	name := strPtr(testEmail)
	mock.ExpectQuery(q(sqlInsert)).
		WithArgs(testUserID, testSubject, testEmail, name).
		WillReturnRows(userRow(name, nil))

	u, err := repo.Create(context.Background(), NewUser{SubjectID: testSubject, Email: testEmail, DisplayName: name})
	require.NoError(t, err)
	assert.Equal(t, testUserID, u.ID)
	require.NotNil(t, u.DisplayName)
	assert.Equal(t, testEmail, *u.DisplayName)
	assert.Nil(t, u.LastLoginAt)
}

func TestPostgresRepository_Create_UniqueViolation(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlInsert)).
		WithArgs(testUserID, testSubject, testEmail, (*string)(nil)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_cognito_user_id_key"})

	u, err := repo.Create(context.Background(), NewUser{SubjectID: testSubject, Email: testEmail})
	assert.Nil(t, u)
	assert.True(t, cgerr.HasCode(err, cgerr.CodeAlreadyExists))
	assert.True(t, postgres.IsUniqueViolation(err))
}

func TestPostgresRepository_Create_RequiresSubject(t *testing.T) {
	t.Parallel()
	repo, _ := newMockRepository(t)

	_, err := repo.Create(context.Background(), NewUser{Email: testEmail})
	assert.True(t, cgerr.HasCode(err, cgerr.CodeValidationRequired))
}

// ---------------------------------------------------------------------------
// UpdateDisplayName
// ---------------------------------------------------------------------------

func TestPostgresRepository_UpdateDisplayName(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlUpdateDisplayName)).
		WithArgs(testSubject, "Fern").
		WillReturnRows(userRow(strPtr("Fern"), nil))

	u, err := repo.UpdateDisplayName(context.Background(), testSubject, "Fern")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "Fern", *u.DisplayName)
}

func TestPostgresRepository_UpdateDisplayName_NoRow(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlUpdateDisplayName)).
		WithArgs("missing", "Fern").
		WillReturnRows(pgxmock.NewRows(userColumnNames))

	u, err := repo.UpdateDisplayName(context.Background(), "missing", "Fern")
	assert.NoError(t, err)
	assert.Nil(t, u)
}

// ---------------------------------------------------------------------------
// TouchLastLogin
// ---------------------------------------------------------------------------

func TestPostgresRepository_TouchLastLogin(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	mock.ExpectQuery(q(sqlTouchLastLogin)).
		WithArgs(testSubject).
		WillReturnRows(pgxmock.NewRows([]string{"last_login_at"}).AddRow(now))

	at, err := repo.TouchLastLogin(context.Background(), testSubject)
	require.NoError(t, err)
	assert.True(t, now.Equal(at))
}

func TestPostgresRepository_TouchLastLogin_NoRow(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlTouchLastLogin)).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"last_login_at"}))

	_, err := repo.TouchLastLogin(context.Background(), "missing")
	assert.True(t, cgerr.HasCode(err, cgerr.CodeUserNotFound))
}

func TestPostgresRepository_TouchLastLogin_DatabaseError(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(q(sqlTouchLastLogin)).
		WithArgs(testSubject).
		WillReturnError(errors.New("server closed the connection"))

	_, err := repo.TouchLastLogin(context.Background(), testSubject)
	assert.True(t, cgerr.HasCode(err, cgerr.CodePersistence))
}

// ---------------------------------------------------------------------------
// Provisioner over Postgres
// ---------------------------------------------------------------------------

func TestProvisioner_PostgresFirstLogin(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	name := strPtr(testEmail)
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	mock.ExpectQuery(q(sqlFindBySubject)).WithArgs(testSubject).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(q(sqlInsert)).
		WithArgs(testUserID, testSubject, testEmail, name).
		WillReturnRows(userRow(name, nil))
	mock.ExpectQuery(q(sqlTouchLastLogin)).
		WithArgs(testSubject).
		WillReturnRows(pgxmock.NewRows([]string{"last_login_at"}).AddRow(now))

	u, err := newTestProvisioner(repo).GetOrCreate(context.Background(), Identity{SubjectID: testSubject, Email: testEmail})
	require.NoError(t, err)
	assert.Equal(t, testUserID, u.ID)
	require.NotNil(t, u.LastLoginAt)
	assert.True(t, now.Equal(*u.LastLoginAt))
}

func TestProvisioner_PostgresLostRace(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepository(t)
	name := strPtr(testEmail)
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	mock.ExpectQuery(q(sqlFindBySubject)).WithArgs(testSubject).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(q(sqlInsert)).
		WithArgs(testUserID, testSubject, testEmail, name).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(q(sqlFindBySubject)).
		WithArgs(testSubject).
		WillReturnRows(userRow(name, nil))
	mock.ExpectQuery(q(sqlTouchLastLogin)).
		WithArgs(testSubject).
		WillReturnRows(pgxmock.NewRows([]string{"last_login_at"}).AddRow(now))

	u, err := newTestProvisioner(repo).GetOrCreate(context.Background(), Identity{SubjectID: testSubject, Email: testEmail})
	require.NoError(t, err)
	assert.Equal(t, testUserID, u.ID)
}
