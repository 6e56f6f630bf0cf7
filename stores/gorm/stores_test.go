//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	id "github.com/campusconnect/identity"
)

func newMockStore(t *testing.T) (*UserStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewUserStore(db), mock
}

var userColumns = []string{
	"id", "username", "email", "display_name", "password_hash", "password_salt",
	"google_id", "github_id", "auth_provider", "profile_picture_ref", "created_at", "updated_at",
}

func TestFindByField(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	userID := "3f1c1f8e-8a43-4a57-9b5f-1d2c3b4a5e6f"

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE github_id = \$1`).
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(userID, "octo", "octo@github.local", "Octo", nil, nil, nil, "42", "github", nil, now, now))

	user, err := store.FindByField(context.Background(), id.FieldGitHubID, "42")
	require.NoError(t, err)
	assert.Equal(t, userID, user.ID)
	assert.Equal(t, "42", user.GitHubID)
	assert.Empty(t, user.GoogleID)
	assert.Empty(t, user.PasswordHash)
	assert.Equal(t, id.ProviderGitHub, user.AuthProvider)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByFieldMiss(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE email = \$1`).
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := store.FindByField(context.Background(), id.FieldEmail, "nobody@example.com")
	assert.ErrorIs(t, err, id.ErrNotFound)

	_, err = store.FindByField(context.Background(), id.FieldGoogleID, "")
	assert.ErrorIs(t, err, id.ErrNotFound)

	_, err = store.FindByField(context.Background(), id.Field("display_name"), "x")
	assert.ErrorIs(t, err, id.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByFieldDriverFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "users"`).WillReturnError(errors.New("connection reset"))

	_, err := store.FindByField(context.Background(), id.FieldUsername, "alice")
	assert.ErrorIs(t, err, id.ErrPersistence)
	assert.NotContains(t, err.Error(), "connection reset")
}

func TestCreate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO "users"`).WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := store.Create(context.Background(), id.UserDraft{
		Username:     "alice",
		Email:        "Alice@Example.com",
		DisplayName:  "Alice",
		PasswordHash: "h",
		PasswordSalt: "s",
		AuthProvider: id.ProviderLocal,
	})
	require.NoError(t, err)
	assert.True(t, id.IsValidID(user.ID))
	assert.Equal(t, "alice@example.com", user.Email)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO "users"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_users_google_id"})

	_, err := store.Create(context.Background(), id.UserDraft{
		Username:     "g",
		Email:        "g@example.com",
		GoogleID:     "g1",
		AuthProvider: id.ProviderGoogle,
	})
	require.ErrorIs(t, err, id.ErrConflict)
	var e *id.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, string(id.FieldGoogleID), e.Field)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInvalidDraftSkipsDatabase(t *testing.T) {
	store, mock := newMockStore(t)
	_, err := store.Create(context.Background(), id.UserDraft{Email: "x@example.com", AuthProvider: id.ProviderLocal})
	assert.ErrorIs(t, err, id.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave(t *testing.T) {
	store, mock := newMockStore(t)
	user, err := id.NewUser(id.UserDraft{Username: "a", Email: "a@example.com", AuthProvider: id.ProviderLocal}, time.Now())
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE "users" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(context.Background(), user))

	mock.ExpectExec(`UPDATE "users" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Save(context.Background(), user), id.ErrNotFound)

	mock.ExpectExec(`UPDATE "users" SET`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"})
	err = store.Save(context.Background(), user)
	var e *id.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, id.KindConflict, e.Kind)
	assert.Equal(t, string(id.FieldUsername), e.Field)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsers(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT \* FROM "users" ORDER BY created_at`).
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow("u1", "a", "a@example.com", "A", "h", "s", nil, nil, "local", nil, now, now).
			AddRow("u2", "b", "b@example.com", "B", nil, nil, "g", nil, "google", "/p.png", now, now))

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, users[0].HasLocalCredentials())
	assert.Equal(t, "/p.png", users[1].ProfilePictureRef)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFieldForConstraint(t *testing.T) {
	assert.Equal(t, id.FieldEmail, fieldForConstraint("idx_users_email"))
	assert.Equal(t, id.FieldGitHubID, fieldForConstraint("IDX_USERS_GITHUB_ID"))
	assert.Equal(t, id.FieldUsername, fieldForConstraint("users_username_key"))
	assert.Equal(t, id.Field(""), fieldForConstraint("users_pkey"))
}
