package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	id "github.com/campusconnect/identity"
)

//go:embed schema.sql
var schema string

const userColumns = `id, username, email, display_name, password_hash, password_salt,
	google_id, github_id, auth_provider, profile_picture_ref, created_at, updated_at`

var lookupColumns = map[id.Field]string{
	id.FieldID:       "id",
	id.FieldUsername: "username",
	id.FieldEmail:    "email",
	id.FieldGoogleID: "google_id",
	id.FieldGitHubID: "github_id",
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements identity.UserStore over SQLite.
type Store struct {
	sqlDB *sql.DB
	Now   func() time.Time
}

// Open opens a SQLite store and applies the embedded schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single connection serialises writers
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) FindByID(ctx context.Context, userID string) (*id.User, error) {
	return s.FindByField(ctx, id.FieldID, userID)
}

func (s *Store) FindByField(ctx context.Context, field id.Field, value string) (*id.User, error) {
	column, ok := lookupColumns[field]
	if !ok {
		return nil, id.NewValidationError(id.ErrCodeInvalidUser, fmt.Sprintf("cannot look up users by %q", field), string(field))
	}
	if value == "" {
		return nil, id.ErrUserNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+column+" = ?", value)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, id.ErrUserNotFound
	}
	if err != nil {
		return nil, id.NewPersistenceError("find user", err)
	}
	return user, nil
}

func (s *Store) Create(ctx context.Context, draft id.UserDraft) (*id.User, error) {
	user, err := id.NewUser(draft, s.now())
	if err != nil {
		return nil, err
	}
	_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.DisplayName,
		nullString(user.PasswordHash), nullString(user.PasswordSalt),
		nullString(user.GoogleID), nullString(user.GitHubID),
		string(user.AuthProvider), nullString(user.ProfilePictureRef),
		toMillis(user.CreatedAt), toMillis(user.UpdatedAt),
	)
	if err != nil {
		return nil, translateWriteError("create user", err)
	}
	return user, nil
}

func (s *Store) Save(ctx context.Context, user *id.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx, `UPDATE users SET
		username = ?, email = ?, display_name = ?, password_hash = ?, password_salt = ?,
		google_id = ?, github_id = ?, auth_provider = ?, profile_picture_ref = ?, updated_at = ?
		WHERE id = ?`,
		user.Username, user.Email, user.DisplayName,
		nullString(user.PasswordHash), nullString(user.PasswordSalt),
		nullString(user.GoogleID), nullString(user.GitHubID),
		string(user.AuthProvider), nullString(user.ProfilePictureRef),
		toMillis(updatedAt), user.ID,
	)
	if err != nil {
		return translateWriteError("save user", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return id.NewPersistenceError("save user", err)
	}
	if n == 0 {
		return id.ErrUserNotFound
	}
	return nil
}

// ListUsers returns every user ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]*id.User, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, id.NewPersistenceError("list users", err)
	}
	defer rows.Close()

	var users []*id.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, id.NewPersistenceError("list users", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, id.NewPersistenceError("list users", err)
	}
	return users, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*id.User, error) {
	var (
		u                                   id.User
		hash, salt, googleID, githubID, pic sql.NullString
		provider                            string
		createdAt, updatedAt                int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &hash, &salt,
		&googleID, &githubID, &provider, &pic, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.PasswordHash = hash.String
	u.PasswordSalt = salt.String
	u.GoogleID = googleID.String
	u.GitHubID = githubID.String
	u.AuthProvider = id.Provider(provider)
	u.ProfilePictureRef = pic.String
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func translateWriteError(op string, err error) error {
	if isUniqueViolation(err) {
		return id.NewConflictError(violatedField(err), err)
	}
	return id.NewPersistenceError(op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// violatedField reads the column out of "UNIQUE constraint failed: users.email".
func violatedField(err error) id.Field {
	message := strings.ToLower(err.Error())
	for _, field := range []id.Field{id.FieldGoogleID, id.FieldGitHubID, id.FieldUsername, id.FieldEmail, id.FieldID} {
		if strings.Contains(message, "users."+string(field)) {
			return field
		}
	}
	return ""
}
