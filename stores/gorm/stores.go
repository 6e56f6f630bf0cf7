//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	id "github.com/campusconnect/identity"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for a unique index violation.
const pgUniqueViolation = "23505"

var lookupColumns = map[id.Field]string{
	id.FieldID:       "id",
	id.FieldUsername: "username",
	id.FieldEmail:    "email",
	id.FieldGoogleID: "google_id",
	id.FieldGitHubID: "github_id",
}

// AutoMigrate runs database migrations for the users table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserModel{})
}

// UserStore implements identity.UserStore using GORM
type UserStore struct {
	db  *gorm.DB
	Now func() time.Time
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *UserStore) FindByID(ctx context.Context, userID string) (*id.User, error) {
	return s.FindByField(ctx, id.FieldID, userID)
}

func (s *UserStore) FindByField(ctx context.Context, field id.Field, value string) (*id.User, error) {
	column, ok := lookupColumns[field]
	if !ok {
		return nil, id.NewValidationError(id.ErrCodeInvalidUser, fmt.Sprintf("cannot look up users by %q", field), string(field))
	}
	if value == "" {
		return nil, id.ErrUserNotFound
	}
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, column+" = ?", value).Error; err != nil {
		return nil, translateError("find user", err)
	}
	return model.ToUser(), nil
}

func (s *UserStore) Create(ctx context.Context, draft id.UserDraft) (*id.User, error) {
	user, err := id.NewUser(draft, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(UserModelFrom(user)).Error; err != nil {
		return nil, translateError("create user", err)
	}
	return user, nil
}

// Save writes every column except id and created_at in one UPDATE.
func (s *UserStore) Save(ctx context.Context, user *id.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	model := UserModelFrom(user)
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = s.now().UTC()
	}
	result := s.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("id = ?", user.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(model)
	if result.Error != nil {
		return translateError("save user", result.Error)
	}
	if result.RowsAffected == 0 {
		return id.ErrUserNotFound
	}
	return nil
}

// ListUsers returns every user ordered by creation time.
func (s *UserStore) ListUsers(ctx context.Context) ([]*id.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, translateError("list users", err)
	}
	users := make([]*id.User, 0, len(models))
	for i := range models {
		users = append(users, models[i].ToUser())
	}
	return users, nil
}

func translateError(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return id.ErrUserNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return id.NewConflictError(fieldForConstraint(pgErr.ConstraintName), err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return id.NewConflictError(fieldForConstraint(err.Error()), err)
	}
	return id.NewPersistenceError(op, err)
}

// fieldForConstraint maps an index name such as idx_users_github_id (or
// users_email_key) back onto the unique field it guards.
func fieldForConstraint(name string) id.Field {
	name = strings.ToLower(name)
	for _, field := range []id.Field{id.FieldGoogleID, id.FieldGitHubID, id.FieldUsername, id.FieldEmail} {
		if strings.Contains(name, string(field)) {
			return field
		}
	}
	return ""
}
