//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"

	id "github.com/campusconnect/identity"
)

// UserEntity is the Datastore entity for users
type UserEntity struct {
	Key               *datastore.Key `datastore:"__key__"`
	Username          string         `datastore:"username"`
	Email             string         `datastore:"email"`
	DisplayName       string         `datastore:"display_name,noindex"`
	PasswordHash      string         `datastore:"password_hash,noindex"`
	PasswordSalt      string         `datastore:"password_salt,noindex"`
	GoogleID          string         `datastore:"google_id"`
	GitHubID          string         `datastore:"github_id"`
	AuthProvider      string         `datastore:"auth_provider"`
	ProfilePictureRef string         `datastore:"profile_picture_ref,noindex"`
	CreatedAt         time.Time      `datastore:"created_at"`
	UpdatedAt         time.Time      `datastore:"updated_at"`
}

// IndexEntity reserves one unique field value for a user.
// Key format: field + ":" + value
type IndexEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Field     string         `datastore:"field"`
	UserID    string         `datastore:"user_id"`
	CreatedAt time.Time      `datastore:"created_at,noindex"`
}

func (e *UserEntity) ToUser() *id.User {
	return &id.User{
		ID:                e.Key.Name,
		Username:          e.Username,
		Email:             e.Email,
		DisplayName:       e.DisplayName,
		PasswordHash:      e.PasswordHash,
		PasswordSalt:      e.PasswordSalt,
		GoogleID:          e.GoogleID,
		GitHubID:          e.GitHubID,
		AuthProvider:      id.Provider(e.AuthProvider),
		ProfilePictureRef: e.ProfilePictureRef,
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
	}
}

func UserToEntity(u *id.User, key *datastore.Key) *UserEntity {
	return &UserEntity{
		Key:               key,
		Username:          u.Username,
		Email:             u.Email,
		DisplayName:       u.DisplayName,
		PasswordHash:      u.PasswordHash,
		PasswordSalt:      u.PasswordSalt,
		GoogleID:          u.GoogleID,
		GitHubID:          u.GitHubID,
		AuthProvider:      string(u.AuthProvider),
		ProfilePictureRef: u.ProfilePictureRef,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

// IndexName is the key name of the index entity for a field value.
func IndexName(field id.Field, value string) string {
	return string(field) + ":" + value
}
