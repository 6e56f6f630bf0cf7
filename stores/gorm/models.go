//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	id "github.com/campusconnect/identity"
)

// UserModel is the GORM model for users. Optional unique columns are
// pointers so that an absent value is written as NULL.
type UserModel struct {
	ID                string    `gorm:"primaryKey;size:64"`
	Username          string    `gorm:"size:255;not null;uniqueIndex:idx_users_username"`
	Email             string    `gorm:"size:320;not null;uniqueIndex:idx_users_email"`
	DisplayName       string    `gorm:"size:255"`
	PasswordHash      *string   `gorm:"size:255"`
	PasswordSalt      *string   `gorm:"size:255"`
	GoogleID          *string   `gorm:"column:google_id;size:255;uniqueIndex:idx_users_google_id"`
	GitHubID          *string   `gorm:"column:github_id;size:255;uniqueIndex:idx_users_github_id"`
	AuthProvider      string    `gorm:"size:16;not null"`
	ProfilePictureRef *string   `gorm:"size:1024"`
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToUser() *id.User {
	return &id.User{
		ID:                m.ID,
		Username:          m.Username,
		Email:             m.Email,
		DisplayName:       m.DisplayName,
		PasswordHash:      deref(m.PasswordHash),
		PasswordSalt:      deref(m.PasswordSalt),
		GoogleID:          deref(m.GoogleID),
		GitHubID:          deref(m.GitHubID),
		AuthProvider:      id.Provider(m.AuthProvider),
		ProfilePictureRef: deref(m.ProfilePictureRef),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func UserModelFrom(u *id.User) *UserModel {
	return &UserModel{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		DisplayName:       u.DisplayName,
		PasswordHash:      nullable(u.PasswordHash),
		PasswordSalt:      nullable(u.PasswordSalt),
		GoogleID:          nullable(u.GoogleID),
		GitHubID:          nullable(u.GitHubID),
		AuthProvider:      string(u.AuthProvider),
		ProfilePictureRef: nullable(u.ProfilePictureRef),
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
