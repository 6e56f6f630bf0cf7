package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider names an authentication channel.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// IsOAuth reports whether p is one of the linked OAuth providers.
func (p Provider) IsOAuth() bool {
	return p == ProviderGoogle || p == ProviderGitHub
}

// IsValid reports whether p is a known provider.
func (p Provider) IsValid() bool {
	return p == ProviderLocal || p.IsOAuth()
}

// IDField returns the unique user field holding this provider's id.
func (p Provider) IDField() Field {
	switch p {
	case ProviderGoogle:
		return FieldGoogleID
	case ProviderGitHub:
		return FieldGitHubID
	}
	return ""
}

// Field names a lookup field on User.
type Field string

const (
	FieldID       Field = "id"
	FieldUsername Field = "username"
	FieldEmail    Field = "email"
	FieldGoogleID Field = "google_id"
	FieldGitHubID Field = "github_id"
)

// UniqueFields are the fields the repository keeps unique across users.
// Empty values are never compared.
var UniqueFields = []Field{FieldUsername, FieldEmail, FieldGoogleID, FieldGitHubID}

// Label is the human name used in messages.
func (f Field) Label() string {
	switch f {
	case FieldUsername:
		return "Username"
	case FieldEmail:
		return "Email"
	case FieldGoogleID:
		return "Google account"
	case FieldGitHubID:
		return "GitHub account"
	case FieldID:
		return "ID"
	case "":
		return "Value"
	}
	return string(f)
}

// User is the canonical identity record. Optional fields use "" for absent.
type User struct {
	ID                string    `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email"`
	DisplayName       string    `json:"display_name"`
	PasswordHash      string    `json:"password_hash,omitempty"`
	PasswordSalt      string    `json:"password_salt,omitempty"`
	GoogleID          string    `json:"google_id,omitempty"`
	GitHubID          string    `json:"github_id,omitempty"`
	AuthProvider      Provider  `json:"auth_provider"`
	ProfilePictureRef string    `json:"profile_picture_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ProviderID returns the linked id for provider p, or "".
func (u *User) ProviderID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return u.GoogleID
	case ProviderGitHub:
		return u.GitHubID
	}
	return ""
}

func (u *User) setProviderID(p Provider, id string) {
	switch p {
	case ProviderGoogle:
		u.GoogleID = id
	case ProviderGitHub:
		u.GitHubID = id
	}
}

// FieldValue returns the value of a lookup field.
func (u *User) FieldValue(f Field) string {
	switch f {
	case FieldID:
		return u.ID
	case FieldUsername:
		return u.Username
	case FieldEmail:
		return u.Email
	case FieldGoogleID:
		return u.GoogleID
	case FieldGitHubID:
		return u.GitHubID
	}
	return ""
}

// HasLocalCredentials reports whether a password was ever set.
func (u *User) HasLocalCredentials() bool {
	return u.PasswordHash != ""
}

// Clone returns a copy that can be mutated without touching u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Validate checks the record invariants. Stores call it before every write.
func (u *User) Validate() error {
	if u.ID == "" {
		return NewValidationError(ErrCodeInvalidUser, "user id is required", string(FieldID))
	}
	return validateFields(u.Username, u.Email, u.PasswordHash, u.PasswordSalt, u.AuthProvider, u.GoogleID, u.GitHubID)
}

// UserDraft is the validated input for creating a user.
type UserDraft struct {
	Username          string
	Email             string
	DisplayName       string
	PasswordHash      string
	PasswordSalt      string
	GoogleID          string
	GitHubID          string
	AuthProvider      Provider
	ProfilePictureRef string
}

// Validate checks the draft before construction.
func (d UserDraft) Validate() error {
	return validateFields(d.Username, NormalizeEmail(d.Email), d.PasswordHash, d.PasswordSalt, d.AuthProvider, d.GoogleID, d.GitHubID)
}

// NewUser builds a User from a draft, assigning a fresh id and timestamps.
func NewUser(d UserDraft, now time.Time) (*User, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &User{
		ID:                uuid.NewString(),
		Username:          strings.TrimSpace(d.Username),
		Email:             NormalizeEmail(d.Email),
		DisplayName:       strings.TrimSpace(d.DisplayName),
		PasswordHash:      d.PasswordHash,
		PasswordSalt:      d.PasswordSalt,
		GoogleID:          d.GoogleID,
		GitHubID:          d.GitHubID,
		AuthProvider:      d.AuthProvider,
		ProfilePictureRef: d.ProfilePictureRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// NormalizeEmail trims and lower-cases an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidID reports whether s is structurally a user id.
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func validateFields(username, email, hash, salt string, provider Provider, googleID, githubID string) error {
	if strings.TrimSpace(username) == "" {
		return NewValidationError(ErrCodeMissingField, "username is required", string(FieldUsername))
	}
	if email == "" {
		return NewValidationError(ErrCodeMissingField, "email is required", string(FieldEmail))
	}
	if (hash == "") != (salt == "") {
		return NewValidationError(ErrCodeInvalidUser, "password hash and salt must be set together", "password")
	}
	if !provider.IsValid() {
		return NewValidationError(ErrCodeUnsupportedProvider, fmt.Sprintf("unknown auth provider %q", provider), "auth_provider")
	}
	switch provider {
	case ProviderGoogle:
		if googleID == "" {
			return NewValidationError(ErrCodeInvalidUser, "google auth provider requires a google id", string(FieldGoogleID))
		}
	case ProviderGitHub:
		if githubID == "" {
			return NewValidationError(ErrCodeInvalidUser, "github auth provider requires a github id", string(FieldGitHubID))
		}
	}
	return nil
}

// Profile is the view of a user safe to hand to clients.
type Profile struct {
	ID                string    `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email"`
	DisplayName       string    `json:"display_name"`
	AuthProvider      Provider  `json:"auth_provider"`
	HasPassword       bool      `json:"has_password"`
	LinkedProviders   []string  `json:"linked_providers"`
	ProfilePictureRef string    `json:"profile_picture_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Profile returns the client view of u.
func (u *User) Profile() Profile {
	linked := []string{}
	for _, p := range []Provider{ProviderGoogle, ProviderGitHub} {
		if u.ProviderID(p) != "" {
			linked = append(linked, string(p))
		}
	}
	return Profile{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		DisplayName:       u.DisplayName,
		AuthProvider:      u.AuthProvider,
		HasPassword:       u.HasLocalCredentials(),
		LinkedProviders:   linked,
		ProfilePictureRef: u.ProfilePictureRef,
		CreatedAt:         u.CreatedAt,
	}
}
