package identity

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	usernameRegex = regexp.MustCompile(`^\S+$`)
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

const maxUsernameLen = 64

// Registration is the input to a local signup.
type Registration struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	DisplayName     string `json:"display_name"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

// PasswordPolicy is applied whenever a password is set.
// A zero MinLength means no minimum.
type PasswordPolicy struct {
	MinLength int
}

// Check validates a new password against the policy.
func (p PasswordPolicy) Check(password string) error {
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		return NewValidationError(ErrCodeWeakPassword, "Password is too short", "password")
	}
	return nil
}

// Validate checks a registration before any store access.
func (r Registration) Validate(policy PasswordPolicy) error {
	if strings.TrimSpace(r.Username) == "" || strings.TrimSpace(r.Email) == "" ||
		strings.TrimSpace(r.DisplayName) == "" || r.Password == "" || r.PasswordConfirm == "" {
		return NewValidationError(ErrCodeMissingField, "All fields are required", "")
	}
	if err := ValidateUsername(r.Username); err != nil {
		return err
	}
	if !emailRegex.MatchString(NormalizeEmail(r.Email)) {
		return NewValidationError(ErrCodeInvalidEmail, "Invalid email format", string(FieldEmail))
	}
	if r.Password != r.PasswordConfirm {
		return NewValidationError(ErrCodePasswordMismatch, "Passwords do not match", "password_confirm")
	}
	return policy.Check(r.Password)
}

// ValidateUsername checks the shape of a username chosen by a person.
// Provider-derived usernames skip this check.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return NewValidationError(ErrCodeMissingField, "Username is required", string(FieldUsername))
	}
	if utf8.RuneCountInString(username) > maxUsernameLen || !usernameRegex.MatchString(username) {
		return NewValidationError(ErrCodeInvalidUsername, "Username must be 1-64 characters without spaces", string(FieldUsername))
	}
	return nil
}
