package identity

import (
	"context"
	"log/slog"
	"strings"
)

// sessionFallbackFields is the order in which legacy session values are
// matched when the value is not a live user id.
var sessionFallbackFields = []Field{FieldUsername, FieldGoogleID, FieldGitHubID, FieldEmail}

// Codec turns a user into the opaque value kept in a session and back.
type Codec struct {
	Store  UserStore
	Logger *slog.Logger
}

// Encode returns the value to persist for user.
func (c *Codec) Encode(user *User) string {
	if user == nil {
		return ""
	}
	return user.ID
}

// Decode recovers the user for a stored session value. It returns (nil, nil)
// when nothing matches; only repository failures are errors.
func (c *Codec) Decode(ctx context.Context, opaque string) (*User, error) {
	opaque = strings.TrimSpace(opaque)
	if opaque == "" {
		return nil, nil
	}
	if IsValidID(opaque) {
		user, err := findOptional(c.Store.FindByID(ctx, opaque))
		if err != nil || user != nil {
			return user, err
		}
	}
	for _, field := range sessionFallbackFields {
		value := opaque
		if field == FieldEmail {
			value = NormalizeEmail(opaque)
		}
		user, err := findOptional(c.Store.FindByField(ctx, field, value))
		if err != nil {
			return nil, err
		}
		if user != nil {
			loggerOr(c.Logger).Debug("session decoded by fallback field", "user_id", user.ID, "field", field)
			return user, nil
		}
	}
	return nil, nil
}
