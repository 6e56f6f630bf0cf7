package identity

import (
	"context"

	"github.com/alexedwards/scs/v2"
)

// SessionUserKey is the session entry holding the encoded principal.
const SessionUserKey = "loggedInUserId"

type principalKey struct{}

// WithPrincipal attaches the resolved user to ctx.
func WithPrincipal(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, principalKey{}, user)
}

// PrincipalFromContext returns the user attached by WithPrincipal, or nil.
func PrincipalFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(principalKey{}).(*User)
	return user
}

// Sessions keeps the principal in an scs session. The session manager's
// LoadAndSave middleware must wrap any handler using it.
type Sessions struct {
	Manager *scs.SessionManager
	Codec   *Codec
}

// Login starts a fresh session for user.
func (s *Sessions) Login(ctx context.Context, user *User) error {
	if err := s.Manager.RenewToken(ctx); err != nil {
		return err
	}
	s.Manager.Put(ctx, SessionUserKey, s.Codec.Encode(user))
	return nil
}

// Logout drops the session entirely.
func (s *Sessions) Logout(ctx context.Context) error {
	return s.Manager.Destroy(ctx)
}

// Principal decodes the session's user. It returns (nil, nil) for anonymous
// sessions and for stored values that no longer match anyone.
func (s *Sessions) Principal(ctx context.Context) (*User, error) {
	opaque := s.Manager.GetString(ctx, SessionUserKey)
	if opaque == "" {
		return nil, nil
	}
	return s.Codec.Decode(ctx, opaque)
}
