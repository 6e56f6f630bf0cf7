package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Resolver authenticates local credentials and hands provider logins to the
// Linker.
type Resolver struct {
	Store  UserStore
	Hasher Hasher
	Linker *Linker
	Policy PasswordPolicy
	Logger *slog.Logger
	Now    func() time.Time

	dummyOnce sync.Once
	dummy     Credential
}

// NewResolver wires a Resolver and its Linker over one store.
func NewResolver(store UserStore, hasher Hasher) *Resolver {
	return &Resolver{
		Store:  store,
		Hasher: hasher,
		Linker: &Linker{Store: store},
	}
}

// Register creates a local user with a hashed password.
func (r *Resolver) Register(ctx context.Context, reg Registration) (*User, error) {
	if err := reg.Validate(r.Policy); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(reg.Username)
	email := NormalizeEmail(reg.Email)

	for _, f := range []struct {
		field Field
		value string
	}{{FieldUsername, username}, {FieldEmail, email}} {
		existing, err := findOptional(r.Store.FindByField(ctx, f.field, f.value))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, alreadyRegistered(f.field, nil)
		}
	}

	cred, err := r.Hasher.Hash(ctx, reg.Password)
	if err != nil {
		return nil, asPersistence("hash password", err)
	}
	user, err := r.Store.Create(context.WithoutCancel(ctx), UserDraft{
		Username:     username,
		Email:        email,
		DisplayName:  strings.TrimSpace(reg.DisplayName),
		PasswordHash: cred.Hash,
		PasswordSalt: cred.Salt,
		AuthProvider: ProviderLocal,
	})
	if IsConflict(err) {
		return nil, alreadyRegistered(conflictField(err), err)
	}
	if err != nil {
		return nil, asPersistence("create user", err)
	}
	loggerOr(r.Logger).Info("user registered", "user_id", user.ID, "provider", ProviderLocal)
	return user, nil
}

func alreadyRegistered(field Field, cause error) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    ErrCodeAlreadyRegistered,
		Message: "Username or email already in use",
		Field:   string(field),
		Err:     cause,
	}
}

// AuthenticateLocal checks a username and password. Every failure caused by
// the credentials themselves returns ErrInvalidCredentials so callers cannot
// tell an unknown username from a wrong password.
func (r *Resolver) AuthenticateLocal(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := findOptional(r.Store.FindByField(ctx, FieldUsername, username))
	if err != nil {
		return nil, err
	}
	if user == nil || !user.HasLocalCredentials() {
		r.burnVerify(ctx, password)
		return nil, ErrInvalidCredentials
	}
	if err := r.checkPassword(ctx, user, password); err != nil {
		if errors.Is(err, ErrPasswordMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return user, nil
}

// ResolveOrCreateFromProvider maps a provider login onto one canonical user.
func (r *Resolver) ResolveOrCreateFromProvider(ctx context.Context, provider Provider, a *Assertion) (*User, error) {
	return r.linker().Link(ctx, provider, a)
}

func (r *Resolver) linker() *Linker {
	if r.Linker == nil {
		r.Linker = &Linker{Store: r.Store, Logger: r.Logger, Now: r.Now}
	}
	return r.Linker
}

// checkPassword verifies password against the user's stored credential.
// It returns ErrPasswordMismatch for a wrong password and for users without
// local credentials alike.
func (r *Resolver) checkPassword(ctx context.Context, user *User, password string) error {
	if !user.HasLocalCredentials() {
		r.burnVerify(ctx, password)
		return ErrPasswordMismatch
	}
	err := r.Hasher.Verify(ctx, password, Credential{Hash: user.PasswordHash, Salt: user.PasswordSalt})
	if err == nil || errors.Is(err, ErrPasswordMismatch) {
		return err
	}
	if ctx.Err() != nil {
		return NewCanceledError(err)
	}
	loggerOr(r.Logger).Warn("stored credential could not be verified", "user_id", user.ID, "error", err)
	return ErrPasswordMismatch
}

// burnVerify spends one verification on a throwaway credential so a miss
// costs about as much as a wrong password.
func (r *Resolver) burnVerify(ctx context.Context, password string) {
	r.dummyOnce.Do(func() {
		cred, err := r.Hasher.Hash(context.Background(), "not-a-real-password")
		if err == nil {
			r.dummy = cred
		}
	})
	if !r.dummy.IsZero() {
		_ = r.Hasher.Verify(ctx, password, r.dummy)
	}
}
