package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Linker maps provider assertions onto canonical users.
//
// A provider id that is already set on a user is never replaced, and
// AuthProvider only moves from local to a provider.
type Linker struct {
	Store  UserStore
	Logger *slog.Logger
	Now    func() time.Time
}

// Link finds or creates the user for a provider login.
//
// Lookup order is provider id, then email. A first-time identity is created.
// If the create loses a race on a unique field it is retried once as a
// provider id lookup before the ConflictError is surfaced.
func (l *Linker) Link(ctx context.Context, provider Provider, a *Assertion) (*User, error) {
	if !provider.IsOAuth() {
		return nil, NewValidationError(ErrCodeUnsupportedProvider, fmt.Sprintf("unsupported provider %q", provider), "provider")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	providerID := strings.TrimSpace(a.ProviderID)
	idField := provider.IDField()

	user, err := findOptional(l.Store.FindByField(ctx, idField, providerID))
	if err != nil || user != nil {
		return user, err
	}

	if email := a.PrimaryEmail(); email != "" {
		user, err := findOptional(l.Store.FindByField(ctx, FieldEmail, email))
		if err != nil {
			return nil, err
		}
		if user != nil {
			return l.mergeByEmail(ctx, provider, providerID, user)
		}
	}

	draft := draftFromAssertion(provider, providerID, a)
	if draft.Username, err = l.availableUsername(ctx, provider, providerID, draft.Username); err != nil {
		return nil, err
	}
	user, err = l.Store.Create(context.WithoutCancel(ctx), draft)
	if IsConflict(err) {
		return l.retryAsLookup(ctx, provider, providerID, err)
	}
	if err != nil {
		return nil, asPersistence("create user", err)
	}
	loggerOr(l.Logger).Info("user created", "user_id", user.ID, "provider", provider)
	return user, nil
}

func (l *Linker) mergeByEmail(ctx context.Context, provider Provider, providerID string, user *User) (*User, error) {
	log := loggerOr(l.Logger)
	changed := false
	switch existing := user.ProviderID(provider); existing {
	case "":
		user.setProviderID(provider, providerID)
		changed = true
		log.Info("provider linked by email", "user_id", user.ID, "provider", provider)
	case providerID:
	default:
		log.Warn("email matched a user linked to another account of the same provider",
			"user_id", user.ID, "provider", provider)
	}
	if user.AuthProvider == ProviderLocal {
		user.AuthProvider = provider
		changed = true
		log.Info("auth provider promoted", "user_id", user.ID, "provider", provider)
	}
	if !changed {
		return user, nil
	}
	user.UpdatedAt = nowOr(l.Now)
	err := l.Store.Save(context.WithoutCancel(ctx), user)
	if IsConflict(err) {
		return l.retryAsLookup(ctx, provider, providerID, err)
	}
	if err != nil {
		return nil, asPersistence("save user", err)
	}
	return user, nil
}

// retryAsLookup handles a lost upsert race: the winner's record is found by
// provider id. Called at most once per Link.
func (l *Linker) retryAsLookup(ctx context.Context, provider Provider, providerID string, conflict error) (*User, error) {
	user, err := findOptional(l.Store.FindByField(ctx, provider.IDField(), providerID))
	if err != nil {
		return nil, err
	}
	if user == nil {
		loggerOr(l.Logger).Warn("provider login conflicted on a unique field",
			"provider", provider, "field", conflictField(conflict))
		return nil, conflict
	}
	loggerOr(l.Logger).Info("upsert race resolved by lookup", "user_id", user.ID, "provider", provider)
	return user, nil
}

// availableUsername returns username, or a provider-qualified variant when a
// different user already holds it. If the variant is taken too the original
// is kept and the store reports the conflict.
func (l *Linker) availableUsername(ctx context.Context, provider Provider, providerID, username string) (string, error) {
	taken, err := findOptional(l.Store.FindByField(ctx, FieldUsername, username))
	if err != nil || taken == nil {
		return username, err
	}
	candidate := username + "-" + providerID
	if username == providerID || utf8.RuneCountInString(candidate) > maxUsernameLen {
		candidate = string(provider) + "-" + providerID
	}
	other, err := findOptional(l.Store.FindByField(ctx, FieldUsername, candidate))
	if err != nil {
		return "", err
	}
	if other != nil {
		return username, nil
	}
	loggerOr(l.Logger).Info("provider username taken, using fallback",
		"provider", provider, "username", username, "fallback", candidate)
	return candidate, nil
}

func draftFromAssertion(provider Provider, providerID string, a *Assertion) UserDraft {
	username := strings.TrimSpace(a.Username)
	if username == "" {
		username = providerID
	}
	displayName := strings.TrimSpace(a.DisplayName)
	if displayName == "" {
		displayName = username
	}
	email := a.PrimaryEmail()
	if email == "" {
		email = NormalizeEmail(fmt.Sprintf("%s@%s.local", username, provider))
	}
	d := UserDraft{
		Username:     username,
		Email:        email,
		DisplayName:  displayName,
		AuthProvider: provider,
	}
	switch provider {
	case ProviderGoogle:
		d.GoogleID = providerID
	case ProviderGitHub:
		d.GitHubID = providerID
	}
	return d
}

// LinkToUser attaches a provider account to an already signed-in principal.
func (l *Linker) LinkToUser(ctx context.Context, principal *User, provider Provider, a *Assertion) (*User, error) {
	if principal == nil || principal.ID == "" {
		return nil, ErrUserNotFound
	}
	if !provider.IsOAuth() {
		return nil, NewValidationError(ErrCodeUnsupportedProvider, fmt.Sprintf("unsupported provider %q", provider), "provider")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	providerID := strings.TrimSpace(a.ProviderID)
	idField := provider.IDField()

	user, err := l.Store.FindByID(ctx, principal.ID)
	if err != nil {
		return nil, asPersistence("find user", err)
	}
	switch existing := user.ProviderID(provider); existing {
	case providerID:
		return user, nil
	case "":
	default:
		return nil, &Error{
			Kind:    KindConflict,
			Code:    ErrCodeProviderLinked,
			Message: fmt.Sprintf("%s is already connected", idField.Label()),
			Field:   string(idField),
		}
	}

	owner, err := findOptional(l.Store.FindByField(ctx, idField, providerID))
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != user.ID {
		return nil, linkedElsewhere(idField, nil)
	}

	user.setProviderID(provider, providerID)
	if user.AuthProvider == ProviderLocal {
		user.AuthProvider = provider
	}
	user.UpdatedAt = nowOr(l.Now)
	err = l.Store.Save(context.WithoutCancel(ctx), user)
	if IsConflict(err) && conflictField(err) == idField {
		return nil, linkedElsewhere(idField, err)
	}
	if err != nil {
		return nil, asPersistence("save user", err)
	}
	loggerOr(l.Logger).Info("provider linked", "user_id", user.ID, "provider", provider)
	return user, nil
}

func linkedElsewhere(field Field, cause error) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    ErrCodeProviderElsewhere,
		Message: fmt.Sprintf("%s is linked to a different user", field.Label()),
		Field:   string(field),
		Err:     cause,
	}
}
