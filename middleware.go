package identity

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware resolves the principal for HTTP requests, first from the
// session and then from bearer tokens or a token cookie.
type Middleware struct {
	Sessions            *Sessions
	Tokens              *TokenIssuer
	Codec               *Codec
	AuthTokenHeaderName string
	AuthTokenCookieName string
	Logger              *slog.Logger
}

// EnsureReasonableDefaults fills unset names.
func (a *Middleware) EnsureReasonableDefaults() {
	if a.AuthTokenHeaderName == "" {
		a.AuthTokenHeaderName = "Authorization"
	}
	if a.Codec == nil && a.Sessions != nil {
		a.Codec = a.Sessions.Codec
	}
}

// LoggedInUser returns the principal for r, or nil if the request is
// anonymous. Repository failures are logged and treated as anonymous.
func (a *Middleware) LoggedInUser(r *http.Request) *User {
	if user := PrincipalFromContext(r.Context()); user != nil {
		return user
	}
	log := loggerOr(a.Logger)

	if a.Sessions != nil {
		user, err := a.Sessions.Principal(r.Context())
		if err != nil {
			log.Warn("failed to decode session principal", "error", err)
		} else if user != nil {
			return user
		}
	}

	if a.Tokens == nil || a.Codec == nil {
		return nil
	}
	var authTokens []string
	for _, h := range r.Header.Values(a.AuthTokenHeaderName) {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			h = tok
		}
		if h = strings.TrimSpace(h); h != "" {
			authTokens = append(authTokens, h)
		}
	}
	if a.AuthTokenCookieName != "" {
		for _, cookie := range r.CookiesNamed(a.AuthTokenCookieName) {
			if len(cookie.Value) > 0 {
				authTokens = append(authTokens, cookie.Value)
			}
		}
	}
	for _, authToken := range authTokens {
		subject, err := a.Tokens.Verify(authToken)
		if err != nil {
			log.Debug("rejected auth token", "error", err)
			continue
		}
		user, err := a.Codec.Decode(r.Context(), subject)
		if err != nil {
			log.Warn("failed to decode token principal", "error", err)
			continue
		}
		if user != nil {
			return user
		}
	}
	return nil
}

// ExtractUser attaches the principal, if any, to the request context.
// It never rejects a request; use EnsureUser for that.
func (a *Middleware) ExtractUser(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := a.LoggedInUser(r); user != nil {
			r = r.WithContext(WithPrincipal(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// EnsureUser answers 401 unless a principal is resolved.
func (a *Middleware) EnsureUser(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := a.LoggedInUser(r)
		if user == nil {
			http.Error(w, "Login required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), user)))
	})
}
