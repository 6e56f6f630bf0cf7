package identity

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// CallbackURLCookie remembers where to land after an OAuth round trip.
	CallbackURLCookie = "oauthCallbackURL"

	// linkingSessionKey marks a consent flow started to link a provider to
	// the signed-in user rather than to sign in.
	linkingSessionKey = "linkingUserId"
)

// Auth owns the session side of authentication: it signs principals in and
// out, finishes OAuth flows, and routes provider sub-handlers.
type Auth struct {
	mux      *http.ServeMux
	Sessions *Sessions
	Tokens   *TokenIssuer
	Resolver *Resolver

	// Name of the cookie carrying the bearer token. Empty disables it.
	AuthTokenCookieName string

	// All the domains where the auth token cookie is set on login or logout.
	CookieDomains []string

	// AfterLoginURL is the default landing page after an OAuth flow.
	AfterLoginURL string

	// PathPrefix is where the host mounts Handler. Defaults to "/auth".
	PathPrefix string

	// SessionTimeout bounds the token cookie. Defaults to a day.
	SessionTimeout time.Duration

	Logger *slog.Logger
}

// EnsureDefaults fills unset fields.
func (a *Auth) EnsureDefaults() *Auth {
	if a.AfterLoginURL == "" {
		a.AfterLoginURL = "/"
	}
	if a.PathPrefix == "" {
		a.PathPrefix = "/auth"
	}
	if a.SessionTimeout <= 0 {
		a.SessionTimeout = 24 * time.Hour
	}
	return a
}

func (a *Auth) Handler() http.Handler {
	return a.setupRoutes().mux
}

// AddAuth mounts a provider handler (an oauth2 flow) under prefix.
func (a *Auth) AddAuth(prefix string, handler http.Handler) *Auth {
	a.setupRoutes()
	prefix = strings.TrimSuffix(prefix, "/")
	loggerOr(a.Logger).Debug("adding auth handler", "prefix", prefix)
	a.mux.Handle(prefix+"/", http.StripPrefix(prefix, handler))

	// Without the trailing slash the stripped path would be empty, so send
	// the client to the slashed form. RequestURI keeps any parent prefix the
	// host already stripped; 308 preserves the method.
	a.mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		target, _, _ := strings.Cut(r.RequestURI, "?")
		target += "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
	})
	return a
}

func (a *Auth) setupRoutes() *Auth {
	if a.mux == nil {
		a.EnsureDefaults()
		a.mux = http.NewServeMux()
		a.mux.HandleFunc("/logout", a.onLogout)
		a.mux.HandleFunc("/link/{provider}", a.StartLinkOAuth)
	}
	return a
}

func (a *Auth) onLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.LogoutUser(w, r); err != nil {
		writeError(w, loggerOr(a.Logger), err)
		return
	}
	if to := r.URL.Query().Get("to"); isLocalPath(to) {
		http.Redirect(w, r, to, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// LoginUser establishes user as the principal of this client. It renews the
// session and, when a TokenIssuer is configured, returns a bearer token that
// is also set as a cookie.
func (a *Auth) LoginUser(w http.ResponseWriter, r *http.Request, user *User) (string, error) {
	a.EnsureDefaults()
	if err := a.Sessions.Login(r.Context(), user); err != nil {
		return "", err
	}
	if a.Tokens == nil {
		return "", nil
	}
	token, err := a.Tokens.Issue(user)
	if err != nil {
		loggerOr(a.Logger).Warn("error signing token", "err", err)
		return "", nil
	}
	a.setTokenCookie(w, token, int(a.SessionTimeout/time.Second))
	return token, nil
}

// LogoutUser destroys the session and clears the token cookie.
func (a *Auth) LogoutUser(w http.ResponseWriter, r *http.Request) error {
	a.setTokenCookie(w, "", -1)
	return a.Sessions.Logout(r.Context())
}

func (a *Auth) setTokenCookie(w http.ResponseWriter, token string, maxAge int) {
	if a.AuthTokenCookieName == "" {
		return
	}
	domains := a.CookieDomains
	if !slices.Contains(domains, "") {
		domains = append(slices.Clone(domains), "")
	}
	for _, domain := range domains {
		cookie := &http.Cookie{
			Name:     a.AuthTokenCookieName,
			Value:    token,
			Domain:   domain,
			Path:     "/",
			MaxAge:   maxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		}
		if maxAge > 0 {
			cookie.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
		}
		http.SetCookie(w, cookie)
	}
}

// HandleAssertion finishes an OAuth consent flow. A flow started with
// StartLinkOAuth attaches the provider to the signed-in user; any other flow
// resolves (or creates) the user and signs them in.
func (a *Auth) HandleAssertion(provider Provider, _ *oauth2.Token, assertion *Assertion, w http.ResponseWriter, r *http.Request) {
	a.EnsureDefaults()
	ctx := r.Context()
	log := loggerOr(a.Logger)

	if linkingValue := a.Sessions.Manager.PopString(ctx, linkingSessionKey); linkingValue != "" {
		a.finishLink(ctx, linkingValue, provider, assertion, w, r)
		return
	}

	user, err := a.Resolver.ResolveOrCreateFromProvider(ctx, provider, assertion)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if _, err := a.LoginUser(w, r, user); err != nil {
		writeError(w, log, err)
		return
	}
	a.redirectAfterLogin(w, r)
}

func (a *Auth) finishLink(ctx context.Context, linkingValue string, provider Provider, assertion *Assertion, w http.ResponseWriter, r *http.Request) {
	log := loggerOr(a.Logger)
	principal, err := a.Sessions.Codec.Decode(ctx, linkingValue)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if _, err := a.Resolver.linker().LinkToUser(ctx, principal, provider, assertion); err != nil {
		writeError(w, log, err)
		return
	}
	a.redirectAfterLogin(w, r)
}

func (a *Auth) redirectAfterLogin(w http.ResponseWriter, r *http.Request) {
	target := CallbackURL(r, a.AfterLoginURL)
	http.SetCookie(w, &http.Cookie{
		Name:   CallbackURLCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

// StartLinkOAuth begins linking {provider} to the signed-in principal and
// hands the browser to that provider's consent redirect under /auth.
func (a *Auth) StartLinkOAuth(w http.ResponseWriter, r *http.Request) {
	provider := Provider(r.PathValue("provider"))
	if !provider.IsOAuth() {
		writeError(w, loggerOr(a.Logger), NewValidationError(ErrCodeUnsupportedProvider, "Unsupported provider", "provider"))
		return
	}
	principal := PrincipalFromContext(r.Context())
	if principal == nil {
		var err error
		if principal, err = a.Sessions.Principal(r.Context()); err != nil {
			writeError(w, loggerOr(a.Logger), err)
			return
		}
	}
	if principal == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Login required", "code": ErrCodeUserNotFound})
		return
	}
	a.Sessions.Manager.Put(r.Context(), linkingSessionKey, a.Sessions.Codec.Encode(principal))
	a.EnsureDefaults()
	target := strings.TrimSuffix(a.PathPrefix, "/") + "/" + string(provider) + "/"
	if cb := r.URL.Query().Get("callbackURL"); cb != "" {
		target += "?callbackURL=" + url.QueryEscape(cb)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// CallbackURL returns the post-login destination remembered in the
// oauthCallbackURL cookie, or fallback. Only same-site paths are honoured.
func CallbackURL(r *http.Request, fallback string) string {
	c, err := r.Cookie(CallbackURLCookie)
	if err != nil || !isLocalPath(c.Value) {
		return fallback
	}
	return c.Value
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}
