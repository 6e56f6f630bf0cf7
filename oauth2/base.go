// Package oauth2 runs the Google and GitHub authorization-code flows and
// hands the resulting provider assertion to the host.
package oauth2

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"

	id "github.com/campusconnect/identity"
)

// DefaultAuthFailureUrl is where a failed callback lands unless overridden.
const DefaultAuthFailureUrl = "/auth/failure"

// HandleAssertionFunc receives the assertion of a completed consent flow. The
// host decides whether to sign in (Resolver) or attach (Linker.LinkToUser).
type HandleAssertionFunc func(provider id.Provider, token *oauth2.Token, a *id.Assertion, w http.ResponseWriter, r *http.Request)

// assertionFetcher turns an access token into an Assertion.
type assertionFetcher func(ctx context.Context, token *oauth2.Token) (*id.Assertion, error)

type BaseOAuth2 struct {
	ClientId        string
	ClientSecret    string
	CallbackURL     string
	AuthFailureUrl  string
	HandleAssertion HandleAssertionFunc
	Logger          *slog.Logger

	provider    id.Provider
	fetch       assertionFetcher
	httpClient  *http.Client
	oauthConfig oauth2.Config
	mux         *http.ServeMux
}

// NewBaseOAuth2 builds the shared flow. Empty credentials fall back to
// IDENTITY_<PROVIDER>_CLIENT_ID, _CLIENT_SECRET and _CALLBACK_URL.
func NewBaseOAuth2(provider id.Provider, clientId, clientSecret, callbackUrl string, handle HandleAssertionFunc) *BaseOAuth2 {
	prefix := "IDENTITY_" + strings.ToUpper(string(provider)) + "_"
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv(prefix + "CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv(prefix + "CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv(prefix + "CALLBACK_URL"))
	}
	out := &BaseOAuth2{
		ClientId:        clientId,
		ClientSecret:    clientSecret,
		CallbackURL:     callbackUrl,
		AuthFailureUrl:  DefaultAuthFailureUrl,
		HandleAssertion: handle,
		provider:        provider,
		mux:             http.NewServeMux(),
		oauthConfig: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
		},
	}
	out.mux.HandleFunc("/callback/", out.handleCallback)
	out.mux.HandleFunc("/", OauthRedirector(&out.oauthConfig))
	return out
}

// Provider names the channel this flow authenticates.
func (b *BaseOAuth2) Provider() id.Provider { return b.provider }

// Handler serves "/" (redirect to consent) and "/callback/". Mount it under
// a prefix with http.StripPrefix.
func (b *BaseOAuth2) Handler() http.Handler { return b.mux }

func (b *BaseOAuth2) SetHTTPClient(client *http.Client) { b.httpClient = client }

func (b *BaseOAuth2) SetOAuthEndpoint(endpoint oauth2.Endpoint) { b.oauthConfig.Endpoint = endpoint }

// OAuthConfig returns a copy of the underlying client configuration.
func (b *BaseOAuth2) OAuthConfig() oauth2.Config { return b.oauthConfig }

func (b *BaseOAuth2) getHTTPClient() *http.Client {
	if b.httpClient != nil {
		return b.httpClient
	}
	return http.DefaultClient
}

// ExchangeContext carries the injected HTTP client into token exchange.
func (b *BaseOAuth2) ExchangeContext(ctx context.Context) context.Context {
	if b.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

func (b *BaseOAuth2) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *BaseOAuth2) handleCallback(w http.ResponseWriter, r *http.Request) {
	oauthState, _ := r.Cookie(stateCookieName)
	if oauthState == nil {
		http.Error(w, "OauthState is nil", http.StatusBadRequest)
		return
	}
	if r.FormValue("state") != oauthState.Value {
		clearStateCookie(w)
		http.Error(w, fmt.Sprintf("invalid oauth %s state", b.provider), http.StatusBadRequest)
		return
	}
	clearStateCookie(w)

	ctx := r.Context()
	token, err := b.oauthConfig.Exchange(b.ExchangeContext(ctx), r.FormValue("code"))
	if err != nil {
		b.logger().Info("invalid code exchange", "provider", b.provider, "err", err)
		http.Redirect(w, r, b.AuthFailureUrl, http.StatusTemporaryRedirect)
		return
	}
	assertion, err := b.fetch(ctx, token)
	if err != nil {
		b.logger().Info("fetching provider profile failed", "provider", b.provider, "err", err)
		http.Redirect(w, r, b.AuthFailureUrl, http.StatusTemporaryRedirect)
		return
	}
	if b.HandleAssertion == nil {
		http.Error(w, "no assertion handler configured", http.StatusInternalServerError)
		return
	}
	b.HandleAssertion(b.provider, token, assertion, w, r)
}
