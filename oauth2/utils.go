package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	id "github.com/campusconnect/identity"
)

const (
	stateCookieName = "oauthstate"
	stateCookieTTL  = 10 * time.Minute
)

func generateStateOauthCookie(w http.ResponseWriter) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("generating oauth state", "err", err)
	}
	state := base64.URLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(stateCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return state
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Path: "/", MaxAge: -1})
}

// OauthRedirector sends the browser to the provider's consent page. A
// callbackURL query parameter is remembered in a short-lived cookie.
func OauthRedirector(oauthConfig *oauth2.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if callbackURL := r.URL.Query().Get("callbackURL"); callbackURL != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     id.CallbackURLCookie,
				Value:    callbackURL,
				Path:     "/",
				MaxAge:   120,
				HttpOnly: true,
			})
		}
		oauthState := generateStateOauthCookie(w)
		http.Redirect(w, r, oauthConfig.AuthCodeURL(oauthState), http.StatusFound)
	}
}

// getJSON fetches url with the bearer token and decodes the body into out.
func getJSON(ctx context.Context, client *http.Client, url string, token *oauth2.Token, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	response, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed getting %s: %w", url, err)
	}
	defer response.Body.Close()

	contents, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, response.StatusCode)
	}
	if err := json.Unmarshal(contents, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
