package oauth2

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	id "github.com/campusconnect/identity"
)

const (
	githubUserInfoURL = "https://api.github.com/user"
	githubEmailsURL   = "https://api.github.com/user/emails"
)

type GithubOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL and EmailsURL can be overridden for testing.
	UserInfoURL string
	EmailsURL   string
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func NewGithubOAuth2(clientId, clientSecret, callbackUrl string, handle HandleAssertionFunc) *GithubOAuth2 {
	out := &GithubOAuth2{
		BaseOAuth2:  NewBaseOAuth2(id.ProviderGitHub, clientId, clientSecret, callbackUrl, handle),
		UserInfoURL: githubUserInfoURL,
		EmailsURL:   githubEmailsURL,
	}
	out.oauthConfig.Endpoint = github.Endpoint
	out.oauthConfig.Scopes = []string{"read:user", "user:email"}
	out.fetch = out.FetchAssertion
	return out
}

// FetchAssertion reads the GitHub profile. Users with a private email get
// their primary verified address from the emails endpoint instead.
func (g *GithubOAuth2) FetchAssertion(ctx context.Context, token *oauth2.Token) (*id.Assertion, error) {
	var userInfo map[string]any
	if err := getJSON(ctx, g.getHTTPClient(), g.UserInfoURL, token, &userInfo); err != nil {
		return nil, id.NewUpstreamError("Could not read the GitHub profile", err)
	}
	a, err := id.AssertionFromUserInfo(id.ProviderGitHub, userInfo)
	if err != nil {
		return nil, err
	}
	if len(a.Emails) > 0 || g.EmailsURL == "" {
		return a, nil
	}

	var emails []githubEmail
	if err := getJSON(ctx, g.getHTTPClient(), g.EmailsURL, token, &emails); err != nil {
		// the profile is still usable without an address
		g.logger().Warn("github emails lookup failed", "err", err)
		return a, nil
	}
	if email := pickGithubEmail(emails); email != "" {
		a.Emails = append(a.Emails, id.EmailValue{Value: email})
	}
	return a, nil
}

// pickGithubEmail prefers the primary verified address, then any verified one.
func pickGithubEmail(emails []githubEmail) string {
	fallback := ""
	for _, e := range emails {
		if !e.Verified || e.Email == "" {
			continue
		}
		if e.Primary {
			return e.Email
		}
		if fallback == "" {
			fallback = e.Email
		}
	}
	return fallback
}
