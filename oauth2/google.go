package oauth2

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	id "github.com/campusconnect/identity"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

type GoogleOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL can be overridden for testing.
	UserInfoURL string
}

func NewGoogleOAuth2(clientId, clientSecret, callbackUrl string, handle HandleAssertionFunc) *GoogleOAuth2 {
	out := &GoogleOAuth2{
		BaseOAuth2:  NewBaseOAuth2(id.ProviderGoogle, clientId, clientSecret, callbackUrl, handle),
		UserInfoURL: googleUserInfoURL,
	}
	out.oauthConfig.Endpoint = google.Endpoint
	out.oauthConfig.Scopes = []string{
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	}
	out.fetch = out.FetchAssertion
	return out
}

// FetchAssertion reads the signed-in Google profile.
func (g *GoogleOAuth2) FetchAssertion(ctx context.Context, token *oauth2.Token) (*id.Assertion, error) {
	var userInfo map[string]any
	if err := getJSON(ctx, g.getHTTPClient(), g.UserInfoURL, token, &userInfo); err != nil {
		return nil, id.NewUpstreamError("Could not read the Google profile", err)
	}
	return id.AssertionFromUserInfo(id.ProviderGoogle, userInfo)
}
