package client

import (
	"net/http"
)

// AuthTransport wraps an http.RoundTripper to add Authorization headers
type AuthTransport struct {
	Base  http.RoundTripper
	Token func() string
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Token != nil && req.Header.Get("Authorization") == "" {
		if token := t.Token(); token != "" {
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewAuthTransport creates an AuthTransport that always sends token.
func NewAuthTransport(base http.RoundTripper, token string) *AuthTransport {
	return &AuthTransport{
		Base:  base,
		Token: func() string { return token },
	}
}
