package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "github.com/campusconnect/identity"
)

// AuthClient is an HTTP client for the identityd JSON API that remembers the
// bearer token of the signed-in user.
type AuthClient struct {
	mu            sync.Mutex
	serverURL     string
	store         CredentialStore
	httpClient    *http.Client
	baseTransport http.RoundTripper
	apiPrefix     string
}

type loginResponse struct {
	User  id.Profile `json:"user"`
	Token string     `json:"token"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field"`
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithAPIPrefix sets the path the JSON API is mounted under. Defaults to "/api".
func WithAPIPrefix(prefix string) ClientOption {
	return func(c *AuthClient) {
		c.apiPrefix = "/" + strings.Trim(prefix, "/")
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// NewAuthClient creates a new authenticated HTTP client for a server
func NewAuthClient(serverURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	if store == nil {
		store = NewMemoryStore()
	}

	c := &AuthClient{
		serverURL:     serverURL,
		store:         store,
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
		apiPrefix:     "/api",
	}
	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.Transport = &AuthTransport{
		Base:  c.baseTransport,
		Token: c.token,
	}
	return c
}

// HTTPClient returns the underlying HTTP client. Requests made with it carry
// the stored bearer token.
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// ServerURL returns the server URL this client is configured for
func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// GetCredential returns the stored credential for this server
func (c *AuthClient) GetCredential() (*ServerCredential, error) {
	return c.store.GetCredential(c.serverURL)
}

// IsLoggedIn returns true if there is a valid (non-expired) credential
func (c *AuthClient) IsLoggedIn() bool {
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil {
		return false
	}
	return !cred.IsExpired()
}

func (c *AuthClient) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil || cred.IsExpired() {
		return ""
	}
	return cred.AccessToken
}

// Login authenticates with username and password and stores the credential.
func (c *AuthClient) Login(ctx context.Context, username, password string) (*ServerCredential, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.remember(resp)
}

// Signup registers a local user and stores the credential of the new session.
func (c *AuthClient) Signup(ctx context.Context, req id.Registration) (*ServerCredential, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/signup", req, &resp); err != nil {
		return nil, err
	}
	return c.remember(resp)
}

// Logout forgets the credential for this server.
func (c *AuthClient) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.RemoveCredential(c.serverURL); err != nil {
		return err
	}
	return c.store.Save()
}

// Me returns the profile of the signed-in user.
func (c *AuthClient) Me(ctx context.Context) (*id.Profile, error) {
	var profile id.Profile
	if err := c.do(ctx, http.MethodGet, "/me", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// ChangeUsername renames the signed-in user.
func (c *AuthClient) ChangeUsername(ctx context.Context, currentPassword, newUsername string) (*id.Profile, error) {
	var profile id.Profile
	err := c.do(ctx, http.MethodPost, "/me/username", map[string]string{
		"current_password": currentPassword,
		"new_username":     newUsername,
	}, &profile)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cred, _ := c.store.GetCredential(c.serverURL); cred != nil {
		cred.Username = profile.Username
		if err := c.store.SetCredential(c.serverURL, cred); err == nil {
			_ = c.store.Save()
		}
	}
	return &profile, nil
}

// ChangePassword replaces the signed-in user's password.
func (c *AuthClient) ChangePassword(ctx context.Context, currentPassword, newPassword, confirmPassword string) error {
	return c.do(ctx, http.MethodPost, "/me/password", map[string]string{
		"current_password": currentPassword,
		"new_password":     newPassword,
		"confirm_password": confirmPassword,
	}, nil)
}

func (c *AuthClient) remember(resp loginResponse) (*ServerCredential, error) {
	if resp.Token == "" {
		return nil, errors.New("server did not issue a bearer token")
	}
	now := time.Now()
	cred := &ServerCredential{
		AccessToken: resp.Token,
		UserID:      resp.User.ID,
		Username:    resp.User.Username,
		CreatedAt:   now,
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, &claims); err == nil && claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if err := c.store.Save(); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return cred, nil
}

// do sends body as JSON and decodes a 2xx answer into out. Error answers come
// back as *id.Error so callers can match them with errors.Is.
func (c *AuthClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+c.apiPrefix+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response from server: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body errorResponse
	_ = json.Unmarshal(data, &body)
	if body.Error == "" {
		body.Error = fmt.Sprintf("request failed: HTTP %d", status)
	}
	return &id.Error{
		Kind:    kindForStatus(status),
		Code:    body.Code,
		Message: body.Error,
		Field:   body.Field,
	}
}

func kindForStatus(status int) id.ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return id.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return id.KindAuth
	case http.StatusNotFound:
		return id.KindNotFound
	case http.StatusConflict:
		return id.KindConflict
	case http.StatusBadGateway:
		return id.KindUpstream
	default:
		return id.KindPersistence
	}
}
