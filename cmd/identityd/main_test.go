package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alexedwards/scs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	id "github.com/campusconnect/identity"
	"github.com/campusconnect/identity/internal/config"
)

func TestOpenStoreFS(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), config.StoreConfig{Backend: config.StoreFS, Path: t.TempDir()})
	require.NoError(t, err)
	defer closeStore()
	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)

	_, _, err = openStore(context.Background(), config.StoreConfig{Backend: "redis"})
	assert.Error(t, err)
}

func TestNewHasher(t *testing.T) {
	h := newHasher(config.HashConfig{Algorithm: config.HashBcrypt, BcryptCost: bcrypt.MinCost, Concurrency: 1})
	cred, err := h.Hash(context.Background(), "pw")
	require.NoError(t, err)
	assert.NoError(t, h.Verify(context.Background(), "pw", cred))
}

func TestRouter(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), config.StoreConfig{Backend: config.StoreFS, Path: t.TempDir()})
	require.NoError(t, err)
	defer closeStore()

	resolver := id.NewResolver(store, id.NewBcryptHasher(bcrypt.MinCost))
	codec := &id.Codec{Store: store}
	sessions := &id.Sessions{Manager: scs.New(), Codec: codec}
	tokens := &id.TokenIssuer{SecretKey: []byte("k"), Codec: codec}
	auth := &id.Auth{Sessions: sessions, Tokens: tokens, Resolver: resolver}
	local := &id.LocalAuth{Auth: auth, Resolver: resolver, Mutator: id.NewMutator(resolver, nil)}
	mw := &id.Middleware{Sessions: sessions, Tokens: tokens, Codec: codec}
	handler := sessions.Manager.LoadAndSave(newRouter(auth, local, mw, store, nil, slog.Default()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body := `{"username":"alice","email":"alice@example.com","display_name":"Alice","password":"pw","password_confirm":"pw"}`
	req := httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var signup struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signup))
	require.NotEmpty(t, signup.Token)

	req = httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+signup.Token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)
	assert.NotContains(t, rec.Body.String(), "alice@example.com")

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+signup.Token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
