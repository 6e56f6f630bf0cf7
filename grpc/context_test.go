package grpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/metadata"

	id "github.com/campusconnect/identity"
)

func TestEnsureDefaults(t *testing.T) {
	config := &Config{}
	config.EnsureDefaults()
	assert.Equal(t, DefaultMetadataKeyUserID, config.MetadataKeyUserID)
}

func TestUserIDFromContext(t *testing.T) {
	assert.Empty(t, UserIDFromContext(context.Background()))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(DefaultMetadataKeyUserID, "user123"))
	assert.Equal(t, "user123", UserIDFromContext(ctx))

	custom := &Config{MetadataKeyUserID: "x-principal"}
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-principal", "u9"))
	assert.Equal(t, "u9", UserIDFromContextWithConfig(ctx, custom))
	assert.Empty(t, UserIDFromContext(ctx))
}

func TestPrincipalToOutgoingContext(t *testing.T) {
	codec := &id.Codec{}
	user := &id.User{ID: "3f1c1f8e-8a43-4a57-9b5f-1d2c3b4a5e6f"}

	ctx := PrincipalToOutgoingContext(context.Background(), codec, user)
	md, ok := metadata.FromOutgoingContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, []string{user.ID}, md.Get(DefaultMetadataKeyUserID))

	ctx = PrincipalToOutgoingContext(context.Background(), codec, nil)
	_, ok = metadata.FromOutgoingContext(ctx)
	assert.False(t, ok)
}

func TestIsAuthenticated(t *testing.T) {
	assert.False(t, IsAuthenticated(context.Background()))
	assert.True(t, IsAuthenticated(id.WithPrincipal(context.Background(), &id.User{ID: "u"})))
}
