// Package grpc carries the session principal between HTTP handlers and gRPC
// services via metadata.
package grpc

import (
	"context"

	"google.golang.org/grpc/metadata"

	id "github.com/campusconnect/identity"
)

// DefaultMetadataKeyUserID is the metadata key holding the encoded principal.
const DefaultMetadataKeyUserID = "x-user-id"

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyUserID defaults to "x-user-id".
	MetadataKeyUserID string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MetadataKeyUserID: DefaultMetadataKeyUserID}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
}

// UserIDFromContext returns the encoded principal from incoming metadata,
// or "" when there is none.
func UserIDFromContext(ctx context.Context) string {
	return UserIDFromContextWithConfig(ctx, nil)
}

// UserIDFromContextWithConfig is UserIDFromContext with a custom key.
func UserIDFromContextWithConfig(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(config.MetadataKeyUserID); len(values) > 0 {
		return values[0]
	}
	return ""
}

// UserIDToOutgoingContext adds an encoded principal to outgoing metadata.
func UserIDToOutgoingContext(ctx context.Context, userID string) context.Context {
	return UserIDToOutgoingContextWithKey(ctx, userID, DefaultMetadataKeyUserID)
}

// UserIDToOutgoingContextWithKey adds the value under a custom key.
func UserIDToOutgoingContextWithKey(ctx context.Context, userID string, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, userID)
}

// PrincipalToOutgoingContext forwards the principal resolved for an HTTP
// request to a downstream gRPC call.
func PrincipalToOutgoingContext(ctx context.Context, codec *id.Codec, user *id.User) context.Context {
	if user == nil {
		return ctx
	}
	return UserIDToOutgoingContext(ctx, codec.Encode(user))
}

// IsAuthenticated reports whether the interceptor attached a principal.
func IsAuthenticated(ctx context.Context) bool {
	return id.PrincipalFromContext(ctx) != nil
}
