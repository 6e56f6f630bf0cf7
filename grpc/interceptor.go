package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	id "github.com/campusconnect/identity"
)

// PrincipalDecoder resolves an encoded principal. *identity.Codec satisfies it.
type PrincipalDecoder interface {
	Decode(ctx context.Context, opaque string) (*id.User, error)
}

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	Decoder PrincipalDecoder
	Logger  *slog.Logger

	// RequireAuth when true rejects requests without a resolvable principal.
	RequireAuth bool

	// PublicMethods are full method names like "/package.Service/Method"
	// exempt from RequireAuth.
	PublicMethods map[string]bool
}

// DefaultInterceptorConfig returns a config that requires auth for all methods.
func DefaultInterceptorConfig(decoder PrincipalDecoder) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Decoder:       decoder,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig requires auth except for the named methods.
func NewPublicMethodsConfig(decoder PrincipalDecoder, publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig(decoder)
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig(decoder PrincipalDecoder) *InterceptorConfig {
	config := DefaultInterceptorConfig(decoder)
	config.RequireAuth = false
	return config
}

func (c *InterceptorConfig) ensureDefaults() *InterceptorConfig {
	if c == nil {
		c = DefaultInterceptorConfig(nil)
	}
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// UnaryAuthInterceptor decodes the principal from metadata and attaches it
// with identity.WithPrincipal.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config = config.ensureDefaults()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, config, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config = config.ensureDefaults()
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), config, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &principalStream{ServerStream: ss, ctx: ctx})
	}
}

type principalStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *principalStream) Context() context.Context { return s.ctx }

func authenticate(ctx context.Context, config *InterceptorConfig, method string) (context.Context, error) {
	var user *id.User
	if value := UserIDFromContextWithConfig(ctx, config.Config); value != "" && config.Decoder != nil {
		var err error
		user, err = config.Decoder.Decode(ctx, value)
		if err != nil {
			config.Logger.Error("decoding grpc principal", "method", method, "err", err)
			return ctx, status.Error(codes.Unavailable, "identity lookup failed")
		}
	}
	if user == nil {
		if config.RequireAuth && !config.PublicMethods[method] {
			return ctx, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}
	return id.WithPrincipal(ctx, user), nil
}
