package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	id "github.com/campusconnect/identity"
)

type mapDecoder struct {
	users map[string]*id.User
	err   error
}

func (d *mapDecoder) Decode(_ context.Context, opaque string) (*id.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.users[opaque], nil
}

var alice = &id.User{ID: "u-alice", Username: "alice"}

func newDecoder() *mapDecoder {
	return &mapDecoder{users: map[string]*id.User{"u-alice": alice, "alice": alice}}
}

func incoming(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(DefaultMetadataKeyUserID, value))
}

var unaryInfo = &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

func TestInterceptorConfigs(t *testing.T) {
	config := DefaultInterceptorConfig(nil)
	assert.True(t, config.RequireAuth)
	assert.NotNil(t, config.PublicMethods)

	config = NewPublicMethodsConfig(nil, "/pkg.Svc/Method1")
	assert.True(t, config.PublicMethods["/pkg.Svc/Method1"])
	assert.False(t, config.PublicMethods["/pkg.Svc/Method2"])

	assert.False(t, OptionalAuthConfig(nil).RequireAuth)
}

func TestUnaryAuthInterceptor_RequireAuth_NoUser(t *testing.T) {
	interceptor := UnaryAuthInterceptor(nil)
	_, err := interceptor(context.Background(), nil, unaryInfo, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryAuthInterceptor_AttachesPrincipal(t *testing.T) {
	interceptor := UnaryAuthInterceptor(DefaultInterceptorConfig(newDecoder()))

	// legacy session values decode too
	for _, value := range []string{"u-alice", "alice"} {
		var got *id.User
		_, err := interceptor(incoming(value), nil, unaryInfo, func(ctx context.Context, req any) (any, error) {
			got = id.PrincipalFromContext(ctx)
			return "result", nil
		})
		require.NoError(t, err)
		assert.Same(t, alice, got)
	}
}

func TestUnaryAuthInterceptor_UnknownValue(t *testing.T) {
	interceptor := UnaryAuthInterceptor(DefaultInterceptorConfig(newDecoder()))
	_, err := interceptor(incoming("stale"), nil, unaryInfo, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryAuthInterceptor_DecoderFailure(t *testing.T) {
	decoder := &mapDecoder{err: id.NewPersistenceError("find user", errors.New("db down"))}
	interceptor := UnaryAuthInterceptor(OptionalAuthConfig(decoder))
	_, err := interceptor(incoming("u-alice"), nil, unaryInfo, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.NotContains(t, err.Error(), "db down")
}

func TestUnaryAuthInterceptor_PublicAndOptional(t *testing.T) {
	for name, config := range map[string]*InterceptorConfig{
		"public":   NewPublicMethodsConfig(newDecoder(), "/pkg.Svc/Method"),
		"optional": OptionalAuthConfig(newDecoder()),
	} {
		called := false
		_, err := UnaryAuthInterceptor(config)(context.Background(), nil, unaryInfo, func(ctx context.Context, req any) (any, error) {
			called = true
			assert.Nil(t, id.PrincipalFromContext(ctx))
			return nil, nil
		})
		require.NoError(t, err, name)
		assert.True(t, called, name)
	}
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

func TestStreamAuthInterceptor(t *testing.T) {
	interceptor := StreamAuthInterceptor(DefaultInterceptorConfig(newDecoder()))
	info := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/Stream"}

	err := interceptor(nil, &mockServerStream{ctx: context.Background()}, info, func(srv any, ss grpc.ServerStream) error {
		t.Error("handler should not be called")
		return nil
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	var got *id.User
	err = interceptor(nil, &mockServerStream{ctx: incoming("u-alice")}, info, func(srv any, ss grpc.ServerStream) error {
		got = id.PrincipalFromContext(ss.Context())
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, alice, got)
}
