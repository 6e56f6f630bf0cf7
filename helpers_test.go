package identity_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	id "github.com/campusconnect/identity"
	"github.com/campusconnect/identity/stores/fs"
)

// countingStore records writes so tests can assert zero-mutation paths.
type countingStore struct {
	id.UserStore

	mu      sync.Mutex
	creates int
	saves   int
}

func (s *countingStore) Create(ctx context.Context, d id.UserDraft) (*id.User, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return s.UserStore.Create(ctx, d)
}

func (s *countingStore) Save(ctx context.Context, u *id.User) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.UserStore.Save(ctx, u)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates + s.saves
}

type fixture struct {
	store    *countingStore
	resolver *id.Resolver
	mutator  *id.Mutator
	codec    *id.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &countingStore{UserStore: fs.NewUserStore(t.TempDir())}
	resolver := id.NewResolver(store, id.NewBcryptHasher(bcrypt.MinCost))
	return &fixture{
		store:    store,
		resolver: resolver,
		mutator:  id.NewMutator(resolver, nil),
		codec:    &id.Codec{Store: store},
	}
}

func (f *fixture) register(t *testing.T, username, email, password string) *id.User {
	t.Helper()
	user, err := f.resolver.Register(context.Background(), id.Registration{
		Username:        username,
		Email:           email,
		DisplayName:     username,
		Password:        password,
		PasswordConfirm: password,
	})
	require.NoError(t, err)
	return user
}

func googleAssertion(providerID, email string) *id.Assertion {
	a := &id.Assertion{ProviderID: providerID}
	if email != "" {
		a.Emails = []id.EmailValue{{Value: email}}
	}
	return a
}
