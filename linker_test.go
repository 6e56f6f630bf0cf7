package identity_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "github.com/campusconnect/identity"
)

func TestLinkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := googleAssertion("p1", "x@example.com")

	first, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, a)
	require.NoError(t, err)
	writes := f.store.writes()

	second, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, a)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, writes, f.store.writes(), "re-login must not write")
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
}

func TestLinkDoesNotClobberOtherProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, googleAssertion("gA", "u@example.com"))
	require.NoError(t, err)
	require.Equal(t, id.ProviderGoogle, u.AuthProvider)

	linked, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGitHub, &id.Assertion{
		ProviderID: "gh1",
		Emails:     []id.EmailValue{{Value: "U@example.com"}},
		Username:   "octo",
	})
	require.NoError(t, err)
	assert.Equal(t, u.ID, linked.ID)
	assert.Equal(t, "gA", linked.GoogleID)
	assert.Equal(t, "gh1", linked.GitHubID)
	assert.Equal(t, id.ProviderGoogle, linked.AuthProvider, "no switch between linked providers")

	stored, err := f.store.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "gA", stored.GoogleID)
	assert.Equal(t, "gh1", stored.GitHubID)
}

func TestLinkNeverReplacesSameProviderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, googleAssertion("g1", "u@example.com"))
	require.NoError(t, err)
	writes := f.store.writes()

	got, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, googleAssertion("g2", "u@example.com"))
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "g1", got.GoogleID)
	assert.Equal(t, writes, f.store.writes())
}

func TestLinkDoesNotSetPassword(t *testing.T) {
	f := newFixture(t)
	u, err := f.resolver.ResolveOrCreateFromProvider(context.Background(), id.ProviderGoogle, googleAssertion("g1", "u@example.com"))
	require.NoError(t, err)
	assert.False(t, u.HasLocalCredentials())
	assert.Empty(t, u.PasswordSalt)
}

func TestLinkCreateFallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gh, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGitHub, &id.Assertion{ProviderID: "99", Username: "octo"})
	require.NoError(t, err)
	assert.Equal(t, "octo", gh.Username)
	assert.Equal(t, "octo", gh.DisplayName)
	assert.Equal(t, "octo@github.local", gh.Email)
	assert.Equal(t, "99", gh.GitHubID)
	assert.Equal(t, id.ProviderGitHub, gh.AuthProvider)

	g, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, &id.Assertion{ProviderID: "123", DisplayName: "Grace"})
	require.NoError(t, err)
	assert.Equal(t, "123", g.Username)
	assert.Equal(t, "Grace", g.DisplayName)
	assert.Equal(t, "123@google.local", g.Email)
}

func TestLinkRejectsMalformedAssertion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, &id.Assertion{})
	assert.ErrorIs(t, err, id.ErrUpstream)
	_, err = f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, nil)
	assert.ErrorIs(t, err, id.ErrUpstream)
	_, err = f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderLocal, googleAssertion("g", ""))
	assert.ErrorIs(t, err, id.ErrValidation)
	assert.Zero(t, f.store.writes())
}

// racingStore lets another writer create the same identity just before each
// Create, the way a concurrent first login would.
type racingStore struct {
	id.UserStore
	once sync.Once
}

func (s *racingStore) Create(ctx context.Context, d id.UserDraft) (*id.User, error) {
	s.once.Do(func() {
		_, _ = s.UserStore.Create(ctx, d)
	})
	return s.UserStore.Create(ctx, d)
}

func TestLinkRetriesLostRaceAsLookup(t *testing.T) {
	f := newFixture(t)
	racing := &racingStore{UserStore: f.store}
	linker := &id.Linker{Store: racing}

	user, err := linker.Link(context.Background(), id.ProviderGoogle, googleAssertion("new", "new@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "new", user.GoogleID)
	assert.Equal(t, 2, f.store.creates)
}

func TestLinkFallsBackWhenUsernameTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.register(t, "octo", "octo@example.com", "pw")

	// same username as a local account, different email and no provider match
	user, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGitHub, &id.Assertion{
		ProviderID: "7",
		Username:   "octo",
		Emails:     []id.EmailValue{{Value: "other@example.com"}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, local.ID, user.ID)
	assert.Equal(t, "octo-7", user.Username)
	assert.Equal(t, "7", user.GitHubID)
	assert.Equal(t, "other@example.com", user.Email)

	again, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGitHub, &id.Assertion{ProviderID: "7", Username: "octo"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)

	unchanged, err := f.store.FindByID(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "octo", unchanged.Username)
	assert.Empty(t, unchanged.GitHubID)
}

func TestLinkUsernameFallbackWithoutProviderUsername(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "99", "ninety@example.com", "pw")

	user, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGoogle, googleAssertion("99", "g99@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "google-99", user.Username)
}

func TestLinkSurfacesConflictWhenFallbackTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "octo", "octo@example.com", "pw")
	f.register(t, "octo-7", "octo7@example.com", "pw")

	_, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGitHub, &id.Assertion{
		ProviderID: "7",
		Username:   "octo",
		Emails:     []id.EmailValue{{Value: "other@example.com"}},
	})
	require.ErrorIs(t, err, id.ErrConflict)
	var e *id.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, string(id.FieldUsername), e.Field)
}

func TestConcurrentFirstLoginsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 6
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := f.resolver.ResolveOrCreateFromProvider(ctx, id.ProviderGitHub, &id.Assertion{ProviderID: "55", Username: "racer"})
			errs[i] = err
			if u != nil {
				ids[i] = u.ID
			}
		}(i)
	}
	wg.Wait()

	// losers either find the winner or surface a conflict; never a second user
	winners := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], id.ErrConflict)
			continue
		}
		winners[ids[i]] = true
	}
	assert.Len(t, winners, 1)

	u, err := f.store.FindByField(ctx, id.FieldGitHubID, "55")
	require.NoError(t, err)
	assert.True(t, winners[u.ID])
}

func TestLinkToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	linker := f.resolver.Linker
	alice := f.register(t, "alice", "alice@example.com", "pw")

	got, err := linker.LinkToUser(ctx, alice, id.ProviderGitHub, &id.Assertion{ProviderID: "gh1", Username: "al"})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, "gh1", got.GitHubID)
	assert.Equal(t, id.ProviderGitHub, got.AuthProvider)

	// same account again is a no-op
	writes := f.store.writes()
	_, err = linker.LinkToUser(ctx, alice, id.ProviderGitHub, &id.Assertion{ProviderID: "gh1"})
	require.NoError(t, err)
	assert.Equal(t, writes, f.store.writes())

	// a different account of the same provider is refused
	_, err = linker.LinkToUser(ctx, alice, id.ProviderGitHub, &id.Assertion{ProviderID: "gh2"})
	assert.ErrorIs(t, err, &id.Error{Kind: id.KindConflict, Code: id.ErrCodeProviderLinked})

	// an account owned by someone else is refused
	bob := f.register(t, "bob", "bob@example.com", "pw")
	_, err = linker.LinkToUser(ctx, bob, id.ProviderGitHub, &id.Assertion{ProviderID: "gh1"})
	assert.ErrorIs(t, err, &id.Error{Kind: id.KindConflict, Code: id.ErrCodeProviderElsewhere})

	_, err = linker.LinkToUser(ctx, nil, id.ProviderGitHub, &id.Assertion{ProviderID: "gh3"})
	assert.ErrorIs(t, err, id.ErrNotFound)
}
