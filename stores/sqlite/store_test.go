package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "github.com/campusconnect/identity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestCreateFindSave(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	user, err := store.Create(ctx, id.UserDraft{
		Username:     "alice",
		Email:        "alice@example.com",
		DisplayName:  "Alice",
		PasswordHash: "h",
		PasswordSalt: "s",
		AuthProvider: id.ProviderLocal,
	})
	require.NoError(t, err)

	got, err := store.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "h", got.PasswordHash)
	assert.Empty(t, got.GoogleID)
	assert.Equal(t, user.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	got.GoogleID = "g1"
	got.AuthProvider = id.ProviderGoogle
	got.UpdatedAt = time.Now()
	require.NoError(t, store.Save(ctx, got))

	byGoogle, err := store.FindByField(ctx, id.FieldGoogleID, "g1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byGoogle.ID)
	assert.Equal(t, id.ProviderGoogle, byGoogle.AuthProvider)

	_, err = store.FindByField(ctx, id.FieldEmail, "missing@example.com")
	assert.ErrorIs(t, err, id.ErrNotFound)
}

func TestUniqueFields(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	draft := func(username, email, githubID string) id.UserDraft {
		d := id.UserDraft{Username: username, Email: email, AuthProvider: id.ProviderLocal}
		if githubID != "" {
			d.GitHubID = githubID
			d.AuthProvider = id.ProviderGitHub
		}
		return d
	}

	_, err := store.Create(ctx, draft("a", "a@example.com", ""))
	require.NoError(t, err)
	// NULL provider ids never collide
	_, err = store.Create(ctx, draft("b", "b@example.com", ""))
	require.NoError(t, err)
	_, err = store.Create(ctx, draft("c", "c@example.com", "7"))
	require.NoError(t, err)

	cases := map[id.Field]id.UserDraft{
		id.FieldUsername: draft("a", "new@example.com", ""),
		id.FieldEmail:    draft("new", "a@example.com", ""),
		id.FieldGitHubID: draft("new2", "new2@example.com", "7"),
	}
	for field, d := range cases {
		_, err := store.Create(ctx, d)
		var e *id.Error
		require.True(t, errors.As(err, &e), "%s: %v", field, err)
		assert.Equal(t, id.KindConflict, e.Kind)
		assert.Equal(t, string(field), e.Field)
	}
}

func TestSaveConflictAndMissing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Create(ctx, id.UserDraft{Username: "a", Email: "a@example.com", AuthProvider: id.ProviderLocal})
	require.NoError(t, err)
	b, err := store.Create(ctx, id.UserDraft{Username: "b", Email: "b@example.com", AuthProvider: id.ProviderLocal})
	require.NoError(t, err)

	b.Username = "a"
	assert.ErrorIs(t, store.Save(ctx, b), id.ErrConflict)
	stored, err := store.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", stored.Username)

	ghost, err := id.NewUser(id.UserDraft{Username: "g", Email: "g@example.com", AuthProvider: id.ProviderLocal}, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, store.Save(ctx, ghost), id.ErrNotFound)
}

func TestConcurrentCreateSameProviderID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, id.UserDraft{
				Username:     "racer",
				Email:        "racer@google.local",
				GoogleID:     "g-race",
				AuthProvider: id.ProviderGoogle,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if id.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func TestListUsers(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, name := range []string{"z", "y"} {
		_, err := store.Create(ctx, id.UserDraft{Username: name, Email: name + "@example.com", AuthProvider: id.ProviderLocal})
		require.NoError(t, err)
	}
	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "z", users[0].Username)
	assert.Equal(t, "y", users[1].Username)
}

func TestViolatedField(t *testing.T) {
	assert.Equal(t, id.FieldGitHubID, violatedField(errors.New("constraint failed: UNIQUE constraint failed: users.github_id (2067)")))
	assert.Equal(t, id.FieldEmail, violatedField(errors.New("UNIQUE constraint failed: users.email")))
	assert.Equal(t, id.Field(""), violatedField(errors.New("disk I/O error")))
}
