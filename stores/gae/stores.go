//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	id "github.com/campusconnect/identity"
)

// Kind constants for Datastore entities
const (
	KindUser      = "User"
	KindUserIndex = "UserIndex"
)

// UserStore implements identity.UserStore using Google Cloud Datastore
type UserStore struct {
	client    *datastore.Client
	namespace string
	Now       func() time.Time
}

// NewUserStore creates a new Datastore-backed UserStore
func NewUserStore(client *datastore.Client, namespace string) *UserStore {
	return &UserStore{
		client:    client,
		namespace: namespace,
	}
}

func (s *UserStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *UserStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *UserStore) indexKey(field id.Field, value string) *datastore.Key {
	return s.namespacedKey(KindUserIndex, IndexName(field, value))
}

func (s *UserStore) FindByID(ctx context.Context, userID string) (*id.User, error) {
	if userID == "" {
		return nil, id.ErrUserNotFound
	}
	var entity UserEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindUser, userID), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, id.ErrUserNotFound
		}
		return nil, id.NewPersistenceError("get user", err)
	}
	return entity.ToUser(), nil
}

func (s *UserStore) FindByField(ctx context.Context, field id.Field, value string) (*id.User, error) {
	if field == id.FieldID {
		return s.FindByID(ctx, value)
	}
	if !slices.Contains(id.UniqueFields, field) {
		return nil, id.NewValidationError(id.ErrCodeInvalidUser, fmt.Sprintf("cannot look up users by %q", field), string(field))
	}
	if value == "" {
		return nil, id.ErrUserNotFound
	}
	var index IndexEntity
	if err := s.client.Get(ctx, s.indexKey(field, value), &index); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, id.ErrUserNotFound
		}
		return nil, id.NewPersistenceError("get index", err)
	}
	user, err := s.FindByID(ctx, index.UserID)
	if err != nil {
		return nil, err
	}
	if user.FieldValue(field) != value {
		return nil, id.ErrUserNotFound
	}
	return user, nil
}

func (s *UserStore) Create(ctx context.Context, draft id.UserDraft) (*id.User, error) {
	user, err := id.NewUser(draft, s.now())
	if err != nil {
		return nil, err
	}
	userKey := s.namespacedKey(KindUser, user.ID)
	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		keys := []*datastore.Key{userKey}
		entities := []any{UserToEntity(user, userKey)}
		for _, field := range id.UniqueFields {
			value := user.FieldValue(field)
			if value == "" {
				continue
			}
			key, entity, err := s.reserve(tx, field, value, user.ID)
			if err != nil {
				return err
			}
			keys = append(keys, key)
			entities = append(entities, entity)
		}
		_, err := tx.PutMulti(keys, entities)
		return err
	})
	if err != nil {
		return nil, translateError("create user", err)
	}
	return user, nil
}

func (s *UserStore) Save(ctx context.Context, user *id.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	userKey := s.namespacedKey(KindUser, user.ID)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var current UserEntity
		if err := tx.Get(userKey, &current); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return id.ErrUserNotFound
			}
			return err
		}
		old := current.ToUser()

		record := user.Clone()
		record.CreatedAt = old.CreatedAt
		if record.UpdatedAt.IsZero() {
			record.UpdatedAt = s.now().UTC()
		}
		keys := []*datastore.Key{userKey}
		entities := []any{UserToEntity(record, userKey)}
		var stale []*datastore.Key
		for _, field := range id.UniqueFields {
			value, previous := user.FieldValue(field), old.FieldValue(field)
			if value == previous {
				continue
			}
			if value != "" {
				key, entity, err := s.reserve(tx, field, value, user.ID)
				if err != nil {
					return err
				}
				keys = append(keys, key)
				entities = append(entities, entity)
			}
			if previous != "" {
				stale = append(stale, s.indexKey(field, previous))
			}
		}
		if _, err := tx.PutMulti(keys, entities); err != nil {
			return err
		}
		if len(stale) > 0 {
			return tx.DeleteMulti(stale)
		}
		return nil
	})
	return translateError("save user", err)
}

// reserve reads the index entity for value inside tx and returns the entity
// to write, or a ConflictError if another user owns it.
func (s *UserStore) reserve(tx *datastore.Transaction, field id.Field, value, userID string) (*datastore.Key, *IndexEntity, error) {
	key := s.indexKey(field, value)
	var existing IndexEntity
	err := tx.Get(key, &existing)
	switch {
	case err == nil && existing.UserID != userID:
		return nil, nil, id.NewConflictError(field, nil)
	case err != nil && !errors.Is(err, datastore.ErrNoSuchEntity):
		return nil, nil, err
	}
	return key, &IndexEntity{Key: key, Field: string(field), UserID: userID, CreatedAt: s.now().UTC()}, nil
}

// ListUsers returns every user ordered by creation time.
func (s *UserStore) ListUsers(ctx context.Context) ([]*id.User, error) {
	query := datastore.NewQuery(KindUser).Namespace(s.namespace).Order("created_at")
	it := s.client.Run(ctx, query)
	var users []*id.User
	for {
		var entity UserEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, id.NewPersistenceError("list users", err)
		}
		users = append(users, entity.ToUser())
	}
	return users, nil
}

func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *id.Error
	if errors.As(err, &e) {
		return e
	}
	return id.NewPersistenceError(op, err)
}
