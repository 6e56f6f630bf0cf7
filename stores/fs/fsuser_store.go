package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	id "github.com/campusconnect/identity"
)

// DefaultStaleIndexAfter is how old an index entry must be before a
// claimant may treat it as abandoned.
const DefaultStaleIndexAfter = time.Minute

// UserStore implements identity.UserStore on the filesystem.
//
// # File Structure
//
//	{StoragePath}/
//	├── users/
//	│   └── {id}.json                # the full user record
//	└── index/
//	    ├── username/{value}         # contains the owning user id
//	    ├── email/{value}
//	    ├── google_id/{value}
//	    └── github_id/{value}
//
// Index file names are the base64url encoding of the field value.
//
// # Concurrency Model
//
// Uniqueness is enforced by creating index files with O_EXCL, so two
// processes racing for the same value cannot both succeed. Records are
// written with a temp file and rename. An index entry left behind by a
// crashed write (its owner is missing or no longer holds the value) is
// reclaimed once it is older than StaleIndexAfter.
type UserStore struct {
	StoragePath     string
	StaleIndexAfter time.Duration
	Now             func() time.Time
}

// NewUserStore creates a new filesystem-backed UserStore
func NewUserStore(storagePath string) *UserStore {
	return &UserStore{StoragePath: storagePath, StaleIndexAfter: DefaultStaleIndexAfter}
}

func (s *UserStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *UserStore) userPath(userID string) string {
	return filepath.Join(s.StoragePath, "users", userID+".json")
}

func (s *UserStore) indexPath(field id.Field, value string) string {
	return filepath.Join(s.StoragePath, "index", string(field), safeName(value))
}

func (s *UserStore) FindByID(ctx context.Context, userID string) (*id.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.IsValidID(userID) {
		return nil, id.ErrUserNotFound
	}
	return s.readUser(userID)
}

func (s *UserStore) FindByField(ctx context.Context, field id.Field, value string) (*id.User, error) {
	if field == id.FieldID {
		return s.FindByID(ctx, value)
	}
	if !slices.Contains(id.UniqueFields, field) {
		return nil, id.NewValidationError(id.ErrCodeInvalidUser, fmt.Sprintf("cannot look up users by %q", field), string(field))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if value == "" {
		return nil, id.ErrUserNotFound
	}
	owner, err := os.ReadFile(s.indexPath(field, value))
	if os.IsNotExist(err) {
		return nil, id.ErrUserNotFound
	}
	if err != nil {
		return nil, id.NewPersistenceError("read index", err)
	}
	user, err := s.readUser(strings.TrimSpace(string(owner)))
	if err != nil {
		return nil, err
	}
	if user.FieldValue(field) != value {
		return nil, id.ErrUserNotFound
	}
	return user, nil
}

func (s *UserStore) Create(ctx context.Context, draft id.UserDraft) (*id.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user, err := id.NewUser(draft, s.now())
	if err != nil {
		return nil, err
	}
	var claimed []id.Field
	for _, field := range id.UniqueFields {
		value := user.FieldValue(field)
		if value == "" {
			continue
		}
		if err := s.claim(field, value, user.ID); err != nil {
			s.releaseAll(user, claimed)
			return nil, err
		}
		claimed = append(claimed, field)
	}
	if err := s.writeUser(user); err != nil {
		s.releaseAll(user, claimed)
		return nil, err
	}
	return user, nil
}

func (s *UserStore) Save(ctx context.Context, user *id.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := user.Validate(); err != nil {
		return err
	}
	old, err := s.FindByID(ctx, user.ID)
	if err != nil {
		return err
	}

	var claimed []id.Field
	for _, field := range id.UniqueFields {
		value := user.FieldValue(field)
		if value == "" || value == old.FieldValue(field) {
			continue
		}
		if err := s.claim(field, value, user.ID); err != nil {
			s.releaseAll(user, claimed)
			return err
		}
		claimed = append(claimed, field)
	}

	record := user.Clone()
	record.CreatedAt = old.CreatedAt
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now().UTC()
	}
	if err := s.writeUser(record); err != nil {
		s.releaseAll(user, claimed)
		return err
	}

	for _, field := range id.UniqueFields {
		value := old.FieldValue(field)
		if value != "" && value != user.FieldValue(field) {
			s.release(field, value, user.ID)
		}
	}
	return nil
}

// ListUsers returns every user ordered by creation time.
func (s *UserStore) ListUsers(ctx context.Context) ([]*id.User, error) {
	entries, err := os.ReadDir(filepath.Join(s.StoragePath, "users"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, id.NewPersistenceError("list users", err)
	}
	var users []*id.User
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		user, err := s.readUser(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b *id.User) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return users, nil
}

func (s *UserStore) readUser(userID string) (*id.User, error) {
	data, err := os.ReadFile(s.userPath(userID))
	if os.IsNotExist(err) {
		return nil, id.ErrUserNotFound
	}
	if err != nil {
		return nil, id.NewPersistenceError("read user", err)
	}
	var user id.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, id.NewPersistenceError("decode user", err)
	}
	return &user, nil
}

func (s *UserStore) writeUser(user *id.User) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return id.NewPersistenceError("encode user", err)
	}
	if err := writeAtomicFile(s.userPath(user.ID), data); err != nil {
		return id.NewPersistenceError("write user", err)
	}
	return nil
}

// claim creates the index entry for value, owned by userID.
func (s *UserStore) claim(field id.Field, value, userID string) error {
	path := s.indexPath(field, value)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return id.NewPersistenceError("create index directory", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.WriteString(userID)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return id.NewPersistenceError("write index", fmt.Errorf("%v %v", werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return id.NewPersistenceError("create index", err)
		}
		owner, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return id.NewPersistenceError("read index", err)
		}
		if strings.TrimSpace(string(owner)) == userID {
			return nil
		}
		seen, stale := s.staleEntry(path, field, value, strings.TrimSpace(string(owner)))
		if !stale || !evict(path, seen) {
			return id.NewConflictError(field, nil)
		}
	}
	return id.NewConflictError(field, nil)
}

// staleEntry reports whether an existing index entry no longer describes a
// live record, along with the file it judged. Young entries are never stale
// because their owner may still be mid-write.
func (s *UserStore) staleEntry(path string, field id.Field, value, owner string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, os.IsNotExist(err)
	}
	after := s.StaleIndexAfter
	if after <= 0 {
		after = DefaultStaleIndexAfter
	}
	if s.now().Sub(info.ModTime()) < after {
		return info, false
	}
	user, err := s.readUser(owner)
	if err != nil {
		return info, id.IsNotFound(err)
	}
	return info, user.FieldValue(field) != value
}

// evict moves the judged index entry aside. If another claimant replaced it
// in the meantime, the fresh entry is put back and evict reports false.
func evict(path string, judged os.FileInfo) bool {
	tomb := path + ".evicted-" + uuid.NewString()
	if err := os.Rename(path, tomb); err != nil {
		return os.IsNotExist(err)
	}
	defer os.Remove(tomb)
	moved, err := os.Stat(tomb)
	if err == nil && judged != nil && os.SameFile(judged, moved) {
		return true
	}
	// Link fails if yet another entry was created; that one keeps the value.
	os.Link(tomb, path)
	return false
}

func (s *UserStore) release(field id.Field, value, userID string) {
	path := s.indexPath(field, value)
	owner, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(owner)) != userID {
		return
	}
	os.Remove(path)
}

func (s *UserStore) releaseAll(user *id.User, fields []id.Field) {
	for _, field := range fields {
		s.release(field, user.FieldValue(field), user.ID)
	}
}
