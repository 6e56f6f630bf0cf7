package identity

import (
	"context"
	"io"
)

// UserStore is the identity repository.
//
// Implementations enforce uniqueness of username, email, google_id and
// github_id across users (empty values are not compared) and report a
// violation as a ConflictError naming the field. A lookup miss is reported
// as ErrUserNotFound. Create and Save are each atomic: either every field
// change is committed or none is.
type UserStore interface {
	// FindByField returns the user whose field equals value.
	FindByField(ctx context.Context, field Field, value string) (*User, error)

	// FindByID returns the user with the given primary key.
	FindByID(ctx context.Context, id string) (*User, error)

	// Create validates the draft, assigns an id and persists a new user.
	Create(ctx context.Context, draft UserDraft) (*User, error)

	// Save replaces the stored record with user. The user must exist.
	Save(ctx context.Context, user *User) error
}

// UserLister is implemented by stores that can enumerate users.
type UserLister interface {
	ListUsers(ctx context.Context) ([]*User, error)
}

// BlobStore keeps profile pictures outside the user record.
// The returned ref is what gets stored on User.ProfilePictureRef.
type BlobStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ref string, err error)
	Delete(ctx context.Context, ref string) error
}
