package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MaxProfilePictureSize is the largest accepted profile picture upload.
const MaxProfilePictureSize = 5 << 20

var pictureTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// Mutator changes credentials and profile data of an existing user. Every
// credential change is gated on the current password.
type Mutator struct {
	Resolver *Resolver
	Store    UserStore
	Blobs    BlobStore
	Logger   *slog.Logger
	Now      func() time.Time

	wg sync.WaitGroup
}

// NewMutator shares the resolver's store and password check.
func NewMutator(resolver *Resolver, blobs BlobStore) *Mutator {
	return &Mutator{
		Resolver: resolver,
		Store:    resolver.Store,
		Blobs:    blobs,
		Logger:   resolver.Logger,
		Now:      resolver.Now,
	}
}

// ChangeUsername renames user after reauthenticating with currentPassword.
// On success the caller's user is updated in place.
func (m *Mutator) ChangeUsername(ctx context.Context, user *User, currentPassword, newUsername string) error {
	if currentPassword == "" || strings.TrimSpace(newUsername) == "" {
		return NewValidationError(ErrCodeMissingField, "All fields are required", "")
	}
	if err := ValidateUsername(newUsername); err != nil {
		return err
	}
	newUsername = strings.TrimSpace(newUsername)

	current, err := m.reauthenticate(ctx, user, currentPassword)
	if err != nil {
		return err
	}
	if current.Username == newUsername {
		return nil
	}

	taken, err := findOptional(m.Store.FindByField(ctx, FieldUsername, newUsername))
	if err != nil {
		return err
	}
	if taken != nil && taken.ID != current.ID {
		return usernameTaken(nil)
	}

	current.Username = newUsername
	current.UpdatedAt = nowOr(m.Now)
	err = m.Store.Save(context.WithoutCancel(ctx), current)
	if IsConflict(err) {
		return usernameTaken(err)
	}
	if err != nil {
		return asPersistence("save user", err)
	}
	*user = *current
	loggerOr(m.Logger).Info("username changed", "user_id", current.ID)
	return nil
}

func usernameTaken(cause error) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    ErrCodeUsernameTaken,
		Message: "Username already taken",
		Field:   string(FieldUsername),
		Err:     cause,
	}
}

// ChangePassword replaces the password after reauthenticating with
// currentPassword. The confirmation is checked before anything else.
func (m *Mutator) ChangePassword(ctx context.Context, user *User, currentPassword, newPassword, confirmPassword string) error {
	if currentPassword == "" || newPassword == "" || confirmPassword == "" {
		return NewValidationError(ErrCodeMissingField, "All fields are required", "")
	}
	if newPassword != confirmPassword {
		return NewValidationError(ErrCodePasswordMismatch, "New passwords do not match", "confirm_password")
	}
	if err := m.Resolver.Policy.Check(newPassword); err != nil {
		return err
	}

	current, err := m.reauthenticate(ctx, user, currentPassword)
	if err != nil {
		return err
	}
	cred, err := m.Resolver.Hasher.Hash(ctx, newPassword)
	if err != nil {
		return asPersistence("hash password", err)
	}
	current.PasswordHash = cred.Hash
	current.PasswordSalt = cred.Salt
	current.UpdatedAt = nowOr(m.Now)
	if err := m.Store.Save(context.WithoutCancel(ctx), current); err != nil {
		return asPersistence("save user", err)
	}
	*user = *current
	loggerOr(m.Logger).Info("password changed", "user_id", current.ID)
	return nil
}

// reauthenticate reloads user and checks password against the stored record.
func (m *Mutator) reauthenticate(ctx context.Context, user *User, password string) (*User, error) {
	if user == nil || user.ID == "" {
		return nil, ErrUserNotFound
	}
	current, err := m.Store.FindByID(ctx, user.ID)
	if err != nil {
		return nil, asPersistence("find user", err)
	}
	if err := m.Resolver.checkPassword(ctx, current, password); err != nil {
		if errors.Is(err, ErrPasswordMismatch) {
			return nil, ErrReauthFailed
		}
		return nil, err
	}
	return current, nil
}

// PictureUpload is one profile picture as received from a client.
type PictureUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadProfilePicture stores a new picture and points the user at it.
func (m *Mutator) UploadProfilePicture(ctx context.Context, user *User, upload PictureUpload) error {
	if m.Blobs == nil {
		return NewPersistenceError("upload profile picture", fmt.Errorf("no blob store configured"))
	}
	if user == nil || user.ID == "" {
		return ErrUserNotFound
	}
	ext := strings.ToLower(filepath.Ext(upload.Filename))
	contentType, ok := pictureTypes[ext]
	if !ok || upload.Body == nil {
		return NewValidationError(ErrCodeUnsupportedFile, "Only image files (jpeg, jpg, png, gif) are allowed", "profile_picture")
	}
	if upload.ContentType != "" && upload.ContentType != contentType &&
		!(contentType == "image/jpeg" && upload.ContentType == "image/jpg") {
		return NewValidationError(ErrCodeUnsupportedFile, "Only image files (jpeg, jpg, png, gif) are allowed", "profile_picture")
	}
	if upload.Size <= 0 || upload.Size > MaxProfilePictureSize {
		return NewValidationError(ErrCodeUnsupportedFile, "Profile picture must be at most 5MB", "profile_picture")
	}

	key := fmt.Sprintf("profiles/profile_%s_%d%s", user.ID, nowOr(m.Now).UnixMilli(), ext)
	body := io.LimitReader(upload.Body, MaxProfilePictureSize+1)
	ref, err := m.Blobs.Upload(ctx, key, body, upload.Size, contentType)
	if err != nil {
		return NewPersistenceError("upload profile picture", err)
	}
	if err := m.SetProfilePicture(ctx, user, ref); err != nil {
		m.deleteBlobLater(ref)
		return err
	}
	return nil
}

// SetProfilePicture records ref on the user and schedules deletion of the
// previous picture.
func (m *Mutator) SetProfilePicture(ctx context.Context, user *User, ref string) error {
	if user == nil || user.ID == "" {
		return ErrUserNotFound
	}
	current, err := m.Store.FindByID(ctx, user.ID)
	if err != nil {
		return asPersistence("find user", err)
	}
	old := current.ProfilePictureRef
	if old == ref {
		return nil
	}
	current.ProfilePictureRef = ref
	current.UpdatedAt = nowOr(m.Now)
	if err := m.Store.Save(context.WithoutCancel(ctx), current); err != nil {
		return asPersistence("save user", err)
	}
	*user = *current
	if old != "" {
		m.deleteBlobLater(old)
	}
	return nil
}

// deleteBlobLater removes a blob without holding up the caller.
func (m *Mutator) deleteBlobLater(ref string) {
	if m.Blobs == nil || ref == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Blobs.Delete(ctx, ref); err != nil {
			loggerOr(m.Logger).Warn("failed to delete profile picture", "ref", ref, "error", err)
		}
	}()
}

// Wait blocks until background blob deletions have finished.
func (m *Mutator) Wait() {
	m.wg.Wait()
}
