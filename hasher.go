package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// ErrPasswordMismatch is returned by Hasher.Verify when the password is wrong.
var ErrPasswordMismatch = errors.New("password does not match")

// Credential is a stored password hash and its salt.
type Credential struct {
	Hash string
	Salt string
}

// IsZero reports whether no credential is stored.
func (c Credential) IsZero() bool {
	return c.Hash == ""
}

// Hasher hashes and verifies passwords. Implementations must be safe for
// concurrent use.
type Hasher interface {
	Hash(ctx context.Context, password string) (Credential, error)

	// Verify returns nil on match and ErrPasswordMismatch on mismatch.
	Verify(ctx context.Context, password string, cred Credential) error
}

// BcryptHasher hashes with bcrypt. The salt is embedded in the hash; it is
// also split out into Credential.Salt so records carry both fields.
type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(ctx context.Context, password string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, NewCanceledError(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return Credential{}, NewValidationError(ErrCodeWeakPassword, "Password must be at most 72 bytes", "password")
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to hash password: %w", err)
	}
	// $2a$10$ + 22 chars of salt
	return Credential{Hash: string(hash), Salt: string(hash[7:29])}, nil
}

func (h *BcryptHasher) Verify(ctx context.Context, password string, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return NewCanceledError(err)
	}
	err := bcrypt.CompareHashAndPassword([]byte(cred.Hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}

// Argon2idHasher hashes with argon2id and a random per-password salt.
type Argon2idHasher struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
	SaltLen   int
}

// NewArgon2idHasher returns a hasher with the given cost, filling zero
// values with m=64MiB, t=3, p=2.
func NewArgon2idHasher(time, memoryKiB uint32, threads uint8) *Argon2idHasher {
	h := &Argon2idHasher{Time: time, MemoryKiB: memoryKiB, Threads: threads, KeyLen: 32, SaltLen: 16}
	if h.Time == 0 {
		h.Time = 3
	}
	if h.MemoryKiB == 0 {
		h.MemoryKiB = 64 * 1024
	}
	if h.Threads == 0 {
		h.Threads = 2
	}
	return h
}

func (h *Argon2idHasher) Hash(ctx context.Context, password string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, NewCanceledError(err)
	}
	salt := make([]byte, h.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.Time, h.MemoryKiB, h.Threads, h.KeyLen)
	return Credential{
		Hash: fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
			argon2.Version, h.MemoryKiB, h.Time, h.Threads, base64.RawStdEncoding.EncodeToString(key)),
		Salt: base64.RawStdEncoding.EncodeToString(salt),
	}, nil
}

func (h *Argon2idHasher) Verify(ctx context.Context, password string, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return NewCanceledError(err)
	}
	parts := strings.Split(cred.Hash, "$")
	if len(parts) != 5 || parts[1] != "argon2id" {
		return fmt.Errorf("malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return fmt.Errorf("unsupported argon2id version")
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return fmt.Errorf("malformed argon2id parameters: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("malformed argon2id key: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(cred.Salt)
	if err != nil {
		return fmt.Errorf("malformed argon2id salt: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}

// LimitedHasher bounds how many hash computations run at once so a burst of
// logins cannot starve unrelated requests of CPU.
type LimitedHasher struct {
	next Hasher
	sem  *semaphore.Weighted
}

func NewLimitedHasher(next Hasher, maxConcurrent int) *LimitedHasher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &LimitedHasher{next: next, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

func (h *LimitedHasher) Hash(ctx context.Context, password string) (Credential, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return Credential{}, NewCanceledError(err)
	}
	defer h.sem.Release(1)
	return h.next.Hash(ctx, password)
}

func (h *LimitedHasher) Verify(ctx context.Context, password string, cred Credential) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return NewCanceledError(err)
	}
	defer h.sem.Release(1)
	return h.next.Verify(ctx, password, cred)
}
