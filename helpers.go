package identity

import (
	"errors"
	"log/slog"
	"time"
)

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func nowOr(now func() time.Time) time.Time {
	if now != nil {
		return now().UTC()
	}
	return time.Now().UTC()
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a uniqueness violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// conflictField returns the field named by a ConflictError, or "".
func conflictField(err error) Field {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConflict {
		return Field(e.Field)
	}
	return ""
}

// findOptional turns a lookup miss into (nil, nil).
func findOptional(u *User, err error) (*User, error) {
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, asPersistence("find user", err)
	}
	return u, nil
}
