// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist (or is soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLocked indicates the entity is held by another user's active lock.
	ErrLocked = errors.New("entity locked")

	// ErrValidation indicates rejected input (unknown property, wrong value type, bad position).
	ErrValidation = errors.New("validation")

	// ErrStaleReorder indicates a reorder batch did not apply as a whole.
	ErrStaleReorder = errors.New("stale reorder")

	// ErrDesync indicates the realtime subscription lost events and a refetch is required.
	ErrDesync = errors.New("realtime desync")

	// ErrInert indicates an operation on a collaboration session without a document.
	ErrInert = errors.New("no document")
)

// LockConflictError reports who currently holds the lock on an entity.
type LockConflictError struct {
	EntityID   string
	HolderID   string
	HolderName string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("entity %s is locked by %s", e.EntityID, e.HolderName)
}

// Is makes errors.Is(err, ErrLocked) hold for lock conflicts.
func (e *LockConflictError) Is(target error) bool { return target == ErrLocked }

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
