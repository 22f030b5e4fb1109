package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrStateNotFound   = errors.New("session state not found")
	ErrInvalidSession  = errors.New("session id is empty")
	ErrVersionConflict = errors.New("session version conflict")
)

const (
	defaultStoreKeyPrefix = "voice:session:"
	defaultStoreTTL       = 24 * time.Hour
	maxUpdateAttempts     = 5
)

// Mutator changes a private copy of the session. It may run more than once when a
// write loses a version race, so it must only touch the session it is given.
// Returning an error aborts the write.
type Mutator func(s *Session) error

// Store is the persistence contract used by the orchestrator. Every write is a
// compare-and-update against the version the caller read.
type Store interface {
	GetOrCreate(ctx context.Context, sessionID string, now time.Time) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	CompareAndUpdate(ctx context.Context, sessionID string, expectedVersion int64, mutate Mutator) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]*Session, error)
}

// Update applies mutate against the latest snapshot, re-reading and retrying when
// another writer wins the race.
func Update(ctx context.Context, store Store, sessionID string, mutate Mutator) (*Session, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		next, err := store.CompareAndUpdate(ctx, sessionID, current.Version, mutate)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return next, err
	}
	return nil, fmt.Errorf("%w: session=%s gave up after %d attempts", ErrVersionConflict, sessionID, maxUpdateAttempts)
}

// applyMutation runs mutate on a copy of current and returns the next version to
// persist. The caller has already checked the expected version.
func applyMutation(current *Session, mutate Mutator) (*Session, error) {
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session after mutation: %w", err)
	}
	next.Version = current.Version + 1
	return next, nil
}
