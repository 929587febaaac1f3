package crawler

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld indicates a lock refresh or release was attempted without
// holding the lock.
var ErrLockHeld = errors.New("lock not held")

// KnownSet answers whether an artifact was persisted by an earlier session.
type KnownSet interface {
	Has(ctx context.Context, category, key string) (bool, error)
}

// Catalog persists artifacts and their provenance. Implementations are
// interchangeable; callers never branch on the backend.
type Catalog interface {
	KnownSet
	Count(ctx context.Context, category string) (int, error)
	// Save writes the artifact body so that readers never observe a partial
	// file. A later write for the same key replaces the earlier one.
	Save(ctx context.Context, category, key string, body []byte) error
	// SaveMeta records the key to URL association. It returns false when the
	// record was already present.
	SaveMeta(ctx context.Context, category, key, url string) (bool, error)
	Close() error
}

// Lock is an advisory, TTL-bound mutual exclusion lock over one category.
type Lock interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
	// Refresh extends the lock lifetime while it is held.
	Refresh(ctx context.Context) error
	// Release drops the lock if held. It is idempotent.
	Release(ctx context.Context) error
}

// LockFactory yields the lock guarding a category.
type LockFactory interface {
	ForCategory(category string) (Lock, error)
}

// BrowserSession is one live browser tab that records the network exchanges
// its page generates.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs js in the page. When out is non-nil the result is decoded
	// into it.
	Evaluate(ctx context.Context, js string, out any) error
	// Drain returns the completed exchanges observed since the last call, in
	// observation order, and clears the buffer.
	Drain() []Exchange
	Close() error
}

// BrowserLauncher starts fresh browser sessions.
type BrowserLauncher interface {
	Launch(ctx context.Context) (BrowserSession, error)
}

// RetryPolicy decides whether and when to retry a failed browser attempt.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
