package pending

import (
	"strconv"
	"time"

	"github.com/quailyquaily/voicerelay/internal/expiry"
)

// Store holds at most one live Action per owner. Setting a new action for an
// owner silently discards the previous one (last writer wins, no cancellation
// notice); expiry is lazy, checked on access by the underlying store.
type Store struct {
	inner *expiry.Store[Action]
	clock expiry.Clock
}

// NewStore returns an empty store using time.Now.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock returns a store with an injected time source.
func NewStoreWithClock(clock expiry.Clock) *Store {
	return &Store{
		inner: expiry.New(expiry.WithClock[Action](clock)),
		clock: clock,
	}
}

func ownerKey(ownerID int64) string {
	return strconv.FormatInt(ownerID, 10)
}

// Set installs action as the owner's one live dialog, stamping CreatedAt and
// ExpiresAt when unset.
func (s *Store) Set(action Action) Action {
	now := s.clock()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	if action.ExpiresAt.IsZero() {
		action.ExpiresAt = now.Add(TextDialogTTL)
	}
	ttl := action.ExpiresAt.Sub(now)
	s.inner.Put(ownerKey(action.OwnerID), action, ttl)
	return action
}

// Peek returns the owner's live action without consuming it. An expired entry
// reports absent and is evicted.
func (s *Store) Peek(ownerID int64) (Action, bool) {
	return s.inner.Get(ownerKey(ownerID))
}

// Take returns and removes the owner's live action atomically.
func (s *Store) Take(ownerID int64) (Action, bool) {
	return s.inner.GetAndRemove(ownerKey(ownerID))
}

// Cancel removes the owner's action. It reports whether a live one existed.
func (s *Store) Cancel(ownerID int64) bool {
	return s.inner.Remove(ownerKey(ownerID))
}

// Reap sweeps expired dialogs; used by periodic maintenance.
func (s *Store) Reap(now time.Time) int {
	return s.inner.Reap(now)
}

// Len counts live dialogs.
func (s *Store) Len() int {
	return s.inner.Len()
}
