// Package dedup suppresses duplicate deliveries of external file identifiers.
// The transport may deliver the same event twice, out of order, or nearly
// simultaneously; the check-and-mark is atomic per id so concurrent duplicates
// collapse to exactly one pass.
package dedup

import (
	"time"

	"github.com/quailyquaily/voicerelay/internal/expiry"
)

// Window is the fixed retention for seen identifiers. A repeat of the same id
// inside the window is discarded rather than reprocessed; after the window a
// redelivery is processed again (acceptable: at most one extra processing per
// window per id).
const Window = 5 * time.Minute

// Suppressor answers "has this external id been seen recently", marking the id
// as seen when it has not been.
type Suppressor struct {
	store *expiry.Store[time.Time]
	clock expiry.Clock
}

// New returns a Suppressor using time.Now.
func New() *Suppressor {
	return NewWithClock(time.Now)
}

// NewWithClock returns a Suppressor with an injected time source.
func NewWithClock(clock expiry.Clock) *Suppressor {
	return &Suppressor{
		store: expiry.New(expiry.WithClock[time.Time](clock)),
		clock: clock,
	}
}

// Seen reports whether externalID was already marked inside the window. When
// it was not, Seen marks it in the same atomic step, so a racing concurrent
// call for the same id observes the mark and reports true.
func (s *Suppressor) Seen(externalID string) bool {
	return !s.store.PutIfAbsent(externalID, s.clock(), Window)
}

// Len counts live marks, for observability.
func (s *Suppressor) Len() int {
	return s.store.Len()
}
