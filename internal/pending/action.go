// Package pending tracks per-user contact-linking dialogs: one open question
// per owner, answered by a single reply, expiring on its own.
package pending

import (
	"time"

	"github.com/quailyquaily/voicerelay/internal/directory"
	"github.com/quailyquaily/voicerelay/internal/pipeline"
)

// Mode governs which replies are legal for an action and how they are worded.
type Mode string

const (
	// ModeLinkOrCreate: the pipeline surfaced an unmatched name with zero or
	// more suggestions; a numeric reply links, free text searches or creates.
	ModeLinkOrCreate Mode = "link_or_create"
	// ModeCorrect: the user is correcting an earlier (wrong) link.
	ModeCorrect Mode = "correct"
	// ModeSelectOrCreate: a free-text search produced candidates; the user
	// picks one, refines the search, or skips.
	ModeSelectOrCreate Mode = "select_or_create"
)

// TextDialogTTL is how long a text-based dialog stays answerable. Button-based
// entries carry their own, shorter TTL (see the callback registry wiring).
const TextDialogTTL = 15 * time.Minute

// Candidate is one selectable directory entry. Slice order defines the
// 1-based numeric-reply mapping.
type Candidate struct {
	ID           string
	DisplayName  string
	Organization string
}

// Action is one outstanding disambiguation dialog for an owner.
type Action struct {
	OwnerID    int64
	SubjectID  string // the meeting/record the dialog concerns
	QueryText  string // the originally unmatched name
	Candidates []Candidate
	Mode       Mode
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// CandidatesFromSuggestions converts pipeline suggestions, preserving order.
func CandidatesFromSuggestions(suggestions []pipeline.ContactSuggestion) []Candidate {
	out := make([]Candidate, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, Candidate{ID: s.ID, DisplayName: s.Name, Organization: s.Company})
	}
	return out
}

// CandidatesFromContacts converts directory search results, preserving order.
func CandidatesFromContacts(contacts []directory.Contact) []Candidate {
	out := make([]Candidate, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, Candidate{ID: c.ID, DisplayName: c.Name, Organization: c.Company})
	}
	return out
}
