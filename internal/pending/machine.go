package pending

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/quailyquaily/voicerelay/internal/directory"
)

// Directory is the subset of the directory collaborator the machine drives.
type Directory interface {
	LinkContact(ctx context.Context, meetingID, contactID string) (directory.LinkResult, error)
	SearchContacts(ctx context.Context, query string, limit int) ([]directory.Contact, error)
	CreateContact(ctx context.Context, firstName, lastName, linkToMeetingID string) (directory.Contact, error)
}

// OutcomeKind classifies what a reply did to the owner's dialog.
type OutcomeKind string

const (
	// OutcomeNone: no live dialog; the caller falls through to generic help.
	OutcomeNone OutcomeKind = "none"
	// OutcomeCancelled: reply "0", dialog discarded, no directory call.
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomeLinked: a candidate was linked to the subject.
	OutcomeLinked OutcomeKind = "linked"
	// OutcomeCreated: a new contact was created and linked.
	OutcomeCreated OutcomeKind = "created"
	// OutcomeReprompt: the reply was searched and produced candidates; the
	// dialog was replaced with a select_or_create prompt for them.
	OutcomeReprompt OutcomeKind = "reprompt"
	// OutcomeRetry: a directory call failed transiently; the dialog is kept
	// and the caller re-emits the prompt with an error note.
	OutcomeRetry OutcomeKind = "retry"
)

// Outcome is the machine's answer to one reply.
type Outcome struct {
	Kind    OutcomeKind
	Action  Action            // for Reprompt: the replacement dialog
	Contact directory.Contact // for Linked/Created
	Err     error             // for Retry
}

var numericReply = regexp.MustCompile(`^[1-9][0-9]*$`)

// Machine interprets replies against live pending state and drives directory
// calls. It never touches the transport; callers render outcomes.
type Machine struct {
	store       *Store
	dir         Directory
	searchLimit int
	logger      *slog.Logger
}

// NewMachine wires a machine over store and dir. searchLimit bounds free-text
// directory searches.
func NewMachine(store *Store, dir Directory, searchLimit int, logger *slog.Logger) *Machine {
	if searchLimit <= 0 {
		searchLimit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, dir: dir, searchLimit: searchLimit, logger: logger}
}

// HandleReply interprets text for ownerID. Expiry precedes interpretation: a
// stale dialog behaves exactly like no dialog.
//
// Repeated free-text creates are not deduplicated across dialogs: the dialog
// is consumed before the create call, so a resend within one dialog cannot
// double-create, but a new dialog for the same name can (at-least-once
// collaborator policy, accepted).
func (m *Machine) HandleReply(ctx context.Context, ownerID int64, text string) Outcome {
	action, ok := m.store.Peek(ownerID)
	if !ok {
		return Outcome{Kind: OutcomeNone}
	}

	text = strings.TrimSpace(text)
	if text == "0" {
		m.store.Cancel(ownerID)
		m.logger.Info("pending_cancelled", "owner_id", ownerID, "subject_id", action.SubjectID)
		return Outcome{Kind: OutcomeCancelled, Action: action}
	}

	if numericReply.MatchString(text) {
		if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(action.Candidates) {
			return m.linkCandidate(ctx, ownerID, action, action.Candidates[n-1])
		}
		// Out-of-range numerals fall through: a number may be part of a name.
	}

	return m.searchOrCreate(ctx, ownerID, action, text)
}

func (m *Machine) linkCandidate(ctx context.Context, ownerID int64, action Action, candidate Candidate) Outcome {
	res, err := m.dir.LinkContact(ctx, action.SubjectID, candidate.ID)
	if err != nil {
		// The dialog stays live so a transient failure does not lose it.
		m.logger.Warn("pending_link_error", "owner_id", ownerID, "subject_id", action.SubjectID, "contact_id", candidate.ID, "error", err.Error())
		return Outcome{Kind: OutcomeRetry, Action: action, Err: err}
	}
	m.store.Cancel(ownerID)
	contact := directory.Contact{ID: res.ContactID, Name: res.ContactName, Company: res.Company}
	if contact.ID == "" {
		contact.ID = candidate.ID
	}
	if contact.Name == "" {
		contact.Name = candidate.DisplayName
		contact.Company = candidate.Organization
	}
	m.logger.Info("pending_linked", "owner_id", ownerID, "subject_id", action.SubjectID, "contact_id", contact.ID)
	return Outcome{Kind: OutcomeLinked, Action: action, Contact: contact}
}

func (m *Machine) searchOrCreate(ctx context.Context, ownerID int64, action Action, name string) Outcome {
	results, err := m.dir.SearchContacts(ctx, name, m.searchLimit)
	if err != nil {
		m.logger.Warn("pending_search_error", "owner_id", ownerID, "query", name, "error", err.Error())
		return Outcome{Kind: OutcomeRetry, Action: action, Err: err}
	}

	if len(results) == 0 {
		first, last := SplitName(name)
		contact, err := m.dir.CreateContact(ctx, first, last, action.SubjectID)
		if err != nil {
			m.logger.Warn("pending_create_error", "owner_id", ownerID, "query", name, "error", err.Error())
			return Outcome{Kind: OutcomeRetry, Action: action, Err: err}
		}
		m.store.Cancel(ownerID)
		m.logger.Info("pending_created", "owner_id", ownerID, "subject_id", action.SubjectID, "contact_id", contact.ID)
		return Outcome{Kind: OutcomeCreated, Action: action, Contact: contact}
	}

	replacement := m.store.Set(Action{
		OwnerID:    ownerID,
		SubjectID:  action.SubjectID,
		QueryText:  name,
		Candidates: CandidatesFromContacts(results),
		Mode:       ModeSelectOrCreate,
	})
	m.logger.Info("pending_reprompt", "owner_id", ownerID, "subject_id", action.SubjectID, "candidates", len(results))
	return Outcome{Kind: OutcomeReprompt, Action: replacement}
}

// SplitName splits a free-text name into first and last parts: the first
// token is the first name, the remainder the last name.
func SplitName(name string) (first, last string) {
	fields := strings.Fields(strings.TrimSpace(name))
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
