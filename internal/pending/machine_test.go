package pending

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quailyquaily/voicerelay/internal/directory"
)

type fakeDirectory struct {
	linkCalls   []string // "meetingID/contactID"
	linkErr     error
	searchCalls []string
	searchOut   []directory.Contact
	searchErr   error
	createCalls [][3]string // first, last, meetingID
	createErr   error
}

func (f *fakeDirectory) LinkContact(_ context.Context, meetingID, contactID string) (directory.LinkResult, error) {
	f.linkCalls = append(f.linkCalls, meetingID+"/"+contactID)
	if f.linkErr != nil {
		return directory.LinkResult{}, f.linkErr
	}
	return directory.LinkResult{Status: "linked", ContactID: contactID, ContactName: "John Smith", Company: "Acme"}, nil
}

func (f *fakeDirectory) SearchContacts(_ context.Context, query string, _ int) ([]directory.Contact, error) {
	f.searchCalls = append(f.searchCalls, query)
	return f.searchOut, f.searchErr
}

func (f *fakeDirectory) CreateContact(_ context.Context, first, last, meetingID string) (directory.Contact, error) {
	f.createCalls = append(f.createCalls, [3]string{first, last, meetingID})
	if f.createErr != nil {
		return directory.Contact{}, f.createErr
	}
	return directory.Contact{ID: "new-1", Name: first + " " + last}, nil
}

func newTestMachine(dir *fakeDirectory) (*Machine, *Store) {
	store := NewStore()
	return NewMachine(store, dir, 5, slog.Default()), store
}

func twoCandidateAction(owner int64) Action {
	return Action{
		OwnerID:   owner,
		SubjectID: "mtg-42",
		QueryText: "John",
		Mode:      ModeLinkOrCreate,
		Candidates: []Candidate{
			{ID: "A", DisplayName: "John Smith", Organization: "Acme"},
			{ID: "B", DisplayName: "John Brown", Organization: "Globex"},
		},
	}
}

func TestHandleReplyNoPendingAction(t *testing.T) {
	dir := &fakeDirectory{}
	m, _ := newTestMachine(dir)

	out := m.HandleReply(context.Background(), 7, "hello")
	assert.Equal(t, OutcomeNone, out.Kind)
	assert.Empty(t, dir.linkCalls)
	assert.Empty(t, dir.searchCalls)
}

func TestHandleReplyZeroCancels(t *testing.T) {
	dir := &fakeDirectory{}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "0")
	assert.Equal(t, OutcomeCancelled, out.Kind)
	// Cancel never calls the directory.
	assert.Empty(t, dir.linkCalls)
	assert.Empty(t, dir.searchCalls)
	assert.Empty(t, dir.createCalls)
	_, ok := store.Peek(7)
	assert.False(t, ok)
}

func TestHandleReplyInRangeNumberLinks(t *testing.T) {
	dir := &fakeDirectory{}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "1")
	require.Equal(t, OutcomeLinked, out.Kind)
	// 1-based mapping: reply "1" links candidates[0].
	assert.Equal(t, []string{"mtg-42/A"}, dir.linkCalls)
	assert.Equal(t, "John Smith", out.Contact.Name)
	assert.Equal(t, "Acme", out.Contact.Company)
	_, ok := store.Peek(7)
	assert.False(t, ok, "resolved dialog must be gone")
}

func TestHandleReplySecondCandidate(t *testing.T) {
	dir := &fakeDirectory{}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "2")
	require.Equal(t, OutcomeLinked, out.Kind)
	assert.Equal(t, []string{"mtg-42/B"}, dir.linkCalls)
}

func TestHandleReplyOutOfRangeNumberFallsThroughToSearch(t *testing.T) {
	dir := &fakeDirectory{searchOut: []directory.Contact{{ID: "C", Name: "Agent 3"}}}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "3")
	require.Equal(t, OutcomeReprompt, out.Kind)
	assert.Empty(t, dir.linkCalls, "out-of-range numeral must not link")
	assert.Equal(t, []string{"3"}, dir.searchCalls)
}

func TestHandleReplyFreeTextNoMatchesCreates(t *testing.T) {
	dir := &fakeDirectory{}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "Jane Doe")
	require.Equal(t, OutcomeCreated, out.Kind)
	require.Len(t, dir.createCalls, 1)
	assert.Equal(t, [3]string{"Jane", "Doe", "mtg-42"}, dir.createCalls[0])
	assert.Equal(t, "new-1", out.Contact.ID)
	_, ok := store.Peek(7)
	assert.False(t, ok, "created dialog resolved, no re-prompt")
}

func TestHandleReplyFreeTextMatchesReprompts(t *testing.T) {
	dir := &fakeDirectory{searchOut: []directory.Contact{
		{ID: "X", Name: "Jane Doe", Company: "Initech"},
		{ID: "Y", Name: "Jane Roe"},
	}}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "Jane")
	require.Equal(t, OutcomeReprompt, out.Kind)
	assert.Equal(t, ModeSelectOrCreate, out.Action.Mode)
	assert.Equal(t, "Jane", out.Action.QueryText)
	require.Len(t, out.Action.Candidates, 2)
	assert.Equal(t, "X", out.Action.Candidates[0].ID)

	// The replacement is live: picking "1" now links the new candidate.
	out2 := m.HandleReply(context.Background(), 7, "1")
	require.Equal(t, OutcomeLinked, out2.Kind)
	assert.Equal(t, []string{"mtg-42/X"}, dir.linkCalls)
}

func TestHandleReplyLinkFailureKeepsDialog(t *testing.T) {
	dir := &fakeDirectory{linkErr: errors.New("directory 502")}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "1")
	require.Equal(t, OutcomeRetry, out.Kind)
	require.Error(t, out.Err)

	// The dialog survives the transient failure; a retry succeeds.
	_, ok := store.Peek(7)
	require.True(t, ok)
	dir.linkErr = nil
	out2 := m.HandleReply(context.Background(), 7, "1")
	assert.Equal(t, OutcomeLinked, out2.Kind)
}

func TestHandleReplySearchFailureKeepsDialog(t *testing.T) {
	dir := &fakeDirectory{searchErr: errors.New("timeout")}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "Jane")
	assert.Equal(t, OutcomeRetry, out.Kind)
	_, ok := store.Peek(7)
	assert.True(t, ok)
}

func TestHandleReplyLastWriterWins(t *testing.T) {
	dir := &fakeDirectory{}
	m, store := newTestMachine(dir)

	store.Set(twoCandidateAction(7))
	second := Action{
		OwnerID:    7,
		SubjectID:  "mtg-99",
		QueryText:  "Alice",
		Mode:       ModeLinkOrCreate,
		Candidates: []Candidate{{ID: "Z", DisplayName: "Alice Z"}},
	}
	store.Set(second)

	// A stale reply meant for the first dialog is interpreted against the
	// second's state.
	out := m.HandleReply(context.Background(), 7, "1")
	require.Equal(t, OutcomeLinked, out.Kind)
	assert.Equal(t, []string{"mtg-99/Z"}, dir.linkCalls)
}

func TestHandleReplySingleTokenName(t *testing.T) {
	dir := &fakeDirectory{}
	m, store := newTestMachine(dir)
	store.Set(twoCandidateAction(7))

	out := m.HandleReply(context.Background(), 7, "Madonna")
	require.Equal(t, OutcomeCreated, out.Kind)
	assert.Equal(t, [3]string{"Madonna", "", "mtg-42"}, dir.createCalls[0])
}

func TestSplitName(t *testing.T) {
	cases := []struct {
		in          string
		first, last string
	}{
		{in: "Jane Doe", first: "Jane", last: "Doe"},
		{in: "Madonna", first: "Madonna", last: ""},
		{in: "  Ana  de  Armas ", first: "Ana", last: "de Armas"},
		{in: "", first: "", last: ""},
	}
	for _, tc := range cases {
		first, last := SplitName(tc.in)
		assert.Equal(t, tc.first, first, "input %q", tc.in)
		assert.Equal(t, tc.last, last, "input %q", tc.in)
	}
}
