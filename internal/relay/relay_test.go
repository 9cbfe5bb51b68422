package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quailyquaily/voicerelay/internal/directory"
	"github.com/quailyquaily/voicerelay/internal/pipeline"
	"github.com/quailyquaily/voicerelay/internal/telegram"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []telegram.SendMessageRequest
	edits    []string
	answered []string
	sendErr  error
	retried  bool
	raw      json.RawMessage
}

func (f *fakeTransport) GetMe(context.Context) (*telegram.User, error) {
	return &telegram.User{ID: 99, Username: "relaybot"}, nil
}

func (f *fakeTransport) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]telegram.Update, int64, error) {
	<-ctx.Done()
	return nil, offset, ctx.Err()
}

func (f *fakeTransport) Send(_ context.Context, req telegram.SendMessageRequest) (telegram.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return telegram.SentMessage{}, f.sendErr
	}
	f.sent = append(f.sent, req)
	return telegram.SentMessage{MessageID: int64(len(f.sent)), Raw: f.raw}, nil
}

func (f *fakeTransport) SendFormatted(ctx context.Context, req telegram.SendMessageRequest) (telegram.SentMessage, bool, error) {
	sent, err := f.Send(ctx, req)
	return sent, f.retried, err
}

func (f *fakeTransport) EditMessageText(_ context.Context, _, _ int64, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) AnswerCallbackQuery(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, text)
	return nil
}

func (f *fakeTransport) SendChatAction(context.Context, int64, string) error { return nil }

func (f *fakeTransport) GetFile(_ context.Context, fileID string) (telegram.File, error) {
	return telegram.File{FileID: fileID, FilePath: "voice/" + fileID + ".oga"}, nil
}

func (f *fakeTransport) DownloadFile(context.Context, string) ([]byte, error) {
	return []byte("audio-bytes"), nil
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Text)
	}
	return out
}

func (f *fakeTransport) lastWithMarkup() (telegram.SendMessageRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].ReplyMarkup != nil {
			return f.sent[i], true
		}
	}
	return telegram.SendMessageRequest{}, false
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   int
	results []pipeline.Result
}

func (f *fakeUploader) Upload(context.Context, string, []byte, string) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return pipeline.Result{Ok: true, Status: "success"}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDirectory struct {
	mu       sync.Mutex
	linked   [][2]string
	created  [][3]string
	searched []string
	linkErr  error
	results  []directory.Contact
}

func (f *fakeDirectory) LinkContact(_ context.Context, meetingID, contactID string) (directory.LinkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return directory.LinkResult{}, f.linkErr
	}
	f.linked = append(f.linked, [2]string{meetingID, contactID})
	return directory.LinkResult{Status: "linked", ContactID: contactID, ContactName: "John Smith", Company: "Acme"}, nil
}

func (f *fakeDirectory) SearchContacts(_ context.Context, query string, _ int) ([]directory.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = append(f.searched, query)
	return f.results, nil
}

func (f *fakeDirectory) CreateContact(_ context.Context, first, last, meetingID string) (directory.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, [3]string{first, last, meetingID})
	name := strings.TrimSpace(first + " " + last)
	return directory.Contact{ID: "new-1", Name: name}, nil
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (f *fakeSaver) Save(name string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, name)
	return "/data/" + name, nil
}

func newTestRelay(api *fakeTransport, pipe *fakeUploader, dir *fakeDirectory, store *fakeSaver) *Relay {
	return New(Config{SearchLimit: 5}, api, pipe, dir, store, nil)
}

func voiceUpdate(userID int64, uniqueID string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 10,
			Chat:      &telegram.Chat{ID: userID, Type: "private"},
			From:      &telegram.User{ID: userID, Username: "julien", FirstName: "Julien"},
			Voice:     &telegram.Voice{FileID: "f-" + uniqueID, FileUniqueID: uniqueID},
		},
	}
}

func textUpdate(userID int64, text string) telegram.Update {
	return telegram.Update{
		Message: &telegram.Message{
			MessageID: 11,
			Chat:      &telegram.Chat{ID: userID, Type: "private"},
			From:      &telegram.User{ID: userID, Username: "julien", FirstName: "Julien"},
			Text:      text,
		},
	}
}

func unmatchedResult() pipeline.Result {
	return pipeline.Result{
		Ok:        true,
		Status:    "success",
		Category:  "meeting",
		Summary:   "Met John about the Q3 budget.",
		MeetingID: "mtg-42",
		ContactMatches: []pipeline.ContactMatch{{
			SearchedName: "John",
			Matched:      false,
			Suggestions: []pipeline.ContactSuggestion{
				{ID: "A", Name: "John Smith", Company: "Acme"},
				{ID: "B", Name: "John Brown", Company: "Globex"},
			},
		}},
	}
}

func TestDuplicateVoiceSuppressed(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{results: []pipeline.Result{{Ok: true, Status: "success"}}}
	r := newTestRelay(api, pipe, &fakeDirectory{}, &fakeSaver{})

	ctx := context.Background()
	r.handleUpdate(ctx, voiceUpdate(7, "uniq-1"))
	r.handleUpdate(ctx, voiceUpdate(7, "uniq-1"))

	assert.Equal(t, 1, pipe.callCount(), "redelivered file must not be processed twice")
}

func TestVoicePromptThenNumericReplyLinks(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{results: []pipeline.Result{unmatchedResult()}}
	dir := &fakeDirectory{}
	r := newTestRelay(api, pipe, dir, &fakeSaver{})

	ctx := context.Background()
	r.handleUpdate(ctx, voiceUpdate(7, "uniq-2"))

	texts := api.sentTexts()
	require.NotEmpty(t, texts)
	prompt := texts[len(texts)-1]
	assert.Contains(t, prompt, "1. John Smith (Acme)")
	assert.Contains(t, prompt, "2. John Brown (Globex)")

	api.mu.Lock()
	edits := append([]string(nil), api.edits...)
	api.mu.Unlock()
	require.NotEmpty(t, edits)
	assert.Contains(t, edits[len(edits)-1], `Q3 budget\.`, "summary must be markdown-escaped")

	r.handleUpdate(ctx, textUpdate(7, "1"))

	require.Len(t, dir.linked, 1)
	assert.Equal(t, [2]string{"mtg-42", "A"}, dir.linked[0])
	texts = api.sentTexts()
	assert.Contains(t, texts[len(texts)-1], "John Smith")

	// Dialog is consumed: the same reply now falls through to help.
	before := len(dir.linked)
	r.handleUpdate(ctx, textUpdate(7, "1"))
	assert.Len(t, dir.linked, before)
}

func TestPipelineFailureFallsBackToStorage(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{results: []pipeline.Result{{Ok: false, FailureReason: "connection refused"}}}
	store := &fakeSaver{}
	r := newTestRelay(api, pipe, &fakeDirectory{}, store)

	r.handleUpdate(context.Background(), voiceUpdate(7, "uniq-3"))

	require.Len(t, store.saved, 1)
	assert.True(t, strings.HasPrefix(store.saved[0], "voice_"), "fallback filename = %q", store.saved[0])
	assert.True(t, strings.HasSuffix(store.saved[0], "_julien.ogg"), "fallback filename = %q", store.saved[0])

	api.mu.Lock()
	edits := append([]string(nil), api.edits...)
	api.mu.Unlock()
	require.NotEmpty(t, edits, "user must be told about the fallback")
	assert.Contains(t, edits[len(edits)-1], "saved as")
}

func TestFreeTextReplyCreatesContact(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{results: []pipeline.Result{unmatchedResult()}}
	dir := &fakeDirectory{}
	r := newTestRelay(api, pipe, dir, &fakeSaver{})

	ctx := context.Background()
	r.handleUpdate(ctx, voiceUpdate(7, "uniq-4"))
	r.handleUpdate(ctx, textUpdate(7, "Jane Doe"))

	require.Len(t, dir.created, 1)
	assert.Equal(t, [3]string{"Jane", "Doe", "mtg-42"}, dir.created[0])
	assert.Empty(t, dir.linked)
}

func TestUnauthorizedUserDenied(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{}
	r := New(Config{AllowedUserIDs: []int64{1}, SearchLimit: 5}, api, pipe, &fakeDirectory{}, &fakeSaver{}, nil)

	r.handleUpdate(context.Background(), voiceUpdate(7, "uniq-5"))

	assert.Zero(t, pipe.callCount())
	texts := api.sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, deniedMessage, texts[0])
}

func TestEmptyAllowlistAdmitsEveryone(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{results: []pipeline.Result{{Ok: true, Status: "success"}}}
	r := newTestRelay(api, pipe, &fakeDirectory{}, &fakeSaver{})

	r.handleUpdate(context.Background(), voiceUpdate(7, "uniq-6"))
	assert.Equal(t, 1, pipe.callCount())
}

func TestCallbackLinkFlow(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{results: []pipeline.Result{unmatchedResult()}}
	dir := &fakeDirectory{}
	r := newTestRelay(api, pipe, dir, &fakeSaver{})

	ctx := context.Background()
	r.handleUpdate(ctx, voiceUpdate(7, "uniq-7"))

	prompt, ok := api.lastWithMarkup()
	require.True(t, ok, "prompt should carry an inline keyboard")
	require.NotEmpty(t, prompt.ReplyMarkup.InlineKeyboard)
	first := prompt.ReplyMarkup.InlineKeyboard[0][0]
	assert.True(t, strings.HasPrefix(first.CallbackData, "lnk:"), "data = %q", first.CallbackData)
	assert.LessOrEqual(t, len(first.CallbackData), telegram.CallbackDataLimit)

	r.handleUpdate(ctx, telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb-1",
		From:    &telegram.User{ID: 7, Username: "julien"},
		Message: &telegram.Message{Chat: &telegram.Chat{ID: 7}},
		Data:    first.CallbackData,
	}})

	require.Len(t, dir.linked, 1)
	assert.Equal(t, "mtg-42", dir.linked[0][0])

	// A second press of the same button finds the key consumed.
	r.handleUpdate(ctx, telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb-2",
		From:    &telegram.User{ID: 7, Username: "julien"},
		Message: &telegram.Message{Chat: &telegram.Chat{ID: 7}},
		Data:    first.CallbackData,
	}})
	assert.Len(t, dir.linked, 1)
	api.mu.Lock()
	answered := append([]string(nil), api.answered...)
	api.mu.Unlock()
	require.Len(t, answered, 2)
	assert.Contains(t, answered[1], "expired")
}

func TestCancelCommandClearsDialog(t *testing.T) {
	api := &fakeTransport{}
	pipe := &fakeUploader{results: []pipeline.Result{unmatchedResult()}}
	dir := &fakeDirectory{}
	r := newTestRelay(api, pipe, dir, &fakeSaver{})

	ctx := context.Background()
	r.handleUpdate(ctx, voiceUpdate(7, "uniq-8"))
	r.handleUpdate(ctx, textUpdate(7, "/cancel"))
	r.handleUpdate(ctx, textUpdate(7, "1"))

	assert.Empty(t, dir.linked, "cancelled dialog must not accept replies")
}

func TestStartAndHelpCommands(t *testing.T) {
	api := &fakeTransport{}
	r := newTestRelay(api, &fakeUploader{}, &fakeDirectory{}, &fakeSaver{})

	ctx := context.Background()
	r.handleUpdate(ctx, textUpdate(7, "/start"))
	r.handleUpdate(ctx, textUpdate(7, "/help"))

	texts := api.sentTexts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Hi Julien!")
	assert.Contains(t, texts[1], "Speak clearly")
}

func TestNotifyEchoesRawResponse(t *testing.T) {
	raw := json.RawMessage(`{"ok":true,"result":{"message_id":5}}`)
	api := &fakeTransport{raw: raw}
	r := newTestRelay(api, &fakeUploader{}, &fakeDirectory{}, &fakeSaver{})

	got, retried, err := r.Notify(context.Background(), 7, "deploy finished", "")
	require.NoError(t, err)
	assert.False(t, retried)
	assert.Equal(t, raw, got)
}
