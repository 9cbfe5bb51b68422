// Package relay is the routing façade: it polls the transport for updates,
// fans them out to per-chat workers, forwards voice notes to the processing
// pipeline and walks users through contact disambiguation dialogs.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/voicerelay/internal/dedup"
	"github.com/quailyquaily/voicerelay/internal/metrics"
	"github.com/quailyquaily/voicerelay/internal/pending"
	"github.com/quailyquaily/voicerelay/internal/pipeline"
	"github.com/quailyquaily/voicerelay/internal/relay/worker"
	"github.com/quailyquaily/voicerelay/internal/shortkey"
	"github.com/quailyquaily/voicerelay/internal/telegram"
)

// CallbackTTL is how long an inline-keyboard choice stays pressable. Text
// dialogs live longer (pending.TextDialogTTL); a stale button degrades to the
// text path rather than erroring.
const CallbackTTL = 10 * time.Minute

// Transport is the subset of the chat platform client the relay drives.
type Transport interface {
	GetMe(ctx context.Context) (*telegram.User, error)
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
	Send(ctx context.Context, req telegram.SendMessageRequest) (telegram.SentMessage, error)
	SendFormatted(ctx context.Context, req telegram.SendMessageRequest) (telegram.SentMessage, bool, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text, parseMode string) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	GetFile(ctx context.Context, fileID string) (telegram.File, error)
	DownloadFile(ctx context.Context, filePath string) ([]byte, error)
}

// Uploader forwards raw audio to the processing pipeline.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte, username string) pipeline.Result
}

// Saver is the raw-file fallback store used when the pipeline is down.
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// Config tunes the poll loop and handlers.
type Config struct {
	AllowedUserIDs []int64 // empty means everyone (fail-open)
	PollTimeout    time.Duration
	TaskTimeout    time.Duration
	MaxConcurrency int
	SearchLimit    int
}

// callbackPayload is what a short callback key resolves to.
type callbackPayload struct {
	Kind       string // kindLink, kindCreate, kindSkip
	OwnerID    int64
	ChatID     int64
	SubjectID  string
	QueryText  string
	Contact    pending.Candidate // kindLink only
	Candidates []pending.Candidate
}

const (
	kindLink   = "lnk"
	kindCreate = "new"
	kindSkip   = "skp"
)

type job struct {
	update telegram.Update
}

type chatWorker struct {
	jobs chan job
}

// Relay owns the shared state: the dialog store, the duplicate suppressor and
// the callback registry. All handlers run on per-chat workers; cross-chat
// work never serializes on a single lock.
type Relay struct {
	cfg     Config
	logger  *slog.Logger
	api     Transport
	pipe    Uploader
	dir     pending.Directory
	storage Saver

	pendings  *pending.Store
	machine   *pending.Machine
	dedup     *dedup.Suppressor
	callbacks *shortkey.Registry[callbackPayload]

	allowed map[int64]bool
	now     func() time.Time

	mu      sync.Mutex
	workers map[int64]*chatWorker
}

// New wires a relay. Nil logger falls back to slog.Default.
func New(cfg Config, api Transport, pipe Uploader, dir pending.Directory, storage Saver, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	allowed := make(map[int64]bool)
	for _, id := range cfg.AllowedUserIDs {
		if id != 0 {
			allowed[id] = true
		}
	}
	pendings := pending.NewStore()
	return &Relay{
		cfg:       cfg,
		logger:    logger,
		api:       api,
		pipe:      pipe,
		dir:       dir,
		storage:   storage,
		pendings:  pendings,
		machine:   pending.NewMachine(pendings, dir, cfg.SearchLimit, logger),
		dedup:     dedup.New(),
		callbacks: shortkey.NewRegistry[callbackPayload](),
		allowed:   allowed,
		now:       time.Now,
		workers:   make(map[int64]*chatWorker),
	}
}

// Run polls for updates until ctx ends. It returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	var me *telegram.User
	for {
		var err error
		me, err = r.api.GetMe(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			r.logger.Info("relay_stop", "reason", "context_canceled")
			return nil
		}
		r.logger.Warn("relay_get_me_error", "error", err.Error())
		select {
		case <-ctx.Done():
			r.logger.Info("relay_stop", "reason", "context_canceled")
			return nil
		case <-time.After(2 * time.Second):
		}
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	slots := make(chan struct{}, r.cfg.MaxConcurrency)

	go r.reapLoop(ctx)

	r.logger.Info("relay_start",
		"bot_username", me.Username,
		"bot_id", me.ID,
		"poll_timeout", r.cfg.PollTimeout.String(),
		"task_timeout", r.cfg.TaskTimeout.String(),
		"max_concurrency", r.cfg.MaxConcurrency,
		"allowed_user_ids", len(r.allowed),
	)

	var offset int64
	for {
		updates, nextOffset, err := r.api.GetUpdates(ctx, offset, r.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				r.logger.Info("relay_stop", "reason", "context_canceled")
				return nil
			}
			r.logger.Warn("relay_get_updates_error", "error", err.Error())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(1 * time.Second):
			}
			continue
		}
		offset = nextOffset

		for _, u := range updates {
			chatID, ok := updateChatID(u)
			if !ok {
				continue
			}
			w := r.workerFor(chatID, workersCtx, slots)
			if err := worker.Enqueue(ctx, workersCtx, w.jobs, job{update: u}); err != nil {
				return nil
			}
		}
	}
}

// reapLoop sweeps expired dialogs so abandoned ones do not linger until their
// owner's next message.
func (r *Relay) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.pendings.Reap(r.now()); n > 0 {
				metrics.PendingActions.WithLabelValues("expired").Add(float64(n))
				r.logger.Debug("pending_reaped", "count", n)
			}
		}
	}
}

func (r *Relay) workerFor(chatID int64, workersCtx context.Context, slots chan struct{}) *chatWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[chatID]; ok {
		return w
	}
	w := &chatWorker{jobs: make(chan job, 16)}
	r.workers[chatID] = w
	worker.Start(worker.Options[job]{
		Ctx:   workersCtx,
		Slots: slots,
		Jobs:  w.jobs,
		Handle: func(workerCtx context.Context, j job) {
			taskCtx, cancel := context.WithTimeout(workerCtx, r.cfg.TaskTimeout)
			defer cancel()
			r.handleUpdate(taskCtx, j.update)
		},
	})
	return w
}

func updateChatID(u telegram.Update) (int64, bool) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg != nil && msg.Chat != nil {
		return msg.Chat.ID, true
	}
	if cb := u.CallbackQuery; cb != nil {
		if cb.Message != nil && cb.Message.Chat != nil {
			return cb.Message.Chat.ID, true
		}
		if cb.From != nil {
			return cb.From.ID, true
		}
	}
	return 0, false
}

// authorized applies the allowlist: empty list admits everyone.
func (r *Relay) authorized(user *telegram.User) bool {
	if len(r.allowed) == 0 {
		return true
	}
	return user != nil && r.allowed[user.ID]
}

func username(user *telegram.User) string {
	if user == nil {
		return "unknown"
	}
	if u := strings.TrimSpace(user.Username); u != "" {
		return u
	}
	return "unknown"
}
