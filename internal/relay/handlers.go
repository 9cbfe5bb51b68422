package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/quailyquaily/voicerelay/internal/metrics"
	"github.com/quailyquaily/voicerelay/internal/pending"
	"github.com/quailyquaily/voicerelay/internal/storagefile"
	"github.com/quailyquaily/voicerelay/internal/telegram"
)

const deniedMessage = "❌ Sorry, you're not authorized to use this bot."

func (r *Relay) handleUpdate(ctx context.Context, u telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		metrics.UpdatesReceived.WithLabelValues("callback_query").Inc()
		r.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		r.handleMessage(ctx, u.Message)
	case u.EditedMessage != nil:
		// Edits are not re-processed: the original delivery already ran.
		r.logger.Debug("edited_message_ignored", "chat_id", u.EditedMessage.Chat.ID)
	}
}

func (r *Relay) handleMessage(ctx context.Context, msg *telegram.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	if !r.authorized(msg.From) {
		metrics.AuthorizationDenied.Inc()
		r.logger.Warn("unauthorized_user",
			"chat_id", chatID,
			"user_id", userID(msg.From),
			"username", username(msg.From),
		)
		r.send(ctx, chatID, deniedMessage)
		return
	}

	switch {
	case msg.Voice != nil:
		metrics.UpdatesReceived.WithLabelValues("voice").Inc()
		name := storagefile.VoiceFilename(r.now(), senderTag(msg.From))
		r.handleFile(ctx, chatID, msg.From, msg.Voice.FileID, msg.Voice.FileUniqueID, name, "🎙️ Receiving voice message...")
	case msg.Audio != nil:
		metrics.UpdatesReceived.WithLabelValues("audio").Inc()
		name := storagefile.AudioFilename(r.now(), senderTag(msg.From), msg.Audio.FileName)
		r.handleFile(ctx, chatID, msg.From, msg.Audio.FileID, msg.Audio.FileUniqueID, name, "🎵 Receiving audio file...")
	case strings.HasPrefix(strings.TrimSpace(msg.Text), "/"):
		metrics.UpdatesReceived.WithLabelValues("command").Inc()
		r.handleCommand(ctx, chatID, msg.From, strings.TrimSpace(msg.Text))
	case strings.TrimSpace(msg.Text) != "":
		metrics.UpdatesReceived.WithLabelValues("text").Inc()
		r.handleText(ctx, chatID, msg.From, strings.TrimSpace(msg.Text))
	}
}

func (r *Relay) handleCommand(ctx context.Context, chatID int64, from *telegram.User, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		r.send(ctx, chatID, greeting(from))
	case "/help":
		r.send(ctx, chatID, helpText)
	case "/cancel":
		if r.pendings.Cancel(userID(from)) {
			metrics.PendingActions.WithLabelValues("cancelled").Inc()
			r.send(ctx, chatID, "Okay, skipped.")
		} else {
			r.send(ctx, chatID, "Nothing to cancel.")
		}
	case "/id":
		r.send(ctx, chatID, fmt.Sprintf("Your user id: %d\nChat id: %d", userID(from), chatID))
	default:
		r.send(ctx, chatID, "Unknown command. Try /help.")
	}
}

// handleFile is the shared voice/audio path: duplicate gate, download,
// pipeline upload, and the storage fallback when the pipeline is down.
func (r *Relay) handleFile(ctx context.Context, chatID int64, from *telegram.User, fileID, fileUniqueID, filename, receivingNote string) {
	if r.dedup.Seen(fileUniqueID) {
		metrics.DuplicatesSuppressed.Inc()
		r.logger.Info("duplicate_suppressed", "chat_id", chatID, "file_unique_id", fileUniqueID)
		return
	}

	status, err := r.api.Send(ctx, telegram.SendMessageRequest{ChatID: chatID, Text: receivingNote})
	if err != nil {
		r.logger.Warn("status_message_error", "chat_id", chatID, "error", err.Error())
	}
	setStatus := func(text string) {
		if status.MessageID == 0 {
			r.send(ctx, chatID, text)
			return
		}
		if err := r.api.EditMessageText(ctx, chatID, status.MessageID, text, ""); err != nil {
			r.logger.Warn("status_edit_error", "chat_id", chatID, "error", err.Error())
		}
	}

	file, err := r.api.GetFile(ctx, fileID)
	if err != nil {
		r.logger.Warn("file_resolve_error", "chat_id", chatID, "file_id", fileID, "error", err.Error())
		setStatus("❌ Couldn't fetch your file from Telegram. Please send it again.")
		return
	}
	data, err := r.api.DownloadFile(ctx, file.FilePath)
	if err != nil {
		r.logger.Warn("file_download_error", "chat_id", chatID, "file_id", fileID, "error", err.Error())
		setStatus("❌ Couldn't download your file. Please send it again.")
		return
	}

	_ = r.api.SendChatAction(ctx, chatID, "typing")
	setStatus("📤 Forwarding to the processing pipeline...")

	res := r.pipe.Upload(ctx, filename, data, senderTag(from))
	if !res.Ok {
		metrics.PipelineUploads.WithLabelValues("failed").Inc()
		r.logger.Warn("pipeline_upload_failed", "chat_id", chatID, "filename", filename, "reason", res.FailureReason)
		r.fallbackToStorage(ctx, chatID, filename, data, setStatus)
		return
	}
	metrics.PipelineUploads.WithLabelValues("ok").Inc()
	r.logger.Info("pipeline_upload_ok", "chat_id", chatID, "filename", filename, "category", res.Category)

	summary := renderSummary(res)
	if status.MessageID != 0 {
		if err := r.api.EditMessageText(ctx, chatID, status.MessageID, summary, telegram.ParseModeMarkdownV2); err != nil {
			r.logger.Warn("status_edit_error", "chat_id", chatID, "error", err.Error())
		}
	} else {
		_, retried, err := r.api.SendFormatted(ctx, telegram.SendMessageRequest{
			ChatID:    chatID,
			Text:      summary,
			ParseMode: telegram.ParseModeMarkdownV2,
		})
		if retried {
			metrics.FormatRetries.Inc()
		}
		if err != nil {
			r.logger.Warn("send_error", "chat_id", chatID, "error", err.Error())
		}
	}

	for _, match := range res.ContactMatches {
		if match.Matched {
			continue
		}
		action := r.pendings.Set(pending.Action{
			OwnerID:    userID(from),
			SubjectID:  res.MeetingID,
			QueryText:  match.SearchedName,
			Candidates: pending.CandidatesFromSuggestions(match.Suggestions),
			Mode:       pending.ModeLinkOrCreate,
		})
		metrics.PendingActions.WithLabelValues("created").Inc()
		r.sendPrompt(ctx, chatID, action)
	}
}

// fallbackToStorage hands the raw bytes to the storage collaborator and tells
// the user what happened. The input is never silently dropped: even a failed
// save produces an explicit failure message.
func (r *Relay) fallbackToStorage(ctx context.Context, chatID int64, filename string, data []byte, setStatus func(string)) {
	path, err := r.storage.Save(filename, data)
	if err != nil {
		r.logger.Error("storage_fallback_error", "chat_id", chatID, "filename", filename, "error", err.Error())
		setStatus("❌ The processing pipeline is unavailable and saving your file failed. Please try again later.")
		return
	}
	metrics.StorageFallbacks.Inc()
	r.logger.Info("storage_fallback_saved", "chat_id", chatID, "path", path)
	setStatus(fmt.Sprintf("⚠️ The processing pipeline is unavailable right now.\n✅ Your file was saved as %s and will be processed later.", filename))
}

func (r *Relay) handleText(ctx context.Context, chatID int64, from *telegram.User, text string) {
	outcome := r.machine.HandleReply(ctx, userID(from), text)
	switch outcome.Kind {
	case pending.OutcomeNone:
		r.send(ctx, chatID, helpText)
	case pending.OutcomeCancelled:
		metrics.PendingActions.WithLabelValues("cancelled").Inc()
		r.send(ctx, chatID, "Okay, skipped.")
	case pending.OutcomeLinked:
		metrics.PendingActions.WithLabelValues("linked").Inc()
		r.send(ctx, chatID, linkedConfirmation(outcome.Contact))
	case pending.OutcomeCreated:
		metrics.PendingActions.WithLabelValues("contact_created").Inc()
		r.send(ctx, chatID, createdConfirmation(outcome.Contact))
	case pending.OutcomeReprompt:
		metrics.PendingActions.WithLabelValues("reprompt").Inc()
		r.sendPrompt(ctx, chatID, outcome.Action)
	case pending.OutcomeRetry:
		metrics.PendingActions.WithLabelValues("retry").Inc()
		r.send(ctx, chatID, "⚠️ That didn't go through, please try again.")
		r.sendPrompt(ctx, chatID, outcome.Action)
	}
}

func (r *Relay) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if !r.authorized(cb.From) {
		metrics.AuthorizationDenied.Inc()
		r.logger.Warn("unauthorized_user", "user_id", userID(cb.From), "username", username(cb.From))
		_ = r.api.AnswerCallbackQuery(ctx, cb.ID, deniedMessage)
		return
	}
	chatID := userID(cb.From)
	if cb.Message != nil && cb.Message.Chat != nil {
		chatID = cb.Message.Chat.ID
	}

	payload, ok := r.callbacks.Consume(cb.Data)
	if !ok {
		_ = r.api.AnswerCallbackQuery(ctx, cb.ID, "This choice expired.")
		r.send(ctx, chatID, "That choice expired. Reply with a name and I'll look it up.")
		return
	}
	_ = r.api.AnswerCallbackQuery(ctx, cb.ID, "")

	switch payload.Kind {
	case kindLink:
		res, err := r.dir.LinkContact(ctx, payload.SubjectID, payload.Contact.ID)
		if err != nil {
			metrics.PendingActions.WithLabelValues("retry").Inc()
			r.logger.Warn("callback_link_error", "subject_id", payload.SubjectID, "contact_id", payload.Contact.ID, "error", err.Error())
			// Degrade to the text dialog: the pending action is still live.
			r.send(ctx, chatID, "⚠️ Linking failed, please try again.")
			if action, live := r.pendings.Peek(payload.OwnerID); live {
				r.sendPrompt(ctx, chatID, action)
			}
			return
		}
		r.pendings.Cancel(payload.OwnerID)
		metrics.PendingActions.WithLabelValues("linked").Inc()
		contact := pending.Candidate{ID: res.ContactID, DisplayName: res.ContactName, Organization: res.Company}
		if contact.DisplayName == "" {
			contact = payload.Contact
		}
		r.logger.Info("pending_linked", "owner_id", payload.OwnerID, "subject_id", payload.SubjectID, "contact_id", contact.ID)
		r.send(ctx, chatID, linkedConfirmationCandidate(contact))
	case kindCreate:
		first, last := pending.SplitName(payload.QueryText)
		contact, err := r.dir.CreateContact(ctx, first, last, payload.SubjectID)
		if err != nil {
			metrics.PendingActions.WithLabelValues("retry").Inc()
			r.logger.Warn("callback_create_error", "subject_id", payload.SubjectID, "query", payload.QueryText, "error", err.Error())
			r.send(ctx, chatID, "⚠️ Creating the contact failed, please try again.")
			if action, live := r.pendings.Peek(payload.OwnerID); live {
				r.sendPrompt(ctx, chatID, action)
			}
			return
		}
		r.pendings.Cancel(payload.OwnerID)
		metrics.PendingActions.WithLabelValues("contact_created").Inc()
		r.logger.Info("pending_created", "owner_id", payload.OwnerID, "subject_id", payload.SubjectID, "contact_id", contact.ID)
		r.send(ctx, chatID, createdConfirmation(contact))
	case kindSkip:
		r.pendings.Cancel(payload.OwnerID)
		metrics.PendingActions.WithLabelValues("cancelled").Inc()
		r.send(ctx, chatID, "Okay, skipped.")
	default:
		r.logger.Warn("callback_unknown_kind", "kind", payload.Kind)
	}
}

// send posts a plain message, logging failures rather than surfacing them:
// no outbound send is fatal to the relay.
func (r *Relay) send(ctx context.Context, chatID int64, text string) {
	if _, err := r.api.Send(ctx, telegram.SendMessageRequest{ChatID: chatID, Text: text}); err != nil {
		r.logger.Warn("send_error", "chat_id", chatID, "error", err.Error())
	}
}

func userID(user *telegram.User) int64 {
	if user == nil {
		return 0
	}
	return user.ID
}

// senderTag is the filename-safe sender identifier: username when set,
// otherwise the numeric user id.
func senderTag(user *telegram.User) string {
	if user == nil {
		return "unknown"
	}
	if u := strings.TrimSpace(user.Username); u != "" {
		return u
	}
	return strconv.FormatInt(user.ID, 10)
}
