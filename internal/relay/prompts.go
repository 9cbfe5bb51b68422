package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/quailyquaily/voicerelay/internal/directory"
	"github.com/quailyquaily/voicerelay/internal/metrics"
	"github.com/quailyquaily/voicerelay/internal/pending"
	"github.com/quailyquaily/voicerelay/internal/pipeline"
	"github.com/quailyquaily/voicerelay/internal/telegram"
)

// keyboardCandidateCap bounds how many candidates become buttons; the
// numbered text list always shows all of them.
const keyboardCandidateCap = 5

const helpText = "🎙️ How to use this bot:\n\n" +
	"1. Send a voice message (hold the mic button)\n" +
	"2. I'll forward it for processing\n" +
	"3. You'll get the summary right here\n\n" +
	"Tips:\n" +
	"• Speak clearly\n" +
	"• Start with context: 'Meeting with John...'\n" +
	"• Mention names and dates clearly\n\n" +
	"Commands: /start /help /cancel /id"

func greeting(from *telegram.User) string {
	name := from.DisplayName()
	if name == "" {
		name = "there"
	} else if i := strings.IndexByte(name, ' '); i > 0 {
		name = name[:i]
	}
	return fmt.Sprintf("Hi %s! 👋\n\n", name) +
		"I'm your voice memo assistant.\n\n" +
		"Send me a voice message and I'll process it for you:\n" +
		"• Transcribe it\n" +
		"• Extract key information\n" +
		"• Save it to your knowledge base\n\n" +
		"Just hold the microphone button and speak!"
}

// renderSummary is MarkdownV2: dynamic parts go through the escape helper so
// a summary containing markup characters cannot break the send.
func renderSummary(res pipeline.Result) string {
	var b strings.Builder
	b.WriteString("✅ *Voice message processed\\!*\n\n")
	if res.Category != "" {
		fmt.Fprintf(&b, "📂 Category: %s\n", telegram.EscapeMarkdownV2(res.Category))
	}
	if res.Summary != "" {
		fmt.Fprintf(&b, "📝 %s", telegram.EscapeMarkdownV2(res.Summary))
	}
	return strings.TrimRight(b.String(), "\n")
}

func linkedConfirmation(c directory.Contact) string {
	return linkedConfirmationCandidate(pending.Candidate{
		ID: c.ID, DisplayName: c.Name, Organization: c.Company,
	})
}

func linkedConfirmationCandidate(c pending.Candidate) string {
	if c.Organization != "" {
		return fmt.Sprintf("🔗 Linked to %s (%s).", c.DisplayName, c.Organization)
	}
	return fmt.Sprintf("🔗 Linked to %s.", c.DisplayName)
}

func createdConfirmation(c directory.Contact) string {
	return fmt.Sprintf("✨ Created new contact %s and linked them.", c.Name)
}

// sendPrompt renders a pending action: mode-specific lead-in, numbered
// candidate list, reply instructions and an inline keyboard whose buttons go
// through the short-key registry.
func (r *Relay) sendPrompt(ctx context.Context, chatID int64, action pending.Action) {
	var b strings.Builder
	switch action.Mode {
	case pending.ModeSelectOrCreate:
		fmt.Fprintf(&b, "🔎 I found these contacts for \"%s\":\n", action.QueryText)
	case pending.ModeCorrect:
		fmt.Fprintf(&b, "✏️ Which contact should \"%s\" be instead?\n", action.QueryText)
	default:
		fmt.Fprintf(&b, "🤔 I couldn't match \"%s\" to a contact.\n", action.QueryText)
	}
	for i, c := range action.Candidates {
		if c.Organization != "" {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, c.DisplayName, c.Organization)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c.DisplayName)
		}
	}
	b.WriteString("\n")
	if len(action.Candidates) > 0 {
		b.WriteString("Reply with a number, type a different name, or 0 to skip.")
	} else {
		b.WriteString("Reply with the contact's name to create them, or 0 to skip.")
	}

	req := telegram.SendMessageRequest{ChatID: chatID, Text: b.String()}
	if markup := r.buildKeyboard(chatID, action); markup != nil {
		req.ReplyMarkup = markup
	}
	_, retried, err := r.api.SendFormatted(ctx, req)
	if retried {
		metrics.FormatRetries.Inc()
	}
	if err != nil {
		r.logger.Warn("prompt_send_error", "chat_id", chatID, "error", err.Error())
	}
}

// buildKeyboard registers one short key per button. A registry failure only
// drops the keyboard: the numbered text path still works.
func (r *Relay) buildKeyboard(chatID int64, action pending.Action) *telegram.InlineKeyboardMarkup {
	var rows [][]telegram.InlineKeyboardButton

	candidates := action.Candidates
	if len(candidates) > keyboardCandidateCap {
		candidates = candidates[:keyboardCandidateCap]
	}
	for _, c := range candidates {
		key, err := r.callbacks.Put(kindLink, callbackPayload{
			Kind:      kindLink,
			OwnerID:   action.OwnerID,
			ChatID:    chatID,
			SubjectID: action.SubjectID,
			QueryText: action.QueryText,
			Contact:   c,
		}, CallbackTTL)
		if err != nil {
			r.logger.Warn("callback_register_error", "error", err.Error())
			return nil
		}
		btn, err := telegram.NewCallbackButton(c.DisplayName, key)
		if err != nil {
			r.logger.Warn("callback_button_error", "error", err.Error())
			return nil
		}
		rows = append(rows, []telegram.InlineKeyboardButton{btn})
	}

	var lastRow []telegram.InlineKeyboardButton
	if strings.TrimSpace(action.QueryText) != "" {
		key, err := r.callbacks.Put(kindCreate, callbackPayload{
			Kind:      kindCreate,
			OwnerID:   action.OwnerID,
			ChatID:    chatID,
			SubjectID: action.SubjectID,
			QueryText: action.QueryText,
		}, CallbackTTL)
		if err != nil {
			r.logger.Warn("callback_register_error", "error", err.Error())
			return nil
		}
		btn, err := telegram.NewCallbackButton(fmt.Sprintf("➕ New: %s", action.QueryText), key)
		if err != nil {
			r.logger.Warn("callback_button_error", "error", err.Error())
			return nil
		}
		lastRow = append(lastRow, btn)
	}
	key, err := r.callbacks.Put(kindSkip, callbackPayload{
		Kind:    kindSkip,
		OwnerID: action.OwnerID,
		ChatID:  chatID,
	}, CallbackTTL)
	if err != nil {
		r.logger.Warn("callback_register_error", "error", err.Error())
		return nil
	}
	skip, err := telegram.NewCallbackButton("⏭ Skip", key)
	if err != nil {
		r.logger.Warn("callback_button_error", "error", err.Error())
		return nil
	}
	lastRow = append(lastRow, skip)
	rows = append(rows, lastRow)

	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}
