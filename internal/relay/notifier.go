package relay

import (
	"context"
	"encoding/json"

	"github.com/quailyquaily/voicerelay/internal/metrics"
	"github.com/quailyquaily/voicerelay/internal/telegram"
)

// Notify relays an externally requested message to a chat. A rich-text
// rejection is retried once with formatting stripped; the raw transport
// response comes back so HTTP callers can echo it verbatim.
func (r *Relay) Notify(ctx context.Context, chatID int64, text, parseMode string) (json.RawMessage, bool, error) {
	sent, retried, err := r.api.SendFormatted(ctx, telegram.SendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
	})
	if retried {
		metrics.FormatRetries.Inc()
	}
	if err != nil {
		metrics.NotifyRelays.WithLabelValues("failed").Inc()
		r.logger.Warn("notify_relay_error", "chat_id", chatID, "error", err.Error())
		return nil, retried, err
	}
	metrics.NotifyRelays.WithLabelValues("ok").Inc()
	r.logger.Info("notify_relayed", "chat_id", chatID, "message_id", sent.MessageID, "format_retried", retried)
	return sent.Raw, retried, nil
}
