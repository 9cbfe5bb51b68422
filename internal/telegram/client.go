// Package telegram is a hand-rolled Bot API client covering exactly the
// surface this relay needs: long-poll updates, message send/edit with
// parse-mode fallback, callback answers and file downloads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CallbackDataLimit is the Bot API's hard ceiling for callback_data bytes.
const CallbackDataLimit = 64

// APIError is a non-2xx or ok=false response from the Bot API.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram http %d: %s", e.StatusCode, e.Description)
}

// IsFormattingError reports whether err is the Bot API rejecting malformed
// rich-text markup, the one class of send failure worth retrying plain.
func IsFormattingError(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "parse")
}

// Client talks to one bot's API endpoint.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient returns a client. A nil httpClient gets a 60s timeout default.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type getMeResponse struct {
	OK     bool `json:"ok"`
	Result User `json:"result"`
}

// GetMe fetches the bot's own identity.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	raw, err := c.call(ctx, http.MethodGet, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var out getMeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram getMe: ok=false")
	}
	return &out.Result, nil
}

type getUpdatesResponse struct {
	OK     bool     `json:"ok"`
	Result []Update `json:"result"`
}

// GetUpdates long-polls for updates after offset and returns them with the
// next offset to use.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	method := fmt.Sprintf("getUpdates?timeout=%d", secs)
	if offset > 0 {
		method += fmt.Sprintf("&offset=%d", offset)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	raw, err := c.call(reqCtx, http.MethodGet, method, nil)
	if err != nil {
		return nil, offset, err
	}
	var out getUpdatesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, offset, err
	}
	if !out.OK {
		return nil, offset, fmt.Errorf("telegram getUpdates: ok=false")
	}
	next := offset
	for _, u := range out.Result {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return out.Result, next, nil
}

// SendMessageRequest is the sendMessage payload.
type SendMessageRequest struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
}

// SentMessage is the outcome of a send, keeping the raw API response so
// callers that relay it (the notify endpoint) can echo it verbatim.
type SentMessage struct {
	MessageID int64
	Raw       json.RawMessage
}

type sendMessageResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Description string `json:"description,omitempty"`
}

// Send posts one message.
func (c *Client) Send(ctx context.Context, req SendMessageRequest) (SentMessage, error) {
	if strings.TrimSpace(req.Text) == "" {
		req.Text = "(empty)"
	}
	body, _ := json.Marshal(req)
	raw, err := c.call(ctx, http.MethodPost, "sendMessage", body)
	if err != nil {
		return SentMessage{}, err
	}
	var out sendMessageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return SentMessage{}, err
	}
	if !out.OK {
		return SentMessage{}, &APIError{StatusCode: http.StatusOK, Description: out.Description}
	}
	return SentMessage{MessageID: out.Result.MessageID, Raw: raw}, nil
}

// SendFormatted sends with the requested parse mode, retrying exactly once
// with formatting stripped when the API rejects the markup. Any other failure
// surfaces unchanged.
func (c *Client) SendFormatted(ctx context.Context, req SendMessageRequest) (SentMessage, bool, error) {
	sent, err := c.Send(ctx, req)
	if err == nil || req.ParseMode == "" || !IsFormattingError(err) {
		return sent, false, err
	}
	req.ParseMode = ""
	sent, err = c.Send(ctx, req)
	return sent, true, err
}

type editMessageTextRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// EditMessageText rewrites a previously sent message (the status-message
// flow during voice handling).
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text, parseMode string) error {
	body, _ := json.Marshal(editMessageTextRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
		ParseMode: parseMode,
	})
	_, err := c.call(ctx, http.MethodPost, "editMessageText", body)
	if err != nil && parseMode != "" && IsFormattingError(err) {
		body, _ = json.Marshal(editMessageTextRequest{ChatID: chatID, MessageID: messageID, Text: text})
		_, err = c.call(ctx, http.MethodPost, "editMessageText", body)
	}
	return err
}

type answerCallbackQueryRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

// AnswerCallbackQuery acknowledges a button press, optionally with a toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	body, _ := json.Marshal(answerCallbackQueryRequest{CallbackQueryID: callbackQueryID, Text: text})
	_, err := c.call(ctx, http.MethodPost, "answerCallbackQuery", body)
	return err
}

type sendChatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

// SendChatAction shows a transient status ("typing", "upload_voice") to the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if strings.TrimSpace(action) == "" {
		action = "typing"
	}
	body, _ := json.Marshal(sendChatActionRequest{ChatID: chatID, Action: action})
	_, err := c.call(ctx, http.MethodPost, "sendChatAction", body)
	return err
}

type getFileResponse struct {
	OK     bool `json:"ok"`
	Result File `json:"result"`
}

// GetFile resolves a file_id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	body, _ := json.Marshal(map[string]string{"file_id": fileID})
	raw, err := c.call(ctx, http.MethodPost, "getFile", body)
	if err != nil {
		return File{}, err
	}
	var out getFileResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return File{}, err
	}
	if !out.OK || out.Result.FilePath == "" {
		return File{}, fmt.Errorf("telegram getFile: no file path")
	}
	return out.Result, nil
}

// DownloadFile fetches the raw bytes for a GetFile path.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	u := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}
	return io.ReadAll(resp.Body)
}

// NewCallbackButton builds an inline button, rejecting payloads over the
// transport's 64-byte callback ceiling at construction time.
func NewCallbackButton(text, data string) (InlineKeyboardButton, error) {
	if len(data) > CallbackDataLimit {
		return InlineKeyboardButton{}, fmt.Errorf("telegram: callback data %d bytes exceeds limit %d", len(data), CallbackDataLimit)
	}
	return InlineKeyboardButton{Text: text, CallbackData: data}, nil
}

func (c *Client) call(ctx context.Context, httpMethod, apiMethod string, body []byte) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, apiMethod)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		desc := strings.TrimSpace(string(raw))
		var apiResp struct {
			Description string `json:"description"`
		}
		if json.Unmarshal(raw, &apiResp) == nil && apiResp.Description != "" {
			desc = apiResp.Description
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Description: desc}
	}
	return raw, nil
}
