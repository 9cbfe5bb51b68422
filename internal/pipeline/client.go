// Package pipeline is the HTTP client for the transcription/analysis
// collaborator. The upload is modeled as a two-outcome result rather than an
// error: an unreachable or non-success pipeline is an expected condition the
// caller branches on (storage fallback), not an exception path.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ContactSuggestion is one directory candidate the pipeline proposes for an
// unmatched name.
type ContactSuggestion struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
}

// ContactMatch reports how one name mentioned in the recording resolved.
type ContactMatch struct {
	SearchedName string              `json:"searched_name"`
	Matched      bool                `json:"matched"`
	Suggestions  []ContactSuggestion `json:"suggestions,omitempty"`
}

type uploadResponse struct {
	Status  string `json:"status"`
	Category string `json:"category"`
	Summary string `json:"summary"`
	Details struct {
		MeetingID      string         `json:"meeting_id"`
		ContactMatches []ContactMatch `json:"contact_matches"`
	} `json:"details"`
}

// Result is the two-outcome upload result. Ok=false carries the reason the
// primary path failed; the payload fields are only meaningful when Ok.
type Result struct {
	Ok             bool
	Status         string
	Category       string
	Summary        string
	MeetingID      string
	ContactMatches []ContactMatch
	FailureReason  string
}

// Client talks to the processing pipeline.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient returns a pipeline client. A nil httpClient gets a 90s timeout
// default (transcription is slow).
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

// Upload posts the raw audio for processing. Network failures, timeouts and
// non-2xx statuses all come back as Ok=false; the only hard errors are
// request-construction bugs, folded into the failure reason as well so the
// caller has exactly two branches.
func (c *Client) Upload(ctx context.Context, filename string, data []byte, username string) Result {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return failure(fmt.Sprintf("build multipart: %v", err))
	}
	if _, err := part.Write(data); err != nil {
		return failure(fmt.Sprintf("build multipart: %v", err))
	}
	if err := mw.WriteField("filename", filename); err != nil {
		return failure(fmt.Sprintf("build multipart: %v", err))
	}
	if err := mw.WriteField("username", username); err != nil {
		return failure(fmt.Sprintf("build multipart: %v", err))
	}
	if err := mw.Close(); err != nil {
		return failure(fmt.Sprintf("build multipart: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process/upload", &buf)
	if err != nil {
		return failure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return failure(err.Error())
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(fmt.Sprintf("pipeline http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return failure(fmt.Sprintf("pipeline response: %v", err))
	}
	return Result{
		Ok:             true,
		Status:         out.Status,
		Category:       out.Category,
		Summary:        out.Summary,
		MeetingID:      out.Details.MeetingID,
		ContactMatches: out.Details.ContactMatches,
	}
}

func failure(reason string) Result {
	return Result{Ok: false, FailureReason: reason}
}
