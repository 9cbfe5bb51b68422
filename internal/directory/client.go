// Package directory is the HTTP client for the contact-directory
// collaborator. This system never owns contact data; it links, searches and
// creates through the directory's API and relays the outcome.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Contact is a directory search/create result.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
}

// LinkResult is the directory's response to a link-contact call.
type LinkResult struct {
	Status      string `json:"status"`
	ContactID   string `json:"contact_id"`
	ContactName string `json:"contact_name"`
	Company     string `json:"company,omitempty"`
}

// Client talks to the directory service.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient returns a directory client. A nil httpClient gets a 15s timeout
// default.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

type linkContactRequest struct {
	ContactID string `json:"contact_id"`
}

// LinkContact attaches contactID to the meeting record.
func (c *Client) LinkContact(ctx context.Context, meetingID, contactID string) (LinkResult, error) {
	body, _ := json.Marshal(linkContactRequest{ContactID: contactID})
	u := fmt.Sprintf("%s/api/v1/meetings/%s/link-contact", c.baseURL, url.PathEscape(meetingID))
	raw, err := c.do(ctx, http.MethodPatch, u, body)
	if err != nil {
		return LinkResult{}, err
	}
	var out LinkResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return LinkResult{}, fmt.Errorf("directory link-contact: %w", err)
	}
	return out, nil
}

type searchResponse struct {
	Contacts []Contact `json:"contacts"`
}

// SearchContacts queries the directory by free text.
func (c *Client) SearchContacts(ctx context.Context, query string, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	u := c.baseURL + "/api/v1/contacts/search?" + q.Encode()
	raw, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out searchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("directory search: %w", err)
	}
	return out.Contacts, nil
}

type createContactRequest struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	LinkToMeeting string `json:"link_to_meeting_id,omitempty"`
}

// CreateContact creates a contact and links it to the meeting in one call.
func (c *Client) CreateContact(ctx context.Context, firstName, lastName, linkToMeetingID string) (Contact, error) {
	body, _ := json.Marshal(createContactRequest{
		FirstName:     firstName,
		LastName:      lastName,
		LinkToMeeting: linkToMeetingID,
	})
	u := c.baseURL + "/api/v1/contacts"
	raw, err := c.do(ctx, http.MethodPost, u, body)
	if err != nil {
		return Contact{}, err
	}
	var out Contact
	if err := json.Unmarshal(raw, &out); err != nil {
		return Contact{}, fmt.Errorf("directory create-contact: %w", err)
	}
	if strings.TrimSpace(out.Name) == "" {
		out.Name = strings.TrimSpace(firstName + " " + lastName)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
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
		return nil, fmt.Errorf("directory http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
