package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Leadline HTTP API client, e.g. for a review bot that
// lists drafts and approves them.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Project is the ledger record (partial).
type Project struct {
	Identity     string `json:"identity"`
	Client       string `json:"client"`
	Name         string `json:"name"`
	State        string `json:"state"`
	DraftID      string `json:"draft_id"`
	Followups    int    `json:"followups"`
	SentAt       string `json:"sent_at"`
	SendingSince string `json:"sending_since"`
	LastActionAt string `json:"last_action_at"`
}

// HistoryEntry is one line of the action log.
type HistoryEntry struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Identity string         `json:"identity"`
	Action   string         `json:"action"`
	State    string         `json:"state"`
	DraftID  string         `json:"draft_id"`
	Reason   string         `json:"reason"`
	Payload  map[string]any `json:"payload"`
}

// Draft is a staged message awaiting approval.
type Draft struct {
	DraftID  string   `json:"draft_id"`
	Identity string   `json:"identity"`
	Label    string   `json:"label"`
	Path     string   `json:"path"`
	To       string   `json:"to"`
	CC       []string `json:"cc"`
	Subject  string   `json:"subject"`
	Followup int      `json:"followup"`
	Approved bool     `json:"approved"`
}

// Status is the operator summary.
type Status struct {
	GeneratedAt string         `json:"generated_at"`
	Counts      map[string]int `json:"counts"`
	Pending     []Project      `json:"pending"`
	Overdue     []Project      `json:"overdue"`
	Unconfirmed []Project      `json:"unconfirmed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedHistory wraps the history feed with its cursor.
type PaginatedHistory struct {
	Items      []HistoryEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// Status returns pending work, overdue follow-ups and unconfirmed sends.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// Project fetches one ledger record.
func (c *Client) Project(ctx context.Context, identity string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(identity), nil, &resp)
	return resp, err
}

// Drafts lists every staged draft.
func (c *Client) Drafts(ctx context.Context) ([]Draft, error) {
	var resp struct {
		Items []Draft `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "drafts", nil, &resp)
	return resp.Items, err
}

// Approve marks a draft for sending.
func (c *Client) Approve(ctx context.Context, draftID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, "drafts/"+url.PathEscape(draftID)+"/approve", nil, &resp)
	return resp, err
}

// Skip excludes a project permanently.
func (c *Client) Skip(ctx context.Context, identity, reason string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(identity)+"/skip", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Note appends an operator note to a project's history.
func (c *Client) Note(ctx context.Context, identity, text string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(identity)+"/notes", map[string]any{"text": text}, &resp)
	return resp, err
}

// Resolve settles an unconfirmed send. sent reports whether the message
// actually went out.
func (c *Client) Resolve(ctx context.Context, identity string, sent bool, note string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(identity)+"/resolve", map[string]any{"sent": sent, "note": note}, &resp)
	return resp, err
}

// PollItem is the outcome for one draft of a watcher pass.
type PollItem struct {
	DraftID  string `json:"draft_id"`
	Identity string `json:"identity"`
	Path     string `json:"path"`
	Result   string `json:"result"`
	Reason   string `json:"reason"`
}

// Poll runs a single approval watcher pass on the server.
func (c *Client) Poll(ctx context.Context) ([]PollItem, error) {
	var resp struct {
		Items []PollItem `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "drafts/poll", nil, &resp)
	return resp.Items, err
}

// History returns the action log of one project.
func (c *Client) History(ctx context.Context, identity string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(identity)+"/history", nil, &resp)
	return resp.Items, err
}

// HistoryPage returns history entries after cursor across all projects.
func (c *Client) HistoryPage(ctx context.Context, limit int, cursor string) (PaginatedHistory, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "history"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedHistory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
