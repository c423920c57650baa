package server

import (
	"time"

	"leadline/internal/domain"
	"leadline/internal/drafts"
	"leadline/internal/watcher"
)

// Request payloads

type SkipRequest struct {
	Reason string `json:"reason,omitempty"`
}

type NoteRequest struct {
	Text string `json:"text" minLength:"1"`
}

type ResolveRequest struct {
	Sent bool   `json:"sent"`
	Note string `json:"note,omitempty"`
}

// Response payloads

type ProjectList struct {
	Items []domain.Project `json:"items"`
}

type HistoryPage struct {
	Items      []domain.HistoryEntry `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type DraftResponse struct {
	DraftID  string   `json:"draft_id"`
	Identity string   `json:"identity"`
	Label    string   `json:"label"`
	Path     string   `json:"path"`
	To       string   `json:"to"`
	CC       []string `json:"cc"`
	Subject  string   `json:"subject"`
	Followup int      `json:"followup"`
	Created  string   `json:"created" format:"date-time"`
	Approved bool     `json:"approved"`
}

type InvalidDraft struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type DraftList struct {
	Items   []DraftResponse `json:"items"`
	Invalid []InvalidDraft  `json:"invalid"`
}

type PollItem struct {
	DraftID  string `json:"draft_id"`
	Identity string `json:"identity"`
	Path     string `json:"path"`
	Result   string `json:"result" enum:"waiting,sent,archived,failed,ignored,unconfirmed"`
	Reason   string `json:"reason,omitempty"`
}

type PollResponse struct {
	Items   []PollItem `json:"items"`
	Invalid int        `json:"invalid"`
}

func draftResponse(e drafts.Entry) DraftResponse {
	created := ""
	if !e.Draft.Created.IsZero() {
		created = e.Draft.Created.UTC().Format(time.RFC3339)
	}
	return DraftResponse{
		DraftID:  e.Draft.ID,
		Identity: e.Draft.Identity,
		Label:    e.Draft.Label,
		Path:     e.Path,
		To:       e.Draft.To,
		CC:       nonNilSlice(e.Draft.CC),
		Subject:  e.Draft.Subject,
		Followup: e.Draft.Followup,
		Created:  created,
		Approved: e.Approved(),
	}
}

func pollResponse(rep watcher.Report) PollResponse {
	out := PollResponse{Items: []PollItem{}, Invalid: len(rep.Invalid)}
	for _, it := range rep.Items {
		out.Items = append(out.Items, PollItem{
			DraftID:  it.DraftID,
			Identity: it.Identity,
			Path:     it.Path,
			Result:   string(it.Result),
			Reason:   it.Reason,
		})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
