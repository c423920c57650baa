// Package watcher polls the draft store for approved drafts and sends each
// one exactly once.
//
// A send is bracketed by two ledger writes: a send_started marker before the
// transport call and the SENT transition after it. A project whose marker is
// still set after a crash is reported as unconfirmed and left for an
// operator; it is never sent again automatically.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"leadline/internal/domain"
	"leadline/internal/drafts"
	"leadline/internal/events"
	"leadline/internal/ledger"
	"leadline/internal/mail"
)

const DefaultInterval = 2 * time.Minute

type Options struct {
	Interval         time.Duration
	From             string
	FromName         string
	CC               []string
	FollowupInterval time.Duration
	MaxFollowups     int
	// SendTimeout bounds each transport call. Defaults to mail.DefaultTimeout.
	SendTimeout time.Duration
}

type Watcher struct {
	Ledger    *ledger.Ledger
	Drafts    *drafts.Store
	Transport mail.Transport
	Options   Options
	Log       zerolog.Logger
	Now       func() time.Time
}

func (w *Watcher) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// Result classifies what a poll did with one draft.
type Result string

const (
	ResultWaiting     Result = "waiting"
	ResultSent        Result = "sent"
	ResultArchived    Result = "archived"
	ResultFailed      Result = "failed"
	ResultIgnored     Result = "ignored"
	ResultUnconfirmed Result = "unconfirmed"
)

// Item is one draft handled by a poll.
type Item struct {
	DraftID  string `json:"draft_id"`
	Identity string `json:"identity"`
	Path     string `json:"path"`
	Result   Result `json:"result"`
	Reason   string `json:"reason,omitempty"`
	Err      error  `json:"-"`
}

type Report struct {
	Items   []Item           `json:"items"`
	Invalid []drafts.Invalid `json:"-"`
}

func (r Report) Count(res Result) int {
	n := 0
	for _, it := range r.Items {
		if it.Result == res {
			n++
		}
	}
	return n
}

// Run polls until ctx is cancelled. Cancellation is only observed between
// drafts and between cycles.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.Options.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.Log.Info().Dur("interval", interval).Str("root", w.Drafts.Root).Msg("watching drafts")
	for {
		rep, err := w.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			w.Log.Error().Err(err).Msg("poll failed")
		}
		if n := rep.Count(ResultSent); n > 0 {
			w.Log.Info().Int("sent", n).Msg("poll complete")
		}
		select {
		case <-ctx.Done():
			w.Log.Info().Msg("watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle over every draft in the store. Each draft is handled
// independently; a failure is recorded in its item and the cycle continues.
func (w *Watcher) Poll(ctx context.Context) (Report, error) {
	var rep Report
	entries, invalid, err := w.Drafts.Scan()
	if err != nil {
		return rep, fmt.Errorf("scan drafts: %w", err)
	}
	rep.Invalid = invalid
	for _, inv := range invalid {
		w.Log.Warn().Err(inv.Err).Str("path", inv.Path).Msg("not a draft")
	}
	// A transition that has started runs to completion even if ctx is
	// cancelled meanwhile.
	tctx := context.WithoutCancel(ctx)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.Approved() {
			rep.Items = append(rep.Items, Item{DraftID: e.Draft.ID, Identity: e.Draft.Identity, Path: e.Path, Result: ResultWaiting})
			continue
		}
		it := w.handle(tctx, e)
		w.logItem(it)
		rep.Items = append(rep.Items, it)
	}
	return rep, nil
}

func (w *Watcher) handle(ctx context.Context, e drafts.Entry) Item {
	it := Item{DraftID: e.Draft.ID, Identity: e.Draft.Identity, Path: e.Path}
	fail := func(err error) Item {
		it.Result = ResultFailed
		it.Err = err
		it.Reason = err.Error()
		return it
	}

	sent, err := w.Ledger.WasSent(ctx, e.Draft.ID)
	if err != nil {
		return fail(err)
	}
	if sent {
		path, err := w.Drafts.Archive(e)
		if err != nil {
			return fail(fmt.Errorf("archive: %w", err))
		}
		it.Path = path
		it.Result = ResultArchived
		it.Reason = "already sent"
		return it
	}

	p, err := w.Ledger.Get(ctx, e.Draft.Identity)
	if errors.Is(err, ledger.ErrNotFound) {
		it.Result = ResultIgnored
		it.Reason = "unknown identity"
		return it
	}
	if err != nil {
		return fail(err)
	}
	switch {
	case p.DraftID != e.Draft.ID:
		it.Result = ResultIgnored
		it.Reason = fmt.Sprintf("stale draft; current draft is %q", p.DraftID)
		return it
	case p.State != domain.StateAwaitingApproval:
		it.Result = ResultIgnored
		it.Reason = "project is " + string(p.State)
		return it
	case p.Unconfirmed():
		it.Result = ResultUnconfirmed
		it.Reason = "send started at " + p.SendingSince + " was never confirmed"
		return it
	}

	attempt := uuid.NewString()
	if _, err := w.markSending(ctx, e.Draft, attempt); err != nil {
		return fail(err)
	}
	msg := mail.Message{
		FromName: w.Options.FromName,
		From:     w.Options.From,
		ToName:   e.Draft.ToName,
		To:       e.Draft.To,
		CC:       append(append([]string(nil), e.Draft.CC...), w.Options.CC...),
		Subject:  e.Draft.Subject,
		Body:     e.Draft.Body,
		DraftID:  e.Draft.ID,
	}
	if err := w.send(ctx, msg); err != nil {
		if _, lerr := w.clearSending(ctx, e.Draft, domain.ActionSendFailed, err.Error()); lerr != nil {
			return fail(errors.Join(err, lerr))
		}
		return fail(err)
	}
	if _, err := w.markSent(ctx, e.Draft, attempt, mail.CCList(msg.To, msg.CC)); err != nil {
		return fail(fmt.Errorf("record send: %w", err))
	}
	it.Result = ResultSent
	path, err := w.Drafts.Archive(e)
	if err != nil {
		it.Reason = "archive failed: " + err.Error()
		return it
	}
	it.Path = path
	w.recordArchived(ctx, e.Draft, path)
	return it
}

func (w *Watcher) send(ctx context.Context, msg mail.Message) error {
	timeout := w.Options.SendTimeout
	if timeout <= 0 {
		timeout = mail.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.Transport.Send(ctx, msg)
}

func sameDraft(d drafts.Draft) func(*domain.Project, bool) error {
	return func(p *domain.Project, _ bool) error {
		if p.DraftID != d.ID {
			return fmt.Errorf("%s: draft %s is no longer current", d.Identity, d.ID)
		}
		return nil
	}
}

func (w *Watcher) markSending(ctx context.Context, d drafts.Draft, attempt string) (domain.Project, error) {
	check := sameDraft(d)
	return w.Ledger.Upsert(ctx, ledger.Change{
		Identity: d.Identity,
		State:    domain.StateAwaitingApproval,
		From:     []domain.State{domain.StateAwaitingApproval},
		Entry:    domain.HistoryEntry{Action: domain.ActionSendStarted, DraftID: d.ID, Payload: events.Payload{"attempt": attempt}},
		Apply: func(p *domain.Project, exists bool) error {
			if err := check(p, exists); err != nil {
				return err
			}
			if p.SendingSince != "" {
				return fmt.Errorf("%s: send already in progress since %s", d.Identity, p.SendingSince)
			}
			p.SendingSince = w.now().Format(time.RFC3339)
			return nil
		},
	})
}

func (w *Watcher) clearSending(ctx context.Context, d drafts.Draft, action, reason string) (domain.Project, error) {
	check := sameDraft(d)
	return w.Ledger.Upsert(ctx, ledger.Change{
		Identity: d.Identity,
		State:    domain.StateAwaitingApproval,
		From:     []domain.State{domain.StateAwaitingApproval},
		Entry:    domain.HistoryEntry{Action: action, DraftID: d.ID, Reason: reason},
		Apply: func(p *domain.Project, exists bool) error {
			if err := check(p, exists); err != nil {
				return err
			}
			p.SendingSince = ""
			return nil
		},
	})
}

func (w *Watcher) markSent(ctx context.Context, d drafts.Draft, attempt string, cc []string) (domain.Project, error) {
	check := sameDraft(d)
	now := w.now()
	return w.Ledger.Upsert(ctx, ledger.Change{
		Identity: d.Identity,
		State:    domain.StateSent,
		From:     []domain.State{domain.StateAwaitingApproval},
		Entry: domain.HistoryEntry{
			Action:  domain.ActionSent,
			DraftID: d.ID,
			Payload: events.Payload{"attempt": attempt, "to": d.To, "cc": cc, "subject": d.Subject},
		},
		Apply: func(p *domain.Project, exists bool) error {
			if err := check(p, exists); err != nil {
				return err
			}
			p.SentAt = now.Format(time.RFC3339)
			p.SendingSince = ""
			p.NextFollowupAt = ""
			if p.Followups < w.Options.MaxFollowups && w.Options.FollowupInterval > 0 {
				p.NextFollowupAt = now.Add(w.Options.FollowupInterval).Format(time.RFC3339)
			}
			return nil
		},
	})
}

// recordArchived notes the archive location. The project may already have
// moved on, in which case only the log keeps the path.
func (w *Watcher) recordArchived(ctx context.Context, d drafts.Draft, path string) {
	_, err := w.Ledger.Upsert(ctx, ledger.Change{
		Identity: d.Identity,
		State:    domain.StateSent,
		From:     []domain.State{domain.StateSent},
		Entry:    domain.HistoryEntry{Action: domain.ActionArchived, DraftID: d.ID, Payload: events.Payload{"path": path}},
	})
	if err != nil {
		w.Log.Warn().Err(err).Str("identity", d.Identity).Str("draft_id", d.ID).Str("path", path).Msg("archive not recorded")
	}
}

func (w *Watcher) logItem(it Item) {
	var ev *zerolog.Event
	switch it.Result {
	case ResultFailed:
		ev = w.Log.Error().Err(it.Err)
	case ResultIgnored, ResultUnconfirmed:
		ev = w.Log.Warn()
	default:
		ev = w.Log.Info()
	}
	ev.Str("identity", it.Identity).
		Str("draft_id", it.DraftID).
		Str("result", string(it.Result)).
		Str("reason", it.Reason).
		Msg("approved draft")
}
