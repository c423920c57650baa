package watcher

import (
	"context"
	"errors"
	"fmt"

	"leadline/internal/domain"
	"leadline/internal/drafts"
	"leadline/internal/ledger"
)

// ErrNotUnconfirmed rejects Resolve for a project with no pending send.
var ErrNotUnconfirmed = errors.New("project has no unconfirmed send")

// Resolve settles a send whose outcome is unknown. With sent set, the
// operator has confirmed delivery: the project becomes SENT and its draft is
// archived. Otherwise the marker is cleared and the next poll sends again.
func (w *Watcher) Resolve(ctx context.Context, identity string, sent bool, note string) (domain.Project, error) {
	p, err := w.Ledger.Get(ctx, identity)
	if err != nil {
		return domain.Project{}, err
	}
	if p.State != domain.StateAwaitingApproval || !p.Unconfirmed() {
		return domain.Project{}, fmt.Errorf("%s: %w", identity, ErrNotUnconfirmed)
	}
	d := drafts.Draft{ID: p.DraftID, Identity: identity}
	if !sent {
		reason := "send not delivered; retrying"
		if note != "" {
			reason = note
		}
		return w.clearSending(ctx, d, domain.ActionResolved, reason)
	}

	e, ferr := w.Drafts.Find(p.DraftID)
	if ferr == nil {
		d = e.Draft
	} else if !errors.Is(ferr, drafts.ErrNotFound) {
		return domain.Project{}, ferr
	}
	out, err := w.markSent(ctx, d, "", nil)
	if err != nil {
		return domain.Project{}, err
	}
	reason := "delivery confirmed by operator"
	if note != "" {
		reason = note
	}
	if out, err = w.Ledger.Upsert(ctx, ledger.Change{
		Identity: identity,
		State:    domain.StateSent,
		From:     []domain.State{domain.StateSent},
		Entry:    domain.HistoryEntry{Action: domain.ActionResolved, DraftID: d.ID, Reason: reason},
	}); err != nil {
		return domain.Project{}, err
	}
	if ferr == nil {
		path, err := w.Drafts.Archive(e)
		if err != nil {
			return out, fmt.Errorf("archive: %w", err)
		}
		w.recordArchived(ctx, d, path)
	}
	return out, nil
}
