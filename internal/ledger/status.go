package ledger

import (
	"context"
	"sort"
	"time"

	"leadline/internal/domain"
	"leadline/internal/repo"
)

// Report is the operator view of the ledger.
type Report struct {
	GeneratedAt string                  `json:"generated_at"`
	Counts      map[domain.State]int    `json:"counts"`
	Pending     []domain.Project        `json:"pending"`
	Overdue     []domain.Project        `json:"overdue"`
	Unconfirmed []domain.Project        `json:"unconfirmed"`
	Failures    map[string]FailureEntry `json:"failures,omitempty"`
}

// FailureEntry is the most recent failure recorded for an identity that has
// not moved on since.
type FailureEntry struct {
	Action string `json:"action"`
	TS     string `json:"ts"`
	Reason string `json:"reason"`
}

var pendingStates = []domain.State{
	domain.StateDiscovered,
	domain.StateResearched,
	domain.StateDrafted,
	domain.StateAwaitingApproval,
	domain.StateFollowupDue,
}

// Status lists pending work, SENT projects overdue for a follow-up and
// sends that were started but never confirmed. Projects that already had
// maxFollowups follow-ups are never overdue.
func (l *Ledger) Status(ctx context.Context, now time.Time, interval time.Duration, maxFollowups int) (Report, error) {
	counts, err := l.Repo.CountByState(ctx)
	if err != nil {
		return Report{}, err
	}
	pending, err := l.Repo.ListProjects(ctx, repo.Filter{States: pendingStates})
	if err != nil {
		return Report{}, err
	}
	due, err := l.DueForFollowup(ctx, now, interval)
	if err != nil {
		return Report{}, err
	}
	var overdue []domain.Project
	for _, p := range due {
		if p.Followups < maxFollowups {
			overdue = append(overdue, p)
		}
	}
	unconfirmed, err := l.Repo.Unconfirmed(ctx)
	if err != nil {
		return Report{}, err
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].LastActionAt < pending[j].LastActionAt })
	failures := make(map[string]FailureEntry)
	for _, p := range pending {
		hist, err := l.Repo.History(ctx, p.Identity)
		if err != nil {
			return Report{}, err
		}
		if len(hist) == 0 {
			continue
		}
		last := hist[len(hist)-1]
		if last.Action == domain.ActionDraftFailed || last.Action == domain.ActionSendFailed || last.Action == domain.ActionResearchHold {
			failures[p.Identity] = FailureEntry{Action: last.Action, TS: last.TS, Reason: last.Reason}
		}
	}
	return Report{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Counts:      counts,
		Pending:     nonNil(pending),
		Overdue:     nonNil(overdue),
		Unconfirmed: nonNil(unconfirmed),
		Failures:    failures,
	}, nil
}

func nonNil(in []domain.Project) []domain.Project {
	if in == nil {
		return []domain.Project{}
	}
	return in
}
