package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"leadline/internal/domain"
)

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pol := Policy{FollowupInterval: 96 * time.Hour, MaxFollowups: 1}
	sent := func(ago time.Duration) *domain.Project {
		return &domain.Project{State: domain.StateSent, SentAt: now.Add(-ago).Format(time.RFC3339)}
	}

	cases := []struct {
		name string
		p    *domain.Project
		want Action
	}{
		{"absent", nil, ActionDraft},
		{"discovered", &domain.Project{State: domain.StateDiscovered}, ActionResume},
		{"drafted", &domain.Project{State: domain.StateDrafted}, ActionResume},
		{"awaiting", &domain.Project{State: domain.StateAwaitingApproval}, ActionSkip},
		{"followup due", &domain.Project{State: domain.StateFollowupDue}, ActionResume},
		{"skipped", &domain.Project{State: domain.StateSkipped}, ActionSkip},
		{"sent 3 days ago", sent(72 * time.Hour), ActionSkip},
		{"sent 5 days ago", sent(120 * time.Hour), ActionFollowup},
		{"sent exactly at interval", sent(96 * time.Hour), ActionFollowup},
		{"sent with no time", &domain.Project{State: domain.StateSent}, ActionSkip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.p, now, pol).Action)
		})
	}

	limited := sent(240 * time.Hour)
	limited.Followups = 1
	assert.Equal(t, "follow-up limit reached", Decide(limited, now, pol).Reason)

	unconfirmed := sent(240 * time.Hour)
	unconfirmed.SendingSince = now.Format(time.RFC3339)
	assert.Equal(t, ActionSkip, Decide(unconfirmed, now, pol).Action)
}

func TestDraftID(t *testing.T) {
	assert.Equal(t, "tower-a--acme", DraftID("tower-a--acme", 0))
	assert.Equal(t, "tower-a--acme.fu2", DraftID("tower-a--acme", 2))
}
