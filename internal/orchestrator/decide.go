package orchestrator

import (
	"time"

	"leadline/internal/domain"
)

// Action is what the orchestrator does for one project on one run.
type Action string

const (
	// ActionDraft starts the pipeline for a project the ledger has not seen.
	ActionDraft Action = "draft"
	// ActionResume continues a pipeline interrupted before AWAITING_APPROVAL.
	ActionResume   Action = "resume"
	ActionFollowup Action = "followup"
	ActionSkip     Action = "skip"
)

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Reason string
}

// Policy holds the follow-up settings Decide needs.
type Policy struct {
	FollowupInterval time.Duration
	MaxFollowups     int
}

// Decide applies the lifecycle decision table to a ledger record. A nil
// project means the ledger has no record for the identity.
func Decide(p *domain.Project, now time.Time, pol Policy) Decision {
	if p == nil {
		return Decision{Action: ActionDraft}
	}
	switch p.State {
	case domain.StateDiscovered, domain.StateResearched, domain.StateDrafted, domain.StateFollowupDue:
		return Decision{Action: ActionResume, Reason: "resuming from " + string(p.State)}
	case domain.StateAwaitingApproval:
		return Decision{Action: ActionSkip, Reason: "already awaiting approval"}
	case domain.StateSkipped:
		return Decision{Action: ActionSkip, Reason: "skipped permanently"}
	case domain.StateSent:
		if p.Unconfirmed() {
			return Decision{Action: ActionSkip, Reason: "send not confirmed"}
		}
		if p.Followups >= pol.MaxFollowups {
			return Decision{Action: ActionSkip, Reason: "follow-up limit reached"}
		}
		sent, err := time.Parse(time.RFC3339, p.SentAt)
		if err != nil {
			return Decision{Action: ActionSkip, Reason: "sent without a send time"}
		}
		if now.Sub(sent) < pol.FollowupInterval {
			return Decision{Action: ActionSkip, Reason: "follow-up not due"}
		}
		return Decision{Action: ActionFollowup}
	}
	return Decision{Action: ActionSkip, Reason: "unknown state " + string(p.State)}
}
