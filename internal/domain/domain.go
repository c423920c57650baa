package domain

// State is a project's position in the outreach lifecycle.
type State string

const (
	StateDiscovered       State = "DISCOVERED"
	StateResearched       State = "RESEARCHED"
	StateDrafted          State = "DRAFTED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateSent             State = "SENT"
	StateFollowupDue      State = "FOLLOWUP_DUE"
	StateSkipped          State = "SKIPPED"
)

// States lists every lifecycle state in progression order.
var States = []State{
	StateDiscovered,
	StateResearched,
	StateDrafted,
	StateAwaitingApproval,
	StateSent,
	StateFollowupDue,
	StateSkipped,
}

func (s State) Valid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether a project may move from one state to another.
// The empty state stands for "no ledger record". Staying in the same state is
// allowed so that history-only entries can be recorded. SKIPPED is terminal:
// nothing leaves it.
func CanTransition(from, to State) bool {
	if from == to && from != "" {
		return true
	}
	if from == StateSkipped {
		return false
	}
	if to == StateSkipped {
		return true
	}
	switch from {
	case "":
		return to == StateDiscovered
	case StateDiscovered:
		return to == StateResearched
	case StateResearched:
		return to == StateDrafted
	case StateDrafted:
		return to == StateAwaitingApproval
	case StateAwaitingApproval:
		return to == StateSent
	case StateSent:
		return to == StateFollowupDue
	case StateFollowupDue:
		return to == StateResearched || to == StateDrafted
	}
	return false
}

type Contact struct {
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Email string   `json:"email,omitempty" yaml:"email,omitempty" validate:"omitempty,email"`
	CC    []string `json:"cc,omitempty" yaml:"cc,omitempty" validate:"omitempty,dive,email"`
	Phone string   `json:"phone,omitempty" yaml:"phone,omitempty"`
}

// Project is the ledger record for one lead.
type Project struct {
	Identity       string            `json:"identity"`
	Client         string            `json:"client"`
	Name           string            `json:"name"`
	State          State             `json:"state" enum:"DISCOVERED,RESEARCHED,DRAFTED,AWAITING_APPROVAL,SENT,FOLLOWUP_DUE,SKIPPED"`
	Contact        Contact           `json:"contact"`
	CompanyRole    string            `json:"company_role,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	DraftID        string            `json:"draft_id,omitempty"`
	DraftSeq       int               `json:"draft_seq"`
	Subject        string            `json:"subject,omitempty"`
	Followups      int               `json:"followups"`
	LastActionAt   string            `json:"last_action_at" format:"date-time"`
	NextFollowupAt string            `json:"next_followup_at,omitempty" format:"date-time"`
	SentAt         string            `json:"sent_at,omitempty" format:"date-time"`
	SendingSince   string            `json:"sending_since,omitempty" format:"date-time"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
	Version        int64             `json:"version"`
}

// Unconfirmed reports whether a send was started but never recorded as done.
func (p Project) Unconfirmed() bool {
	return p.SendingSince != ""
}

// HistoryEntry is one append-only line of a project's action log.
type HistoryEntry struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Identity string         `json:"identity"`
	Action   string         `json:"action"`
	State    State          `json:"state"`
	DraftID  string         `json:"draft_id,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// History actions written by the orchestrator, watcher and operators.
const (
	ActionDiscovered   = "discovered"
	ActionResearched   = "researched"
	ActionDrafted      = "drafted"
	ActionAwaiting     = "awaiting_approval"
	ActionDraftFailed  = "draft_failed"
	ActionSendStarted  = "send_started"
	ActionSendFailed   = "send_failed"
	ActionSent         = "sent"
	ActionArchived     = "archived"
	ActionFollowupDue  = "followup_due"
	ActionSkipped      = "skipped"
	ActionResolved     = "resolved"
	ActionNote         = "note"
	ActionResearchHold = "research_incomplete"
)
