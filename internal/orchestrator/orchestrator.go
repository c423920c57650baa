// Package orchestrator decides, for each candidate project, whether to skip
// it, draft outreach or draft a follow-up, with the ledger as the only
// authority on what has already happened.
//
// Every step writes the ledger before the next filesystem effect, so a crash
// at any point resumes from the recorded state: a DRAFTED project gets its
// draft re-staged under the same draft id, never a second draft.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"leadline/internal/domain"
	"leadline/internal/drafts"
	"leadline/internal/events"
	"leadline/internal/fee"
	"leadline/internal/leads"
	"leadline/internal/ledger"
	"leadline/internal/proposal"
	"leadline/internal/render"
	"leadline/internal/repo"
)

// Researcher fills in contact details for a discovered candidate.
type Researcher interface {
	Research(ctx context.Context, c leads.Candidate) (leads.Candidate, error)
}

// ErrNoContact holds a project at DISCOVERED until research finds an email
// address to send to.
var ErrNoContact = errors.New("no contact email")

type Options struct {
	Policy
	PricePerVisit float64
	LineItems     []string
	Rows          []fee.Row
	Tiers         []fee.Tier
	Firm          string
	Sender        string
}

type Orchestrator struct {
	Ledger     *ledger.Ledger
	Drafts     *drafts.Store
	Renderer   render.Renderer
	Researcher Researcher
	Options    Options
	Log        zerolog.Logger
	Now        func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Outcome records what happened to one project.
type Outcome struct {
	Identity string       `json:"identity"`
	Action   Action       `json:"action"`
	State    domain.State `json:"state,omitempty"`
	DraftID  string       `json:"draft_id,omitempty"`
	Path     string       `json:"path,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Error    string       `json:"error,omitempty"`
	Err      error        `json:"-"`
}

// Report lists the outcome of every project handled by one run.
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Count returns the number of successful outcomes with the given action.
func (r Report) Count(a Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == a && o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that ended in an error.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// DraftID names the draft for a project's outreach (followup 0) or its n-th
// follow-up.
func DraftID(identity string, followup int) string {
	if followup == 0 {
		return identity
	}
	return fmt.Sprintf("%s.fu%d", identity, followup)
}

// Run handles each candidate independently. A failure for one identity is
// recorded in its outcome and never stops the others. Cancellation is only
// checked between candidates.
func (o *Orchestrator) Run(ctx context.Context, candidates []leads.Candidate) (Report, error) {
	var rep Report
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		c := candidates[i]
		out := o.handleCandidate(ctx, &c)
		o.logOutcome(out)
		rep.Outcomes = append(rep.Outcomes, out)
	}
	return rep, nil
}

// RunFollowups drafts follow-ups for every SENT project that is due and
// resumes follow-ups interrupted before reaching AWAITING_APPROVAL. It needs
// no candidate records.
func (o *Orchestrator) RunFollowups(ctx context.Context) (Report, error) {
	var rep Report
	due, err := o.Ledger.DueForFollowup(ctx, o.now(), o.Options.FollowupInterval)
	if err != nil {
		return rep, err
	}
	inflight, err := o.Ledger.List(ctx, repo.Filter{States: []domain.State{domain.StateFollowupDue, domain.StateDrafted}})
	if err != nil {
		return rep, err
	}
	for _, p := range inflight {
		if p.Followups > 0 {
			due = append(due, p)
		}
	}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p := due[i]
		out := o.handleProject(ctx, &p, nil)
		o.logOutcome(out)
		rep.Outcomes = append(rep.Outcomes, out)
	}
	return rep, nil
}

func (o *Orchestrator) handleCandidate(ctx context.Context, c *leads.Candidate) Outcome {
	id := c.Identity()
	p, err := o.Ledger.Get(ctx, id)
	switch {
	case err == nil:
		return o.handleProject(ctx, &p, c)
	case errors.Is(err, ledger.ErrNotFound):
		return o.handleProject(ctx, nil, c)
	default:
		return Outcome{Identity: id, Err: err, Error: err.Error()}
	}
}

func (o *Orchestrator) handleProject(ctx context.Context, cur *domain.Project, c *leads.Candidate) Outcome {
	d := Decide(cur, o.now(), o.Options.Policy)
	out := Outcome{Action: d.Action, Reason: d.Reason}
	var p domain.Project
	if cur != nil {
		p = *cur
		out.Identity = p.Identity
		out.State = p.State
		out.DraftID = p.DraftID
	} else {
		out.Identity = c.Identity()
	}
	fail := func(err error) Outcome {
		out.Err = err
		out.Error = err.Error()
		return out
	}

	var err error
	switch d.Action {
	case ActionSkip:
		return out
	case ActionDraft:
		if p, err = o.discover(ctx, *c); err != nil {
			return fail(err)
		}
	case ActionFollowup:
		if p, err = o.followupDue(ctx, p); err != nil {
			return fail(err)
		}
	}
	p, path, err := o.advance(ctx, p, c)
	out.State = p.State
	out.DraftID = p.DraftID
	out.Path = path
	if err != nil {
		return fail(err)
	}
	return out
}

// advance walks a project forward until it is AWAITING_APPROVAL. On error
// the last recorded state of the project is returned.
func (o *Orchestrator) advance(ctx context.Context, p domain.Project, c *leads.Candidate) (domain.Project, string, error) {
	for {
		var (
			next domain.Project
			err  error
		)
		switch p.State {
		case domain.StateDiscovered:
			if c == nil {
				return p, "", errors.New("candidate record required to research a discovered project")
			}
			next, err = o.research(ctx, p, c)
		case domain.StateResearched, domain.StateFollowupDue:
			var dr drafts.Draft
			if dr, err = o.compose(ctx, p, c); err != nil {
				return p, "", err
			}
			if next, err = o.markDrafted(ctx, p, dr); err != nil {
				return p, "", err
			}
			return o.publish(ctx, next, &dr, c)
		case domain.StateDrafted:
			return o.publish(ctx, p, nil, c)
		default:
			return p, "", nil
		}
		if err != nil {
			return p, "", err
		}
		p = next
	}
}

func (o *Orchestrator) discover(ctx context.Context, c leads.Candidate) (domain.Project, error) {
	return o.Ledger.Upsert(ctx, ledger.Change{
		Identity: c.Identity(),
		State:    domain.StateDiscovered,
		From:     []domain.State{""},
		Entry:    domain.HistoryEntry{Action: domain.ActionDiscovered},
		Apply: func(p *domain.Project, _ bool) error {
			p.Client = c.Client
			p.Name = c.Project
			applyCandidate(p, c)
			return nil
		},
	})
}

func (o *Orchestrator) research(ctx context.Context, p domain.Project, c *leads.Candidate) (domain.Project, error) {
	if o.Researcher != nil {
		enriched, err := o.Researcher.Research(ctx, *c)
		if err != nil {
			o.recordFailure(ctx, p, domain.ActionResearchHold, err)
			return p, fmt.Errorf("research: %w", err)
		}
		*c = enriched
	}
	if c.Contact.Email == "" {
		o.recordFailure(ctx, p, domain.ActionResearchHold, ErrNoContact)
		return p, ErrNoContact
	}
	return o.Ledger.Upsert(ctx, ledger.Change{
		Identity: p.Identity,
		State:    domain.StateResearched,
		From:     []domain.State{domain.StateDiscovered},
		Entry:    domain.HistoryEntry{Action: domain.ActionResearched, Payload: events.Payload{"contact": c.Contact.Email}},
		Apply: func(np *domain.Project, _ bool) error {
			applyCandidate(np, *c)
			return nil
		},
	})
}

func applyCandidate(p *domain.Project, c leads.Candidate) {
	if c.Contact.Email != "" || p.Contact.Email == "" {
		p.Contact = c.Contact
	}
	if c.CompanyRole != "" {
		p.CompanyRole = c.CompanyRole
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	for k, v := range c.Metadata {
		p.Metadata[k] = v
	}
	if c.Address != "" {
		p.Metadata["address"] = c.Address
	}
}

// followupDue re-enters a SENT project into the pipeline for its next
// follow-up.
func (o *Orchestrator) followupDue(ctx context.Context, p domain.Project) (domain.Project, error) {
	n := p.Followups + 1
	return o.Ledger.Upsert(ctx, ledger.Change{
		Identity: p.Identity,
		State:    domain.StateFollowupDue,
		From:     []domain.State{domain.StateSent},
		Entry:    domain.HistoryEntry{Action: domain.ActionFollowupDue, Reason: "no reply since " + p.SentAt, Payload: events.Payload{"followup": n}},
		Apply: func(np *domain.Project, _ bool) error {
			np.Followups = n
			np.NextFollowupAt = ""
			return nil
		},
	})
}

func (o *Orchestrator) markDrafted(ctx context.Context, p domain.Project, dr drafts.Draft) (domain.Project, error) {
	return o.Ledger.Upsert(ctx, ledger.Change{
		Identity: p.Identity,
		State:    domain.StateDrafted,
		From:     []domain.State{p.State},
		Entry: domain.HistoryEntry{
			Action:  domain.ActionDrafted,
			DraftID: dr.ID,
			Payload: events.Payload{"subject": dr.Subject, "followup": dr.Followup},
		},
		Apply: func(np *domain.Project, _ bool) error {
			if np.Followups != dr.Followup {
				return fmt.Errorf("%s: follow-up count changed to %d", p.Identity, np.Followups)
			}
			np.DraftID = dr.ID
			np.DraftSeq = dr.Followup
			np.Subject = dr.Subject
			np.SendingSince = ""
			return nil
		},
	})
}

// publish stages the draft and moves the project to AWAITING_APPROVAL. With
// a nil draft it resumes a DRAFTED project: an artifact already staged under
// the draft id is reused, otherwise the draft is composed again.
func (o *Orchestrator) publish(ctx context.Context, p domain.Project, dr *drafts.Draft, c *leads.Candidate) (domain.Project, string, error) {
	var (
		path string
		err  error
	)
	if dr == nil {
		if e, ferr := o.Drafts.Find(p.DraftID); ferr == nil {
			path = e.Path
		} else if !errors.Is(ferr, drafts.ErrNotFound) {
			return p, "", ferr
		} else {
			composed, cerr := o.compose(ctx, p, c)
			if cerr != nil {
				return p, "", cerr
			}
			dr = &composed
		}
	}
	if dr != nil {
		// Write checks for an existing artifact again; under the lock that
		// check also covers another run resuming the same project.
		err = o.Ledger.Exclusive(ctx, func() error {
			var werr error
			path, werr = o.Drafts.Write(*dr)
			return werr
		})
		if err != nil {
			return p, "", fmt.Errorf("stage draft: %w", err)
		}
	}
	next, err := o.Ledger.Upsert(ctx, ledger.Change{
		Identity: p.Identity,
		State:    domain.StateAwaitingApproval,
		From:     []domain.State{domain.StateDrafted},
		Entry:    domain.HistoryEntry{Action: domain.ActionAwaiting, DraftID: p.DraftID, Payload: events.Payload{"path": path}},
	})
	var te ledger.TransitionError
	if errors.As(err, &te) {
		// Another run published the same draft first.
		if cur, gerr := o.Ledger.Get(ctx, p.Identity); gerr == nil &&
			cur.State == domain.StateAwaitingApproval && cur.DraftID == p.DraftID {
			return cur, path, nil
		}
	}
	if err != nil {
		return p, path, err
	}
	return next, path, nil
}

// compose renders the draft for p. The outreach draft needs the candidate
// record for its fee table; follow-ups only use the ledger record. When
// the candidate is missing for an outreach resume, the error asks for one.
func (o *Orchestrator) compose(ctx context.Context, p domain.Project, c *leads.Candidate) (drafts.Draft, error) {
	dr, err := o.composeDraft(p, c)
	if err != nil {
		o.recordFailure(ctx, p, domain.ActionDraftFailed, err)
	}
	return dr, err
}

func (o *Orchestrator) composeDraft(p domain.Project, c *leads.Candidate) (drafts.Draft, error) {
	if p.Contact.Email == "" {
		return drafts.Draft{}, ErrNoContact
	}
	id := DraftID(p.Identity, p.Followups)
	if p.State == domain.StateDrafted && p.DraftID != "" {
		id = p.DraftID
	}
	label := oneLine(p.Name)
	if p.Contact.Name != "" {
		label += " - " + oneLine(p.Contact.Name)
	}

	var (
		doc render.Document
		err error
	)
	if p.Followups > 0 {
		label = fmt.Sprintf("%s - follow-up %d", label, p.Followups)
		doc, err = o.Renderer.Render(render.Followup, singleLine(map[string]any{
			"OriginalSubject": p.Subject,
			"ContactName":     p.Contact.Name,
			"Project":         p.Name,
			"Firm":            o.Options.Firm,
			"Sender":          o.Options.Sender,
		}))
	} else {
		if c == nil {
			return drafts.Draft{}, errors.New("candidate record required to draft outreach")
		}
		var prop proposal.Proposal
		prop, err = o.proposal(*c)
		if err != nil {
			return drafts.Draft{}, err
		}
		if prop.Advice != "" {
			o.Log.Warn().Str("identity", p.Identity).Str("tier", c.Tier).Msg(prop.Advice)
		}
		fields := prop.Fields(o.Options.Firm)
		fields["ContactName"] = p.Contact.Name
		fields["CompanyRole"] = p.CompanyRole
		fields["Sender"] = o.Options.Sender
		doc, err = o.Renderer.Render(render.Outreach, singleLine(fields))
	}
	if err != nil {
		return drafts.Draft{}, err
	}
	return drafts.Draft{
		ID:       id,
		Identity: p.Identity,
		Label:    label,
		ToName:   oneLine(p.Contact.Name),
		To:       p.Contact.Email,
		CC:       p.Contact.CC,
		Subject:  doc.Subject,
		Created:  o.now(),
		Followup: p.Followups,
		Body:     doc.Body,
	}, nil
}

// lineFields are the scraped values rendered inline. A line break in one
// of them could add a line of its own to the draft body.
var lineFields = []string{
	"Client", "ClientFull", "Project", "Address", "Attention", "ClientEmail",
	"ContactName", "CompanyRole", "OriginalSubject",
}

func singleLine(fields map[string]any) map[string]any {
	for _, k := range lineFields {
		if v, ok := fields[k].(string); ok {
			fields[k] = oneLine(v)
		}
	}
	return fields
}

func oneLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Join(strings.Fields(s), " ")
}

// proposal builds the fee table for a candidate. Candidate rows and price
// take precedence over the configured defaults; a tier without a price
// suggests its lower bound.
func (o *Orchestrator) proposal(c leads.Candidate) (proposal.Proposal, error) {
	price := c.PricePerVisit
	if price == 0 {
		def := fee.Dollars(o.Options.PricePerVisit)
		price = fee.Suggest(o.Options.Tiers, c.Tier, def).Float()
	}
	rows := c.FeeRows
	if len(rows) == 0 {
		rows = o.Options.Rows
	}
	def := proposal.Definition{
		ClientShort:    c.Client,
		ClientFull:     c.ClientFull,
		Attention:      c.Contact.Name,
		ClientEmail:    c.Contact.Email,
		ProjectName:    c.Project,
		ProjectAddress: c.Address,
		PricePerVisit:  price,
		Tier:           c.Tier,
		Scope:          c.Scope,
		Rows:           rows,
		LineItems:      o.Options.LineItems,
	}
	return proposal.Build(def, o.Options.Tiers, o.now())
}

// recordFailure appends a history-only entry so the failure shows up in
// status output. The project keeps its state and is retried on the next run.
func (o *Orchestrator) recordFailure(ctx context.Context, p domain.Project, action string, cause error) {
	payload := events.Payload{}
	var (
		ve fee.ValidationError
		ue fee.UnmatchedRowError
	)
	switch {
	case errors.As(cause, &ve):
		payload["kind"] = "validation"
		payload["field"] = ve.Field
	case errors.As(cause, &ue):
		payload["kind"] = "unmatched_row"
		payload["keyword"] = ue.Keyword
	}
	_, err := o.Ledger.Upsert(ctx, ledger.Change{
		Identity: p.Identity,
		State:    p.State,
		From:     []domain.State{p.State},
		Entry:    domain.HistoryEntry{Action: action, Reason: cause.Error(), Payload: payload},
	})
	if err != nil {
		o.Log.Error().Err(err).Str("identity", p.Identity).Msg("record failure")
	}
}

// Skip excludes identity permanently. An identity the ledger has never seen
// gets a SKIPPED record so later discovery ignores it.
func (o *Orchestrator) Skip(ctx context.Context, identity, reason string) (domain.Project, error) {
	return o.Ledger.Upsert(ctx, ledger.Change{
		Identity: identity,
		State:    domain.StateSkipped,
		Entry:    domain.HistoryEntry{Action: domain.ActionSkipped, Reason: reason},
		Apply: func(p *domain.Project, exists bool) error {
			if !exists {
				p.Name = identity
			}
			p.NextFollowupAt = ""
			return nil
		},
	})
}

// Note appends an operator note without changing state.
func (o *Orchestrator) Note(ctx context.Context, identity, text string) (domain.Project, error) {
	p, err := o.Ledger.Get(ctx, identity)
	if err != nil {
		return domain.Project{}, err
	}
	return o.Ledger.Upsert(ctx, ledger.Change{
		Identity: identity,
		State:    p.State,
		From:     []domain.State{p.State},
		Entry:    domain.HistoryEntry{Action: domain.ActionNote, Reason: text},
	})
}

func (o *Orchestrator) logOutcome(out Outcome) {
	if out.Err != nil {
		o.Log.Error().Err(out.Err).
			Str("identity", out.Identity).
			Str("action", string(out.Action)).
			Str("state", string(out.State)).
			Msg("project not advanced")
		return
	}
	ev := o.Log.Info()
	if out.Action == ActionSkip {
		ev = o.Log.Debug()
	}
	ev.Str("identity", out.Identity).
		Str("action", string(out.Action)).
		Str("state", string(out.State)).
		Str("draft_id", out.DraftID).
		Str("reason", out.Reason).
		Msg("project handled")
}
