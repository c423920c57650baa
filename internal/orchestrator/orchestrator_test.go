package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/drafts"
	"leadline/internal/fee"
	"leadline/internal/leads"
	"leadline/internal/ledger"
	"leadline/internal/mail"
	"leadline/internal/migrate"
	"leadline/internal/orchestrator"
	"leadline/internal/proposal"
	"leadline/internal/render"
	"leadline/internal/watcher"
)

const day = 24 * time.Hour

type testEnv struct {
	Orch   *orchestrator.Orchestrator
	Ledger *ledger.Ledger
	Store  *drafts.Store
	Ctx    context.Context
	Now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	env := &testEnv{Ctx: ctx, Now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.Now }
	env.Ledger = ledger.New(conn, filepath.Join(dir, "ledger.lock"))
	env.Ledger.Now = clock
	env.Store = drafts.New(afero.NewMemMapFs(), "/pending", "Outbound", "/sent")
	env.Orch = &orchestrator.Orchestrator{
		Ledger:   env.Ledger,
		Drafts:   env.Store,
		Renderer: render.Templates{},
		Options: orchestrator.Options{
			Policy:        orchestrator.Policy{FollowupInterval: 4 * day, MaxFollowups: 1},
			PricePerVisit: 350,
			LineItems:     proposal.DefaultLineItems,
			Rows:          []fee.Row{{Keyword: "final", Visits: 1}},
			Tiers:         fee.DefaultTiers(),
			Firm:          "Building Code Consulting LLC",
			Sender:        "Yuan Cao",
		},
		Log: zerolog.Nop(),
		Now: clock,
	}
	return env
}

func candidate() leads.Candidate {
	return leads.Candidate{
		Client:      "HITT",
		Project:     "St. Joseph's",
		Address:     "313 2nd St NE",
		Contact:     domain.Contact{Name: "Sam Lee", Email: "sam@hitt.test"},
		CompanyRole: "General Contractor",
		FeeRows: []fee.Row{
			{Keyword: "underground", Visits: 2},
			{Keyword: "rough-in", Visits: 3},
			{Keyword: "final", Visits: 1},
		},
	}
}

func (env *testEnv) drafts(t *testing.T) []drafts.Entry {
	t.Helper()
	entries, invalid, err := env.Store.Scan()
	require.NoError(t, err)
	require.Empty(t, invalid)
	return entries
}

func (env *testEnv) actions(t *testing.T, identity string) []string {
	t.Helper()
	hist, err := env.Ledger.History(env.Ctx, identity)
	require.NoError(t, err)
	out := make([]string, len(hist))
	for i, h := range hist {
		out[i] = h.Action
	}
	return out
}

// markSent records a completed send the way the approval watcher does.
func (env *testEnv) markSent(t *testing.T, identity string) {
	t.Helper()
	_, err := env.Ledger.Upsert(env.Ctx, ledger.Change{
		Identity: identity,
		State:    domain.StateSent,
		Entry:    domain.HistoryEntry{Action: domain.ActionSent},
		Apply: func(p *domain.Project, _ bool) error {
			p.SentAt = env.Now.UTC().Format(time.RFC3339)
			return nil
		},
	})
	require.NoError(t, err)
}

func TestNewCandidateIsDraftedForApproval(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	out := rep.Outcomes[0]
	require.NoError(t, out.Err)
	assert.Equal(t, orchestrator.ActionDraft, out.Action)
	assert.Equal(t, domain.StateAwaitingApproval, out.State)
	assert.Equal(t, c.Identity(), out.DraftID)

	entries := env.drafts(t)
	require.Len(t, entries, 1)
	d := entries[0].Draft
	assert.False(t, entries[0].Approved())
	assert.Equal(t, c.Identity(), d.ID)
	assert.Equal(t, "sam@hitt.test", d.To)
	assert.Equal(t, "Third-Party Inspection Services for St. Joseph's | Building Code Consulting LLC", d.Subject)
	assert.Contains(t, d.Body, "Estimated total: 6 visits, $2,100")
	assert.Contains(t, d.Body, "Hi Sam,")

	assert.Equal(t, []string{"discovered", "researched", "drafted", "awaiting_approval"}, env.actions(t, c.Identity()))
	p, err := env.Ledger.Get(env.Ctx, c.Identity())
	require.NoError(t, err)
	assert.Equal(t, d.Subject, p.Subject)
	assert.Equal(t, "313 2nd St NE", p.Metadata["address"])
}

func TestRerunWhileAwaitingApprovalDoesNotRedraft(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	_, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	before := env.actions(t, c.Identity())

	env.Now = env.Now.Add(time.Hour)
	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{c, c})
	require.NoError(t, err)
	for _, out := range rep.Outcomes {
		assert.Equal(t, orchestrator.ActionSkip, out.Action)
		assert.Equal(t, "already awaiting approval", out.Reason)
	}
	assert.Len(t, env.drafts(t), 1)
	assert.Equal(t, before, env.actions(t, c.Identity()))
}

func TestFollowupAfterInterval(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	id := c.Identity()
	_, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	env.markSent(t, id)
	sentAt := env.Now

	env.Now = sentAt.Add(3 * day)
	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActionSkip, rep.Outcomes[0].Action)
	assert.Equal(t, "follow-up not due", rep.Outcomes[0].Reason)
	assert.Len(t, env.drafts(t), 1)

	env.Now = sentAt.Add(5 * day)
	rep, err = env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	out := rep.Outcomes[0]
	require.NoError(t, out.Err)
	assert.Equal(t, orchestrator.ActionFollowup, out.Action)
	assert.Equal(t, id+".fu1", out.DraftID)
	assert.NotEqual(t, id, out.DraftID)

	fu, err := env.Store.Find(id + ".fu1")
	require.NoError(t, err)
	assert.Equal(t, 1, fu.Draft.Followup)
	assert.True(t, strings.HasPrefix(fu.Draft.Subject, "Re: Third-Party Inspection Services"))
	assert.Len(t, env.drafts(t), 2)

	p, err := env.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingApproval, p.State)
	assert.Equal(t, 1, p.Followups)

	env.markSent(t, id)
	env.Now = env.Now.Add(10 * day)
	rep, err = env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, "follow-up limit reached", rep.Outcomes[0].Reason)
	assert.Len(t, env.drafts(t), 2)
}

func TestRunFollowupsWithoutCandidates(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	_, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	env.markSent(t, c.Identity())

	env.Now = env.Now.Add(5 * day)
	rep, err := env.Orch.RunFollowups(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	require.NoError(t, rep.Outcomes[0].Err)
	assert.Equal(t, 1, rep.Count(orchestrator.ActionFollowup))

	rep, err = env.Orch.RunFollowups(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Outcomes)
}

func TestDraftedProjectResumesWithSameDraftID(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	id := c.Identity()
	for _, st := range []struct {
		state  domain.State
		action string
	}{
		{domain.StateDiscovered, domain.ActionDiscovered},
		{domain.StateResearched, domain.ActionResearched},
		{domain.StateDrafted, domain.ActionDrafted},
	} {
		_, err := env.Ledger.Upsert(env.Ctx, ledger.Change{
			Identity: id,
			State:    st.state,
			Entry:    domain.HistoryEntry{Action: st.action},
			Apply: func(p *domain.Project, _ bool) error {
				p.Client, p.Name = c.Client, c.Project
				p.Contact = c.Contact
				if st.state == domain.StateDrafted {
					p.DraftID = id
				}
				return nil
			},
		})
		require.NoError(t, err)
	}

	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	out := rep.Outcomes[0]
	require.NoError(t, out.Err)
	assert.Equal(t, orchestrator.ActionResume, out.Action)
	assert.Equal(t, domain.StateAwaitingApproval, out.State)
	entries := env.drafts(t)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Draft.ID)
	assert.Equal(t, []string{"discovered", "researched", "drafted", "awaiting_approval"}, env.actions(t, id))
}

func TestDraftedProjectReusesStagedArtifact(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	id := c.Identity()
	for _, st := range []domain.State{domain.StateDiscovered, domain.StateResearched, domain.StateDrafted} {
		_, err := env.Ledger.Upsert(env.Ctx, ledger.Change{
			Identity: id,
			State:    st,
			Entry:    domain.HistoryEntry{Action: domain.ActionNote},
			Apply: func(p *domain.Project, _ bool) error {
				p.DraftID = id
				return nil
			},
		})
		require.NoError(t, err)
	}
	staged, err := env.Store.Write(drafts.Draft{ID: id, Identity: id, Label: "staged", To: "sam@hitt.test", Subject: "s", Body: "b"})
	require.NoError(t, err)

	rep, err := env.Orch.RunFollowups(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Outcomes, "outreach resumes need the candidate run")

	rep, err = env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	require.NoError(t, rep.Outcomes[0].Err)
	assert.Equal(t, staged, rep.Outcomes[0].Path)
	assert.Len(t, env.drafts(t), 1)
}

func TestSkippedProjectsAreNeverDrafted(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	_, err := env.Orch.Skip(env.Ctx, c.Identity(), "client replied by phone")
	require.NoError(t, err)

	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActionSkip, rep.Outcomes[0].Action)
	assert.Equal(t, "skipped permanently", rep.Outcomes[0].Reason)
	assert.Empty(t, env.drafts(t))

	p, err := env.Orch.Skip(env.Ctx, c.Identity(), "replied")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSkipped, p.State)
	_, err = env.Orch.Note(env.Ctx, c.Identity(), "asked to call back in the spring")
	require.NoError(t, err)
	assert.Equal(t, []string{"skipped", "skipped", "note"}, env.actions(t, c.Identity()))

	rep, err = env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActionSkip, rep.Outcomes[0].Action)
	assert.Empty(t, env.drafts(t))
}

func TestFailuresAreIsolatedPerIdentity(t *testing.T) {
	env := newTestEnv(t)
	bad := candidate()
	bad.Project = "Roof Job"
	bad.FeeRows = []fee.Row{{Keyword: "roof", Visits: 2}}
	negative := candidate()
	negative.Project = "Negative Job"
	negative.FeeRows = []fee.Row{{Keyword: "final", Visits: -1}}
	good := candidate()

	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{bad, negative, good})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 3)

	var ue fee.UnmatchedRowError
	require.True(t, errors.As(rep.Outcomes[0].Err, &ue))
	assert.Equal(t, domain.StateResearched, rep.Outcomes[0].State)
	var ve fee.ValidationError
	require.True(t, errors.As(rep.Outcomes[1].Err, &ve))
	require.NoError(t, rep.Outcomes[2].Err)
	assert.Len(t, rep.Failed(), 2)

	acts := env.actions(t, bad.Identity())
	assert.Equal(t, domain.ActionDraftFailed, acts[len(acts)-1])
	entries := env.drafts(t)
	require.Len(t, entries, 1)
	assert.Equal(t, good.Identity(), entries[0].Draft.ID)

	report, err := env.Ledger.Status(env.Ctx, env.Now, 4*day, 1)
	require.NoError(t, err)
	assert.Contains(t, report.Failures, bad.Identity())
	assert.Contains(t, report.Failures, negative.Identity())

	bad.FeeRows = []fee.Row{{Keyword: "above", Visits: 2}}
	rep, err = env.Orch.Run(env.Ctx, []leads.Candidate{bad})
	require.NoError(t, err)
	require.NoError(t, rep.Outcomes[0].Err)
	assert.Equal(t, orchestrator.ActionResume, rep.Outcomes[0].Action)
}

type fakeResearcher struct {
	email string
	calls int
}

func (f *fakeResearcher) Research(_ context.Context, c leads.Candidate) (leads.Candidate, error) {
	f.calls++
	if f.email == "" {
		return c, errors.New("no result")
	}
	c.Contact.Email = f.email
	return c, nil
}

func TestMissingContactHoldsAtDiscovered(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	c.Contact.Email = ""

	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	require.ErrorIs(t, rep.Outcomes[0].Err, orchestrator.ErrNoContact)
	assert.Equal(t, domain.StateDiscovered, rep.Outcomes[0].State)

	r := &fakeResearcher{}
	env.Orch.Researcher = r
	rep, err = env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	require.Error(t, rep.Outcomes[0].Err)

	r.email = "found@hitt.test"
	rep, err = env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	require.NoError(t, rep.Outcomes[0].Err)
	assert.Equal(t, 2, r.calls)
	p, err := env.Ledger.Get(env.Ctx, c.Identity())
	require.NoError(t, err)
	assert.Equal(t, "found@hitt.test", p.Contact.Email)
	assert.Equal(t, []string{"discovered", "research_incomplete", "research_incomplete", "researched", "drafted", "awaiting_approval"}, env.actions(t, c.Identity()))
}

func TestRunStopsBetweenCandidatesWhenCancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	rep, err := env.Orch.Run(ctx, []leads.Candidate{candidate()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.Outcomes)
}

func TestNote(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orch.Note(env.Ctx, "nobody", "hello")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	c := candidate()
	_, err = env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	p, err := env.Orch.Note(env.Ctx, c.Identity(), "called the site office")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingApproval, p.State)
}

type countingTransport struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (c *countingTransport) Send(_ context.Context, m mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func TestScrapedFieldsCannotApproveADraft(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	c.Address = "313 2nd St NE\nAPPROVED\n"
	c.CompanyRole = "General Contractor\r\napproved"
	c.Contact.Name = "Sam Lee\nApproved"

	rep, err := env.Orch.Run(env.Ctx, []leads.Candidate{c})
	require.NoError(t, err)
	require.NoError(t, rep.Outcomes[0].Err)
	entries := env.drafts(t)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Approved())
	assert.Equal(t, "Sam Lee Approved", entries[0].Draft.ToName)
	assert.Contains(t, entries[0].Draft.Body, "at 313 2nd St NE APPROVED and wanted")
	for _, line := range strings.Split(entries[0].Draft.Body, "\n") {
		assert.False(t, drafts.IsMarker(line), "line %q", line)
	}

	tr := &countingTransport{}
	w := &watcher.Watcher{
		Ledger:    env.Ledger,
		Drafts:    env.Store,
		Transport: tr,
		Options:   watcher.Options{From: "ycao@bcc.test"},
		Log:       zerolog.Nop(),
		Now:       env.Orch.Now,
	}
	prep, err := w.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, prep.Count(watcher.ResultWaiting))
	assert.Empty(t, tr.sent)
}

func TestConcurrentResumeStagesOneArtifact(t *testing.T) {
	env := newTestEnv(t)
	c := candidate()
	id := c.Identity()
	for _, st := range []domain.State{domain.StateDiscovered, domain.StateResearched, domain.StateDrafted} {
		_, err := env.Ledger.Upsert(env.Ctx, ledger.Change{
			Identity: id,
			State:    st,
			Entry:    domain.HistoryEntry{Action: domain.ActionNote},
			Apply: func(p *domain.Project, _ bool) error {
				p.Client, p.Name = c.Client, c.Project
				p.Contact = c.Contact
				p.DraftID = id
				return nil
			},
		})
		require.NoError(t, err)
	}

	later := *env.Orch
	later.Now = func() time.Time { return env.Now.Add(time.Minute) }
	runs := []*orchestrator.Orchestrator{env.Orch, &later}
	reports := make([]orchestrator.Report, len(runs))
	var wg sync.WaitGroup
	for i, o := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := o.Run(env.Ctx, []leads.Candidate{c})
			assert.NoError(t, err)
			reports[i] = rep
		}()
	}
	wg.Wait()

	for _, rep := range reports {
		require.Len(t, rep.Outcomes, 1)
		out := rep.Outcomes[0]
		if out.Action == orchestrator.ActionResume {
			assert.NoError(t, out.Err)
			assert.Equal(t, domain.StateAwaitingApproval, out.State)
		}
	}
	entries := env.drafts(t)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Draft.ID)
	p, err := env.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingApproval, p.State)
}
