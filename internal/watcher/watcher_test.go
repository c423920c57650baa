package watcher_test

import (
	"context"
	"errors"
	"path/filepath"
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
	"leadline/internal/ledger"
	"leadline/internal/mail"
	"leadline/internal/migrate"
	"leadline/internal/watcher"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []mail.Message
	// failFor fails sends to these recipients.
	failFor map[string]error
}

func (f *fakeTransport) Send(_ context.Context, m mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[m.To]; err != nil {
		return mail.TransportError{DraftID: m.DraftID, Err: err}
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testEnv struct {
	Watcher   *watcher.Watcher
	Ledger    *ledger.Ledger
	Store     *drafts.Store
	Transport *fakeTransport
	Fs        afero.Fs
	Ctx       context.Context
	Now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	env := &testEnv{Ctx: ctx, Now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Fs: afero.NewMemMapFs()}
	clock := func() time.Time { return env.Now }
	env.Ledger = ledger.New(conn, filepath.Join(dir, "ledger.lock"))
	env.Ledger.Now = clock
	env.Store = drafts.New(env.Fs, "/pending", "Outbound", "/sent")
	env.Transport = &fakeTransport{failFor: map[string]error{}}
	env.Watcher = &watcher.Watcher{
		Ledger:    env.Ledger,
		Drafts:    env.Store,
		Transport: env.Transport,
		Options: watcher.Options{
			Interval:         10 * time.Millisecond,
			From:             "ycao@bcc.test",
			FromName:         "Yuan Cao",
			CC:               []string{"office@bcc.test"},
			FollowupInterval: 96 * time.Hour,
			MaxFollowups:     1,
		},
		Log: zerolog.Nop(),
		Now: clock,
	}
	return env
}

// stage records identity as AWAITING_APPROVAL and writes its draft.
func (env *testEnv) stage(t *testing.T, identity, to string) drafts.Entry {
	t.Helper()
	steps := []struct {
		state  domain.State
		action string
	}{
		{domain.StateDiscovered, domain.ActionDiscovered},
		{domain.StateResearched, domain.ActionResearched},
		{domain.StateDrafted, domain.ActionDrafted},
		{domain.StateAwaitingApproval, domain.ActionAwaiting},
	}
	for _, st := range steps {
		_, err := env.Ledger.Upsert(env.Ctx, ledger.Change{
			Identity: identity,
			State:    st.state,
			Entry:    domain.HistoryEntry{Action: st.action},
			Apply: func(p *domain.Project, _ bool) error {
				p.Name = identity
				p.Contact = domain.Contact{Name: "Jane Roe", Email: to}
				p.DraftID = identity
				return nil
			},
		})
		require.NoError(t, err)
	}
	path, err := env.Store.Write(drafts.Draft{
		ID:       identity,
		Identity: identity,
		Label:    identity + " - Jane Roe",
		ToName:   "Jane Roe",
		To:       to,
		CC:       []string{"pm@acme.test"},
		Subject:  "Third-Party Inspection Services for " + identity,
		Created:  env.Now,
		Body:     "Hi Jane,\n\nWe would like to help.",
	})
	require.NoError(t, err)
	e, err := env.Store.Find(identity)
	require.NoError(t, err)
	require.Equal(t, path, e.Path)
	return e
}

func (env *testEnv) approve(t *testing.T, id string) drafts.Entry {
	t.Helper()
	e, err := env.Store.Approve(id)
	require.NoError(t, err)
	return e
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

func TestUnapprovedDraftIsNeverSent(t *testing.T) {
	env := newTestEnv(t)
	env.stage(t, "tower-a--acme", "jane@acme.test")
	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(watcher.ResultWaiting))
	assert.Zero(t, env.Transport.count())
}

func TestApprovedDraftIsSentOnceAndArchived(t *testing.T) {
	env := newTestEnv(t)
	id := "tower-a--acme"
	env.stage(t, id, "jane@acme.test")
	env.approve(t, id)

	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, watcher.ResultSent, rep.Items[0].Result)
	require.Equal(t, 1, env.Transport.count())
	msg := env.Transport.sent[0]
	assert.Equal(t, "jane@acme.test", msg.To)
	assert.Equal(t, "ycao@bcc.test", msg.From)
	assert.Equal(t, []string{"pm@acme.test", "office@bcc.test"}, msg.CC)
	assert.Equal(t, id, msg.DraftID)

	assert.Equal(t, "/sent", filepath.Dir(rep.Items[0].Path))
	exists, err := afero.Exists(env.Fs, rep.Items[0].Path)
	require.NoError(t, err)
	assert.True(t, exists)

	p, err := env.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, p.State)
	assert.Equal(t, env.Now.Format(time.RFC3339), p.SentAt)
	assert.Equal(t, env.Now.Add(96*time.Hour).Format(time.RFC3339), p.NextFollowupAt)
	assert.False(t, p.Unconfirmed())
	assert.Equal(t, []string{"discovered", "researched", "drafted", "awaiting_approval", "send_started", "sent", "archived"}, env.actions(t, id))

	rep, err = env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Items)
	assert.Equal(t, 1, env.Transport.count())
}

func TestMarkerLineApproves(t *testing.T) {
	env := newTestEnv(t)
	id := "tower-b--acme"
	e := env.stage(t, id, "jane@acme.test")
	data, err := afero.ReadFile(env.Fs, e.Path)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(env.Fs, e.Path, append(data, []byte("\nAPPROVED\n")...), 0o644))

	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(watcher.ResultSent))
	require.Equal(t, 1, env.Transport.count())
	assert.NotContains(t, env.Transport.sent[0].Body, "APPROVED")
}

func TestResyncedCopyOfSentDraftIsOnlyArchived(t *testing.T) {
	env := newTestEnv(t)
	id := "tower-a--acme"
	env.stage(t, id, "jane@acme.test")
	approved := env.approve(t, id)
	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	archived := rep.Items[0].Path

	data, err := afero.ReadFile(env.Fs, archived)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(env.Fs, approved.Path, data, 0o644))

	rep, err = env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, watcher.ResultArchived, rep.Items[0].Result)
	assert.Equal(t, 1, env.Transport.count())
	exists, err := afero.Exists(env.Fs, approved.Path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTransportFailureLeavesDraftAndRetries(t *testing.T) {
	env := newTestEnv(t)
	id := "tower-a--acme"
	env.stage(t, id, "jane@acme.test")
	approved := env.approve(t, id)
	env.Transport.failFor["jane@acme.test"] = errors.New("connection refused")

	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rep.Items, 1)
	assert.Equal(t, watcher.ResultFailed, rep.Items[0].Result)
	var te mail.TransportError
	require.True(t, errors.As(rep.Items[0].Err, &te))
	assert.Zero(t, env.Transport.count())

	exists, err := afero.Exists(env.Fs, approved.Path)
	require.NoError(t, err)
	assert.True(t, exists)
	p, err := env.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingApproval, p.State)
	assert.False(t, p.Unconfirmed())

	delete(env.Transport.failFor, "jane@acme.test")
	rep, err = env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(watcher.ResultSent))
	rep, err = env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Transport.count())
	assert.Equal(t, []string{"send_started", "send_failed", "send_started", "sent", "archived"}, env.actions(t, id)[4:])
}

func TestFailureForOneDraftDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t)
	env.stage(t, "a--acme", "bounce@acme.test")
	env.stage(t, "b--acme", "jane@acme.test")
	env.approve(t, "a--acme")
	env.approve(t, "b--acme")
	env.Transport.failFor["bounce@acme.test"] = errors.New("550 mailbox unavailable")

	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(watcher.ResultFailed))
	assert.Equal(t, 1, rep.Count(watcher.ResultSent))
	assert.Equal(t, 1, env.Transport.count())
}

func TestApprovedDraftsWithoutCurrentLedgerRecordAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.Write(drafts.Draft{ID: "ghost--nobody", Identity: "ghost--nobody", Label: "ghost", To: "x@y.test", Subject: "s", Body: "b"})
	require.NoError(t, err)
	env.approve(t, "ghost--nobody")

	env.stage(t, "tower-a--acme", "jane@acme.test")
	_, err = env.Ledger.Upsert(env.Ctx, ledger.Change{
		Identity: "tower-a--acme",
		State:    domain.StateSkipped,
		Entry:    domain.HistoryEntry{Action: domain.ActionSkipped},
	})
	require.NoError(t, err)
	env.approve(t, "tower-a--acme")

	_, err = env.Store.Write(drafts.Draft{ID: "old--acme", Identity: "tower-b--acme", Label: "old", To: "x@y.test", Subject: "s", Body: "b"})
	require.NoError(t, err)
	env.stage(t, "tower-b--acme", "jane@acme.test")
	env.approve(t, "old--acme")

	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Count(watcher.ResultIgnored))
	assert.Equal(t, 1, rep.Count(watcher.ResultWaiting))
	assert.Zero(t, env.Transport.count())
	reasons := map[string]string{}
	for _, it := range rep.Items {
		reasons[it.DraftID] = it.Reason
	}
	assert.Equal(t, "unknown identity", reasons["ghost--nobody"])
	assert.Equal(t, "project is SKIPPED", reasons["tower-a--acme"])
	assert.Contains(t, reasons["old--acme"], "stale draft")
}

func markSendStarted(t *testing.T, env *testEnv, id string) {
	t.Helper()
	_, err := env.Ledger.Upsert(env.Ctx, ledger.Change{
		Identity: id,
		State:    domain.StateAwaitingApproval,
		Entry:    domain.HistoryEntry{Action: domain.ActionSendStarted},
		Apply: func(p *domain.Project, _ bool) error {
			p.SendingSince = env.Now.Format(time.RFC3339)
			return nil
		},
	})
	require.NoError(t, err)
}

func TestUnconfirmedSendIsNeverRetriedAutomatically(t *testing.T) {
	env := newTestEnv(t)
	id := "tower-a--acme"
	env.stage(t, id, "jane@acme.test")
	env.approve(t, id)
	markSendStarted(t, env, id)

	for i := 0; i < 2; i++ {
		rep, err := env.Watcher.Poll(env.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Count(watcher.ResultUnconfirmed))
	}
	assert.Zero(t, env.Transport.count())

	_, err := env.Watcher.Resolve(env.Ctx, id, false, "")
	require.NoError(t, err)
	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(watcher.ResultSent))
	assert.Equal(t, 1, env.Transport.count())

	_, err = env.Watcher.Resolve(env.Ctx, id, true, "")
	require.ErrorIs(t, err, watcher.ErrNotUnconfirmed)
}

func TestResolveConfirmedSendArchivesWithoutSending(t *testing.T) {
	env := newTestEnv(t)
	id := "tower-a--acme"
	env.stage(t, id, "jane@acme.test")
	approved := env.approve(t, id)
	markSendStarted(t, env, id)

	p, err := env.Watcher.Resolve(env.Ctx, id, true, "found it in the sent folder")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, p.State)
	exists, err := afero.Exists(env.Fs, approved.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	sent, err := env.Ledger.WasSent(env.Ctx, id)
	require.NoError(t, err)
	assert.True(t, sent)
	rep, err := env.Watcher.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Items)
	assert.Zero(t, env.Transport.count())
	acts := env.actions(t, id)
	assert.Equal(t, []string{"sent", "resolved", "archived"}, acts[len(acts)-3:])
}

func TestPollStopsWhenCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.stage(t, "tower-a--acme", "jane@acme.test")
	env.approve(t, "tower-a--acme")
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err := env.Watcher.Poll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, env.Transport.count())
}

func TestRunPollsUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.stage(t, "tower-a--acme", "jane@acme.test")
	env.approve(t, "tower-a--acme")

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Watcher.Run(ctx) }()
	require.Eventually(t, func() bool { return env.Transport.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, 1, env.Transport.count())
}

type stalledTransport struct{}

func (stalledTransport) Send(ctx context.Context, m mail.Message) error {
	<-ctx.Done()
	return mail.TransportError{DraftID: m.DraftID, Err: ctx.Err()}
}

func TestSendIsBoundedBySendTimeout(t *testing.T) {
	env := newTestEnv(t)
	id := "tower-a--acme"
	env.stage(t, id, "jane@acme.test")
	env.approve(t, id)
	env.Watcher.Transport = stalledTransport{}
	env.Watcher.Options.SendTimeout = 20 * time.Millisecond

	done := make(chan watcher.Report, 1)
	go func() {
		rep, err := env.Watcher.Poll(env.Ctx)
		assert.NoError(t, err)
		done <- rep
	}()
	var rep watcher.Report
	select {
	case rep = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not return after the send timeout")
	}
	require.Len(t, rep.Items, 1)
	assert.Equal(t, watcher.ResultFailed, rep.Items[0].Result)
	assert.True(t, errors.Is(rep.Items[0].Err, context.DeadlineExceeded))

	p, err := env.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingApproval, p.State)
	assert.False(t, p.Unconfirmed())
}
