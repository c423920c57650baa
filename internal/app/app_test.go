package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/fee"
	"leadline/internal/leads"
	"leadline/internal/ledger"
	"leadline/internal/mail"
	"leadline/internal/watcher"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestLoadConfigAppliesEnvBeforeValidating(t *testing.T) {
	dir := t.TempDir()
	yml := "mail:\n  dry_run: false\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	_, err := LoadConfig(dir, env(nil))
	require.Error(t, err)

	cfg, err := LoadConfig(dir, env(map[string]string{
		"LEADLINE_MAIL_FROM": "ycao@bcc.test",
		"LEADLINE_SMTP_HOST": "smtp.bcc.test",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ycao@bcc.test", cfg.Mail.From)
	assert.Equal(t, filepath.Join(dir, "drafts"), cfg.Drafts.Root)
}

func TestOpenWiresDryRunTransport(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: dir, Getenv: env(nil), LogLevel: "error"})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, mail.DryRun{}, a.Transport())
	assert.FileExists(t, filepath.Join(dir, ".leadline", "ledger.db"))
	assert.Equal(t, 96*time.Hour, a.Policy().FollowupInterval)

	a.Config.Mail.DryRun = false
	assert.IsType(t, mail.SMTP{}, a.Transport())
}

func TestDraftApproveSendCycle(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: dir, Getenv: env(nil), LogLevel: "error"})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	c := leads.Candidate{
		Client:  "Acme Builders",
		Project: "Tower A",
		Contact: domain.Contact{Name: "Pat Doe", Email: "pat@acme.test"},
		FeeRows: []fee.Row{{Keyword: "rough-in", Visits: 2}, {Keyword: "final", Visits: 1}},
	}
	rep, err := a.Orchestrator().Run(ctx, []leads.Candidate{c})
	require.NoError(t, err)
	require.Empty(t, rep.Failed())

	p, err := a.Ledger.Get(ctx, c.Identity())
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingApproval, p.State)

	_, err = a.Drafts.Approve(p.DraftID)
	require.NoError(t, err)
	prep, err := a.Watcher().Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, prep.Count(watcher.ResultSent))

	p, err = a.Ledger.Get(ctx, c.Identity())
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, p.State)
	archived, err := filepath.Glob(filepath.Join(dir, "sent", "*"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestStatusUsesAppClock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := sentAt
	a, err := Open(ctx, Options{Workspace: dir, Getenv: env(nil), LogLevel: "error", Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	for _, st := range []domain.State{domain.StateDiscovered, domain.StateResearched, domain.StateDrafted, domain.StateAwaitingApproval, domain.StateSent} {
		_, err := a.Ledger.Upsert(ctx, ledger.Change{
			Identity: "tower-a--acme",
			State:    st,
			Entry:    domain.HistoryEntry{Action: domain.ActionNote},
			Apply: func(p *domain.Project, _ bool) error {
				p.DraftID = "tower-a--acme"
				p.SentAt = sentAt.Format(time.RFC3339)
				return nil
			},
		})
		require.NoError(t, err)
	}

	rep, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Overdue)

	now = sentAt.Add(97 * time.Hour)
	rep, err = a.Status(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Overdue, 1)
	assert.Equal(t, now.Format(time.RFC3339), rep.GeneratedAt)
}
