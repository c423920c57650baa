// Package app wires configuration, the ledger, the draft store and the mail
// transport into the orchestrator and watcher used by every command.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/drafts"
	"leadline/internal/ledger"
	"leadline/internal/logging"
	"leadline/internal/mail"
	"leadline/internal/migrate"
	"leadline/internal/orchestrator"
	"leadline/internal/render"
	"leadline/internal/watcher"
)

const (
	lockFile     = "ledger.lock"
	// dryRunSender stands in for mail.from when nothing is really sent.
	dryRunSender = "leadline@localhost"
)

// Options override parts of the workspace config, usually from CLI flags.
type Options struct {
	Workspace string
	LogLevel  string
	DryRun    bool
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Now defaults to time.Now.
	Now func() time.Time
}

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Ledger    *ledger.Ledger
	Drafts    *drafts.Store
	Log       zerolog.Logger

	fs      afero.Fs
	now     func() time.Time
	closers []func()
}

// LoadConfig reads the workspace config, loads the workspace .env file,
// applies LEADLINE_* overrides and validates the result.
func LoadConfig(workspace string, getenv func(string) string) (*config.Config, error) {
	if getenv == nil {
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		getenv = os.Getenv
	}
	cfg, err := config.Read(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.Resolve(workspace)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open loads the config and opens the ledger and draft store. The caller
// must Close the App.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(abs, opts.Getenv)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		cfg.Mail.DryRun = true
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log, closeLog, err := logging.New(level, cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	a := &App{Workspace: abs, Config: cfg, Log: log, fs: opts.Fs, now: opts.Now, closers: []func(){closeLog}}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.now == nil {
		a.now = time.Now
	}

	stateDir, err := db.EnsureWorkspace(abs)
	if err != nil {
		a.Close()
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: abs, Path: cfg.Ledger.Path})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, func() { _ = conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	a.DB = conn
	a.Ledger = ledger.New(conn, filepath.Join(stateDir, lockFile))
	a.Ledger.Now = a.now

	a.Drafts = drafts.New(a.fs, cfg.Drafts.Root, cfg.Drafts.Outbox, cfg.Drafts.Archive)
	if cfg.Drafts.Pattern != "" {
		a.Drafts.Pattern = cfg.Drafts.Pattern
	}
	return a, nil
}

// Close releases the ledger connection and the log file.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Policy is the follow-up policy shared by the orchestrator, the watcher
// and status reporting.
func (a *App) Policy() orchestrator.Policy {
	return orchestrator.Policy{
		FollowupInterval: a.Config.Lifecycle.FollowupInterval,
		MaxFollowups:     a.Config.Lifecycle.MaxFollowups,
	}
}

// Status reports pending work, overdue follow-ups and unconfirmed sends as
// of the app clock.
func (a *App) Status(ctx context.Context) (ledger.Report, error) {
	pol := a.Policy()
	return a.Ledger.Status(ctx, a.now(), pol.FollowupInterval, pol.MaxFollowups)
}

// Orchestrator builds the lifecycle orchestrator for this workspace.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	cfg := a.Config
	return &orchestrator.Orchestrator{
		Ledger:   a.Ledger,
		Drafts:   a.Drafts,
		Renderer: render.Templates{Fs: a.fs, Dir: cfg.Drafts.Templates},
		Options: orchestrator.Options{
			Policy:        a.Policy(),
			PricePerVisit: cfg.Fee.PricePerVisit,
			LineItems:     cfg.Fee.LineItems,
			Rows:          cfg.Fee.Rows,
			Tiers:         cfg.TierTable(),
			Firm:          cfg.Mail.Firm,
			Sender:        cfg.Mail.Sender,
		},
		Log: logging.Component(a.Log, "orchestrator"),
		Now: a.now,
	}
}

// Transport returns the SMTP transport, or a logging transport in dry-run
// mode.
func (a *App) Transport() mail.Transport {
	m := a.Config.Mail
	if m.DryRun {
		return mail.DryRun{Log: logging.Component(a.Log, "mail")}
	}
	return mail.SMTP{
		Host:     m.SMTP.Host,
		Port:     m.SMTP.Port,
		Username: m.SMTP.Username,
		Password: m.SMTP.Password,
		TLS:      m.SMTP.TLS,
		Timeout:  a.Config.Lifecycle.SendTimeout,
	}
}

// Watcher builds the approval watcher for this workspace.
func (a *App) Watcher() *watcher.Watcher {
	cfg := a.Config
	from := cfg.Mail.From
	if from == "" && cfg.Mail.DryRun {
		from = dryRunSender
	}
	return &watcher.Watcher{
		Ledger:    a.Ledger,
		Drafts:    a.Drafts,
		Transport: a.Transport(),
		Options: watcher.Options{
			Interval:         cfg.Lifecycle.PollInterval,
			From:             from,
			FromName:         cfg.Mail.FromName,
			CC:               cfg.Mail.CC,
			FollowupInterval: cfg.Lifecycle.FollowupInterval,
			MaxFollowups:     cfg.Lifecycle.MaxFollowups,
			SendTimeout:      cfg.Lifecycle.SendTimeout,
		},
		Log: logging.Component(a.Log, "watcher"),
		Now: a.now,
	}
}
