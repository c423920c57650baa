// Package ledger is the durable record of every project's lifecycle state.
//
// All writes go through Upsert, which serialises writers across processes
// with an exclusive lock file, re-checks the row version inside the
// transaction and appends exactly one history entry per change.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
)

var (
	ErrNotFound = repo.ErrNotFound
	ErrConflict = repo.ErrConflict
)

const (
	defaultMaxAttempts = 5
	lockRetryDelay     = 50 * time.Millisecond
)

// TransitionError rejects a state change the lifecycle does not allow.
type TransitionError struct {
	Identity string
	From     domain.State
	To       domain.State
}

func (e TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "absent"
	}
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Identity, from, e.To)
}

type Ledger struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Now     func() time.Time
	// MaxAttempts bounds conflict retries per Upsert.
	MaxAttempts int

	mu   sync.Mutex
	lock *flock.Flock
}

// New returns a ledger over conn. lockPath names the file used to serialise
// writers from different processes.
func New(conn *sql.DB, lockPath string) *Ledger {
	return &Ledger{
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{},
		Now:     time.Now,
		lock:    flock.New(lockPath),
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) maxAttempts() int {
	if l.MaxAttempts > 0 {
		return l.MaxAttempts
	}
	return defaultMaxAttempts
}

// acquire takes the in-process mutex and the cross-process file lock.
func (l *Ledger) acquire(ctx context.Context) (func(), error) {
	l.mu.Lock()
	if l.lock == nil {
		return l.mu.Unlock, nil
	}
	locked, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		l.mu.Unlock()
		if err == nil {
			err = errors.New("ledger lock not acquired")
		}
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	return func() {
		_ = l.lock.Unlock()
		l.mu.Unlock()
	}, nil
}

// Exclusive runs fn while holding the ledger write lock, so fn is serialised
// with every ledger writer in this and other processes. fn must not write the
// ledger itself.
func (l *Ledger) Exclusive(ctx context.Context, fn func() error) error {
	unlock, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Get returns the project record for identity or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, identity string) (domain.Project, error) {
	return l.Repo.GetProject(ctx, identity)
}

// Change describes one ledger write.
type Change struct {
	Identity string
	State    domain.State
	// From, when set, lists the only states the record may currently be in.
	// An absent record is the empty state.
	From  []domain.State
	Entry domain.HistoryEntry
	// Apply adjusts the record before it is written. It sees the freshly read
	// row on every attempt; returning an error aborts the write.
	Apply func(p *domain.Project, exists bool) error
}

// Upsert moves identity to c.State and appends c.Entry to its history.
// Lost races are retried against the latest row.
func (l *Ledger) Upsert(ctx context.Context, c Change) (domain.Project, error) {
	if c.Identity == "" {
		return domain.Project{}, errors.New("identity is required")
	}
	if !c.State.Valid() {
		return domain.Project{}, fmt.Errorf("invalid state %q", c.State)
	}
	if c.Entry.Action == "" {
		return domain.Project{}, errors.New("history action is required")
	}
	unlock, err := l.acquire(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer unlock()
	for attempt := 1; ; attempt++ {
		p, err := l.upsertOnce(ctx, c)
		if errors.Is(err, ErrConflict) && attempt < l.maxAttempts() {
			continue
		}
		return p, err
	}
}

func (l *Ledger) upsertOnce(ctx context.Context, c Change) (domain.Project, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := l.now().Format(time.RFC3339)
	cur, err := l.Repo.GetProjectTx(ctx, tx, c.Identity)
	exists := true
	if errors.Is(err, ErrNotFound) {
		exists = false
		cur = domain.Project{Identity: c.Identity, CreatedAt: now}
	} else if err != nil {
		return domain.Project{}, err
	}
	if len(c.From) > 0 && !slices.Contains(c.From, cur.State) {
		return domain.Project{}, TransitionError{Identity: c.Identity, From: cur.State, To: c.State}
	}
	if !domain.CanTransition(cur.State, c.State) {
		return domain.Project{}, TransitionError{Identity: c.Identity, From: cur.State, To: c.State}
	}
	next := cur
	next.State = c.State
	if c.Apply != nil {
		if err := c.Apply(&next, exists); err != nil {
			return domain.Project{}, err
		}
	}
	next.Identity = c.Identity
	next.State = c.State
	next.LastActionAt = now
	next.UpdatedAt = now
	if exists {
		if err := l.Repo.UpdateProjectTx(ctx, tx, next); err != nil {
			return domain.Project{}, err
		}
		next.Version = cur.Version + 1
	} else {
		if err := l.Repo.InsertProjectTx(ctx, tx, next); err != nil {
			return domain.Project{}, err
		}
		next.Version = 1
	}
	if next.State == domain.StateSent && cur.State != domain.StateSent && next.DraftID != "" {
		if err := l.Repo.MarkDraftSentTx(ctx, tx, next.DraftID, next.Identity, next.SentAt, ""); err != nil {
			return domain.Project{}, fmt.Errorf("record sent draft: %w", err)
		}
	}
	entry := c.Entry
	entry.Identity = c.Identity
	entry.State = c.State
	entry.TS = now
	if entry.DraftID == "" {
		entry.DraftID = next.DraftID
	}
	if _, err := l.Events.Append(ctx, tx, entry); err != nil {
		return domain.Project{}, fmt.Errorf("append history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return next, nil
}

// DueForFollowup lists SENT projects whose send is at least interval old.
func (l *Ledger) DueForFollowup(ctx context.Context, now time.Time, interval time.Duration) ([]domain.Project, error) {
	cutoff := now.UTC().Add(-interval).Format(time.RFC3339)
	return l.Repo.SentBefore(ctx, cutoff)
}

// WasSent reports whether draftID has completed a send at any point.
func (l *Ledger) WasSent(ctx context.Context, draftID string) (bool, error) {
	return l.Repo.DraftSent(ctx, draftID)
}

func (l *Ledger) List(ctx context.Context, f repo.Filter) ([]domain.Project, error) {
	return l.Repo.ListProjects(ctx, f)
}

func (l *Ledger) History(ctx context.Context, identity string) ([]domain.HistoryEntry, error) {
	if _, err := l.Get(ctx, identity); err != nil {
		return nil, err
	}
	return l.Repo.History(ctx, identity)
}
