package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed between read and write.
	ErrConflict = errors.New("ledger conflict")
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const projectColumns = `identity,client,name,state,contact_json,COALESCE(company_role,''),metadata_json,COALESCE(draft_id,''),draft_seq,COALESCE(subject,''),followups,last_action_at,COALESCE(next_followup_at,''),COALESCE(sent_at,''),COALESCE(sending_since,''),created_at,updated_at,version`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p            domain.Project
		state        string
		contactJSON  string
		metadataJSON string
	)
	err := row.Scan(&p.Identity, &p.Client, &p.Name, &state, &contactJSON, &p.CompanyRole, &metadataJSON,
		&p.DraftID, &p.DraftSeq, &p.Subject, &p.Followups, &p.LastActionAt, &p.NextFollowupAt, &p.SentAt,
		&p.SendingSince, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.State = domain.State(state)
	if err := json.Unmarshal([]byte(contactJSON), &p.Contact); err != nil {
		return p, fmt.Errorf("decode contact for %s: %w", p.Identity, err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &p.Metadata); err != nil {
		return p, fmt.Errorf("decode metadata for %s: %w", p.Identity, err)
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, identity string) (domain.Project, error) {
	return getProject(ctx, r.DB, identity)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, identity string) (domain.Project, error) {
	return getProject(ctx, tx, identity)
}

func getProject(ctx context.Context, q queryer, identity string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE identity=?`, identity))
}

// ProjectByDraft returns the project whose current draft is draftID.
func (r Repo) ProjectByDraft(ctx context.Context, draftID string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE draft_id=?`, draftID))
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	contact, metadata, err := encodeProject(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(identity,client,name,state,contact_json,company_role,metadata_json,draft_id,draft_seq,subject,followups,last_action_at,next_followup_at,sent_at,sending_since,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`,
		p.Identity, p.Client, p.Name, string(p.State), contact, nullable(p.CompanyRole), metadata,
		nullable(p.DraftID), p.DraftSeq, nullable(p.Subject), p.Followups, p.LastActionAt,
		nullable(p.NextFollowupAt), nullable(p.SentAt), nullable(p.SendingSince), p.CreatedAt, p.UpdatedAt)
	if err != nil && (isUniqueViolation(err) || isBusy(err)) {
		return fmt.Errorf("insert %s: %v: %w", p.Identity, err, ErrConflict)
	}
	return err
}

// UpdateProjectTx writes p if the stored version still equals p.Version and
// bumps the version. A stale version yields ErrConflict.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	contact, metadata, err := encodeProject(p)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET client=?,name=?,state=?,contact_json=?,company_role=?,metadata_json=?,draft_id=?,draft_seq=?,subject=?,followups=?,last_action_at=?,next_followup_at=?,sent_at=?,sending_since=?,updated_at=?,version=version+1
WHERE identity=? AND version=?`,
		p.Client, p.Name, string(p.State), contact, nullable(p.CompanyRole), metadata,
		nullable(p.DraftID), p.DraftSeq, nullable(p.Subject), p.Followups, p.LastActionAt,
		nullable(p.NextFollowupAt), nullable(p.SentAt), nullable(p.SendingSince), p.UpdatedAt,
		p.Identity, p.Version)
	if err != nil {
		if isUniqueViolation(err) || isBusy(err) {
			return fmt.Errorf("update %s: %v: %w", p.Identity, err, ErrConflict)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s at version %d: %w", p.Identity, p.Version, ErrConflict)
	}
	return nil
}

func encodeProject(p domain.Project) (string, string, error) {
	contact, err := json.Marshal(p.Contact)
	if err != nil {
		return "", "", err
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", "", err
	}
	return string(contact), string(meta), nil
}

// Filter narrows ListProjects.
type Filter struct {
	States []domain.State
	Limit  int
}

func (r Repo) ListProjects(ctx context.Context, f Filter) ([]domain.Project, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_action_at DESC, identity"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryProjects(ctx, r.DB, query, args...)
}

// SentBefore lists SENT projects whose send timestamp is at or before cutoff
// (RFC3339, UTC).
func (r Repo) SentBefore(ctx context.Context, cutoff string) ([]domain.Project, error) {
	return queryProjects(ctx, r.DB, `SELECT `+projectColumns+` FROM projects WHERE state=? AND sent_at IS NOT NULL AND sent_at <= ? ORDER BY sent_at, identity`,
		string(domain.StateSent), cutoff)
}

// Unconfirmed lists projects with a send started but never recorded.
func (r Repo) Unconfirmed(ctx context.Context) ([]domain.Project, error) {
	return queryProjects(ctx, r.DB, `SELECT `+projectColumns+` FROM projects WHERE sending_since IS NOT NULL ORDER BY sending_since`)
}

func queryProjects(ctx context.Context, q queryer, query string, args ...any) ([]domain.Project, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM projects GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.State(state)] = n
	}
	return counts, rows.Err()
}

// MarkDraftSentTx records that draftID completed a send.
func (r Repo) MarkDraftSentTx(ctx context.Context, tx *sql.Tx, draftID, identity, sentAt, messageID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sent_drafts(draft_id,identity,sent_at,message_id) VALUES (?,?,?,?)
ON CONFLICT(draft_id) DO NOTHING`, draftID, identity, sentAt, nullable(messageID))
	return err
}

// DraftSent reports whether draftID has ever completed a send.
func (r Repo) DraftSent(ctx context.Context, draftID string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sent_drafts WHERE draft_id=?`, draftID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

const historyColumns = `id,ts,identity,action,state,COALESCE(draft_id,''),COALESCE(reason,''),payload_json`

func scanHistory(rows *sql.Rows) (domain.HistoryEntry, error) {
	var (
		h       domain.HistoryEntry
		state   string
		payload string
	)
	if err := rows.Scan(&h.ID, &h.TS, &h.Identity, &h.Action, &state, &h.DraftID, &h.Reason, &payload); err != nil {
		return h, err
	}
	h.State = domain.State(state)
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &h.Payload); err != nil {
			return h, fmt.Errorf("decode history %d payload: %w", h.ID, err)
		}
	}
	return h, nil
}

func (r Repo) History(ctx context.Context, identity string) ([]domain.HistoryEntry, error) {
	return r.queryHistory(ctx, `SELECT `+historyColumns+` FROM history WHERE identity=? ORDER BY id`, identity)
}

// HistoryAfter returns up to limit entries with id greater than cursor.
func (r Repo) HistoryAfter(ctx context.Context, cursor int64, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryHistory(ctx, `SELECT `+historyColumns+` FROM history WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
}

// LatestHistory returns the newest entries first.
func (r Repo) LatestHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryHistory(ctx, `SELECT `+historyColumns+` FROM history ORDER BY id DESC LIMIT ?`, limit)
}

func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM history`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryHistory(ctx context.Context, query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

// isBusy matches SQLite lock and stale-snapshot errors, which a retry on a
// fresh transaction resolves.
func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
