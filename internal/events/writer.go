// Package events appends entries to the ledger's history table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadline/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes one history entry inside tx and returns its id. Entries are
// never updated or deleted.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.HistoryEntry) (int64, error) {
	if entry.Identity == "" || entry.Action == "" {
		return 0, fmt.Errorf("history entry requires identity and action")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := entry.TS
	if ts == "" {
		ts = now().UTC().Format(time.RFC3339)
	}
	payload := entry.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal history payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO history(ts,identity,action,state,draft_id,reason,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, entry.Identity, entry.Action, string(entry.State), nullable(entry.DraftID), nullable(entry.Reason), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
