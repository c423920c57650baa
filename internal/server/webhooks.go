package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/ledger"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher forwards new ledger history entries to the configured
// endpoints. Each hook keeps its own cursor, starting at the newest entry
// present when the hook is first polled. A failed delivery stops that hook
// for the round and is retried on the next tick.
type webhookDispatcher struct {
	ledger   *ledger.Ledger
	webhooks []config.WebhookConfig
	client   *http.Client
	log      zerolog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks runs the dispatcher until ctx is cancelled. It returns
// immediately when no hook is active.
func StartWebhooks(ctx context.Context, l *ledger.Ledger, hooks []config.WebhookConfig, log zerolog.Logger) {
	d := newWebhookDispatcher(l, hooks, log)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(l *ledger.Ledger, hooks []config.WebhookConfig, log zerolog.Logger) *webhookDispatcher {
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Active() && strings.TrimSpace(h.URL) != "" {
			active = append(active, h)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return &webhookDispatcher{
		ledger:   l,
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.ledger.Repo.HistoryAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Error().Err(err).Msg("webhook: fetch history failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, h := range entries {
		if !filter.match(h.Action) {
			d.setCursor(idx, h.ID)
			continue
		}
		if err := d.post(ctx, hook, h); err != nil {
			d.log.Warn().Err(err).Str("url", hook.URL).Int64("history_id", h.ID).Msg("webhook: delivery failed")
			return
		}
		d.setCursor(idx, h.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.ledger.Repo.LatestHistoryID(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("webhook: init cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID       int64          `json:"id"`
	Action   string         `json:"action"`
	Identity string         `json:"identity"`
	State    domain.State   `json:"state"`
	DraftID  string         `json:"draft_id,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	TS       string         `json:"ts"`
	Payload  map[string]any `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, h domain.HistoryEntry) error {
	payload := h.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:       h.ID,
		Action:   h.Action,
		Identity: h.Identity,
		State:    h.State,
		DraftID:  h.DraftID,
		Reason:   h.Reason,
		TS:       h.TS,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Leadline-Event", h.Action)
	req.Header.Set("X-Leadline-Delivery", fmt.Sprintf("%d", h.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Leadline-Signature", "sha256="+sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
