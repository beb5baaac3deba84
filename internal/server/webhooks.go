package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"weighline/internal/config"
	"weighline/internal/domain"
	"weighline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the events table and posts new events to each
// configured hook. A failed delivery stops that hook's batch and is retried
// on the next tick. Each hook's cursor is stored in webhook_cursors and only
// moves past an event once the hook answered 2xx, so delivery is
// at-least-once across restarts.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[string]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		Repo:     r,
		Hooks:    hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for _, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	key := hook.Key()
	cursor, err := d.cursorFor(ctx, key)
	if err != nil {
		d.Logger.WarnContext(ctx, "webhook: init cursor failed", "hook", key, "err", err)
		return
	}
	events, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, hook.Sites)
	if err != nil {
		d.Logger.WarnContext(ctx, "webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	last := cursor
	defer func() {
		if last != cursor {
			if err := d.setCursor(ctx, key, last); err != nil {
				d.Logger.WarnContext(ctx, "webhook: save cursor failed", "hook", key, "err", err)
			}
		}
	}()
	for _, evt := range events {
		if !filter.match(evt.Type) {
			last = evt.ID
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Logger.WarnContext(ctx, "webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		last = evt.ID
		if err := d.setCursor(ctx, key, last); err != nil {
			d.Logger.WarnContext(ctx, "webhook: save cursor failed", "hook", key, "err", err)
			return
		}
		cursor = last
	}
}

// cursorFor returns the stored cursor of a hook. A hook seen for the first
// time starts at the newest event, so adding one does not replay history.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, key string) (int64, error) {
	d.mu.Lock()
	cur, ok := d.cursors[key]
	d.mu.Unlock()
	if ok {
		return cur, nil
	}
	cur, ok, err := d.Repo.WebhookCursor(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		if cur, err = d.Repo.LatestEventID(ctx); err != nil {
			return 0, err
		}
		if err := d.Repo.SaveWebhookCursor(ctx, key, cur, time.Now()); err != nil {
			return 0, err
		}
	}
	d.mu.Lock()
	d.cursors[key] = cur
	d.mu.Unlock()
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(ctx context.Context, key string, value int64) error {
	if err := d.Repo.SaveWebhookCursor(ctx, key, value, time.Now()); err != nil {
		return err
	}
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
	return nil
}

// webhookEvent is the outbound event body. Consumers dedupe on the
// X-Weighline-Idempotency-Key header.
type webhookEvent struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	TicketID     string          `json:"ticket_id"`
	TicketNumber string          `json:"ticket_number"`
	OldStatus    domain.Status   `json:"old_status,omitempty"`
	NewStatus    domain.Status   `json:"new_status"`
	SiteID       string          `json:"site_id"`
	ActorID      string          `json:"actor_id"`
	Timestamp    string          `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
}

// IdempotencyKey is ticketId:newStatus:eventId. A redelivery repeats it; a
// later event that lands on a status the ticket already had, such as a
// reprioritization or an anomaly resolved back to its weighing, does not.
func IdempotencyKey(evt domain.Event) string {
	return fmt.Sprintf("%s:%s:%d", evt.TicketID, evt.NewStatus, evt.ID)
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:           evt.ID,
		Type:         evt.Type,
		TicketID:     evt.TicketID,
		TicketNumber: evt.TicketNumber,
		OldStatus:    evt.OldStatus,
		NewStatus:    evt.NewStatus,
		SiteID:       evt.SiteID,
		ActorID:      evt.ActorID,
		Timestamp:    evt.TS,
		Payload:      payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Weighline-Event", evt.Type)
	req.Header.Set("X-Weighline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Weighline-Idempotency-Key", IdempotencyKey(evt))
	req.Header.Set("X-Weighline-Site", evt.SiteID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Weighline-Secret", hook.Secret)
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
