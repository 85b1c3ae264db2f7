package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/engine"
	"venueline/internal/events"
	"venueline/internal/logging"
	"venueline/internal/metrics"
	"venueline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// DefaultWebhookEvents are delivered when a webhook lists no event types.
var DefaultWebhookEvents = []string{
	events.TypeReplySent,
	events.TypeReplyApproved,
	events.TypeBookingConfirmed,
	events.TypeBookingCancelled,
}

// Dispatcher polls each tenant's event log and posts new events to the
// configured webhooks. Cursors are stored per tenant and URL, so a restart
// resumes where delivery stopped.
type Dispatcher struct {
	Engine   engine.Engine
	Webhooks []config.WebhookConfig
	// Tenants lists the tenants to poll besides those already opened.
	Tenants  []string
	Interval time.Duration
	Client   *http.Client
	Logger   *logging.Logger
}

func NewDispatcher(e engine.Engine, logger *logging.Logger) *Dispatcher {
	var hooks []config.WebhookConfig
	var tenants []string
	if e.Config != nil {
		hooks = e.Config.Webhooks
		tenants = []string{e.Config.Engine.DefaultTenant}
	}
	return &Dispatcher{
		Engine:   e,
		Webhooks: hooks,
		Tenants:  tenants,
		Interval: defaultWebhookInterval,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger,
	}
}

func (d *Dispatcher) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

// Run delivers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Webhooks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every tenant and webhook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for _, tenant := range d.tenants() {
		for _, hook := range d.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if err := d.dispatchWebhook(ctx, tenant, hook); err != nil {
				metrics.WebhookDeliveries.WithLabelValues("error").Inc()
				d.logger().Warn(ctx, "webhook delivery failed",
					zap.String("tenant", tenant), zap.String("url", hook.URL), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) tenants() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, d.Tenants...), d.Engine.Tenants.Open()...) {
		key, err := d.Engine.Tenants.Resolve(t)
		if err != nil || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, tenant string, hook config.WebhookConfig) error {
	st, err := d.Engine.Store(ctx, tenant)
	if err != nil {
		return err
	}
	cursor, err := st.Repo.WebhookCursor(ctx, hook.URL)
	if errors.Is(err, repo.ErrNotFound) {
		// new hooks start at the head of the log
		cursor, err = st.Repo.LatestEventID(ctx)
		if err == nil {
			err = st.Repo.SetWebhookCursor(ctx, hook.URL, cursor)
		}
	}
	if err != nil {
		return fmt.Errorf("cursor: %w", err)
	}
	batch, err := st.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range batch {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, tenant, hook, evt); err != nil {
				return err
			}
			metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
		}
		if err := st.Repo.SetWebhookCursor(ctx, hook.URL, evt.ID); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

type webhookEvent struct {
	ID         int64          `json:"id"`
	Tenant     string         `json:"tenant"`
	Type       string         `json:"type"`
	BookingID  string         `json:"booking_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

func (d *Dispatcher) postEvent(ctx context.Context, tenant string, hook config.WebhookConfig, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Tenant:     tenant,
		Type:       evt.Type,
		BookingID:  evt.BookingID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Venueline-Event", evt.Type)
	req.Header.Set("X-Venueline-Delivery", fmt.Sprintf("%s-%d", tenant, evt.ID))
	req.Header.Set("X-Venueline-Tenant", tenant)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Venueline-Secret", hook.Secret)
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
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		for _, evt := range DefaultWebhookEvents {
			set[evt] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if _, ok := f.set["*"]; ok {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
