package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/metrics"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultWebhookTimeout   = 5 * time.Second
	defaultDispatchBatch    = 100
)

// Source is the outbox the dispatcher reads from.
type Source interface {
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Sink delivers events to one notification/dispatch collaborator.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, evt domain.Event) error
}

// Dispatcher forwards outbox events to sinks, keeping one cursor per sink.
// Delivery is at-least-once: a failed delivery is retried on the next tick.
type Dispatcher struct {
	Source   Source
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	mu      sync.Mutex
	cursors map[int]int64
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Sinks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
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

// DispatchOnce delivers pending events to every sink once.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, sink := range d.Sinks {
		d.dispatchSink(ctx, i, sink)
	}
}

func (d *Dispatcher) dispatchSink(ctx context.Context, idx int, sink Sink) {
	logger := d.logger()
	cursor := d.cursorFor(ctx, idx)
	batch := d.Batch
	if batch <= 0 {
		batch = defaultDispatchBatch
	}
	evts, err := d.Source.EventsAfter(ctx, cursor, batch)
	if err != nil {
		logger.Warn("dispatch: fetch events failed", zap.String("sink", sink.Name()), zap.Error(err))
		return
	}
	for _, evt := range evts {
		if !sink.Accepts(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := sink.Deliver(ctx, evt)
		d.Metrics.ObserveDispatch(sink.Name(), err)
		if err != nil {
			logger.Warn("dispatch: delivery failed", zap.String("sink", sink.Name()), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		d.logger().Warn("dispatch: init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
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

// envelope is the wire form shared by every sink.
type envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OrderID    string          `json:"order_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func encodeEvent(evt domain.Event) ([]byte, error) {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	return json.Marshal(envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		OrderID:    evt.OrderID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS.UTC().Format(time.RFC3339Nano),
		Payload:    payload,
		PayloadRaw: raw,
	})
}

// WebhookSink POSTs events to an HTTP endpoint.
type WebhookSink struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.hook.URL }

func (s *WebhookSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *WebhookSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Repairline-Event", evt.Type)
	req.Header.Set("X-Repairline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Repairline-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
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

// SinksFromConfig builds enabled webhook sinks. AMQP sinks need a live
// connection and are added by the caller.
func SinksFromConfig(cfg *config.Config) []Sink {
	if cfg == nil {
		return nil
	}
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	return sinks
}
