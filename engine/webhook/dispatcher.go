package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pubkeep/pubkeep/engine/core"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/pkg/logger"
)

// DefaultDeliveryTimeout bounds one outbound POST.
const DefaultDeliveryTimeout = 10 * time.Second

// dispatchGrace covers subscriber listing and delivery bookkeeping beyond
// the POST itself.
const dispatchGrace = 5 * time.Second

// DeliveryStore is the slice of the metadata store the dispatcher needs.
type DeliveryStore interface {
	ListActiveWebhooks(ctx context.Context) ([]*model.Webhook, error)
	RecordDelivery(ctx context.Context, delivery *model.WebhookDelivery) error
}

// Dispatcher fans events out to subscribed webhooks. Emit returns
// immediately; deliveries run on goroutines detached from the caller's
// context, and every attempt is logged to the delivery table whether it
// succeeded or not. Delivery failures never propagate to the operation
// that emitted the event.
type Dispatcher struct {
	store   DeliveryStore
	client  *resty.Client
	metrics *Metrics
	now     func() time.Time
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeliveryTimeout bounds each outbound POST.
func WithDeliveryTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithClock injects a time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) {
		if now != nil {
			disp.now = now
		}
	}
}

// WithMetrics injects dispatch instrumentation.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(disp *Dispatcher) {
		if m != nil {
			disp.metrics = m
		}
	}
}

// NewDispatcher builds a dispatcher over the given store.
func NewDispatcher(store DeliveryStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		metrics: &Metrics{},
		now:     time.Now,
		timeout: DefaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.client = resty.New().
		SetTimeout(d.timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "pubkeep-webhook")
	return d
}

var _ Emitter = (*Dispatcher)(nil)

// payload is the JSON body POSTed to subscribers.
type payload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emit schedules delivery of the event to every matching subscriber and
// returns immediately.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		logger.FromContext(ctx).Warn("webhook dispatcher closed; dropping event", "event", event.Type)
		return
	}
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout+dispatchGrace)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.dispatch(dispatchCtx, event)
	}()
}

// Close stops accepting events and waits for in-flight deliveries to land.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, event Event) {
	log := logger.FromContext(ctx)
	hooks, err := d.store.ListActiveWebhooks(ctx)
	if err != nil {
		log.Error("listing webhooks for delivery", "event", event.Type, "error", err)
		return
	}
	var matched []*model.Webhook
	for _, hook := range hooks {
		if hook.Matches(event.Type) {
			matched = append(matched, hook)
		}
	}
	d.metrics.RecordEmit(ctx, event.Type, len(matched))
	if len(matched) == 0 {
		return
	}
	body, err := json.Marshal(payload{Event: event.Type, Timestamp: d.now().UTC(), Data: event.Data})
	if err != nil {
		log.Error("encoding webhook payload", "event", event.Type, "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, hook := range matched {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, hook, event.Type, body)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, hook *model.Webhook, eventType string, body []byte) {
	log := logger.FromContext(ctx)
	d.metrics.AddInflight(ctx, 1)
	defer d.metrics.AddInflight(ctx, -1)

	deliveryID := string(core.MustNewID())
	req := d.client.R().
		SetContext(ctx).
		SetBody(body).
		SetHeader(EventHeader, eventType).
		SetHeader(DeliveryHeader, deliveryID)
	if hook.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(hook.Secret, body))
	}

	start := time.Now()
	resp, err := req.Post(hook.URL)
	elapsed := time.Since(start)

	delivery := &model.WebhookDelivery{
		ID:         deliveryID,
		WebhookID:  hook.ID,
		Event:      eventType,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  d.now().UTC(),
	}
	if err != nil {
		delivery.Error = sql.NullString{String: err.Error(), Valid: true}
	} else {
		delivery.StatusCode = resp.StatusCode()
		delivery.Success = resp.StatusCode() >= 200 && resp.StatusCode() < 300
		if !delivery.Success {
			delivery.Error = sql.NullString{String: fmt.Sprintf("unexpected status %d", resp.StatusCode()), Valid: true}
		}
	}

	d.metrics.ObserveDelivery(ctx, eventType, elapsed, delivery.Success)
	if delivery.Success {
		log.Debug("webhook delivered", "webhook_id", hook.ID, "event", eventType, "status", delivery.StatusCode)
	} else {
		log.Warn("webhook delivery failed",
			"webhook_id", hook.ID,
			"event", eventType,
			"status", delivery.StatusCode,
			"error", delivery.Error.String,
		)
	}
	if err := d.store.RecordDelivery(ctx, delivery); err != nil {
		log.Error("recording webhook delivery", "webhook_id", hook.ID, "error", err)
	}
}
