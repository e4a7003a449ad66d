package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sardislabs/sardisd/internal/core/event"
	"github.com/sardislabs/sardisd/internal/metrics"
)

// Delivery request headers.
const (
	HeaderSignature = "X-Sardis-Signature"
	HeaderEventType = "X-Sardis-Event-Type"
	HeaderEventID   = "X-Sardis-Event-Id"
	HeaderTimestamp = "X-Sardis-Timestamp"
)

// Delivery defaults.
const (
	DefaultWorkers     = 4
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 3
)

// DefaultBackoff is the wait between consecutive attempts for one delivery
// item. With three total attempts only the first two gaps apply.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// maxResponseBytes caps how much of a subscriber response is retained for
// diagnostics.
const maxResponseBytes = 4096

// DeliveryResult reports the terminal outcome of delivering one event to
// one subscription. DurationMS spans the whole item including backoff.
type DeliveryResult struct {
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`
	Error          string `json:"error,omitempty"`
	Attempts       int    `json:"attempts"`
	DurationMS     int64  `json:"duration_ms"`
}

type deliveryItem struct {
	subID string
	evt   *event.Event
}

// deliveryQueue is an unbounded FIFO. Pushes never block; pops wait for an
// item or context cancellation.
type deliveryQueue struct {
	mu    sync.Mutex
	items []*deliveryItem
	wake  chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{wake: make(chan struct{}, 1)}
}

func (q *deliveryQueue) push(it *deliveryItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) pop(ctx context.Context) (*deliveryItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			} else {
				// Pass the token on so sibling workers keep draining.
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

func (q *deliveryQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Manager fans events out to matching subscriptions. Emit enqueues and
// returns; Run owns the worker pool that drains the queue. No registry or
// engine lock is ever held across delivery I/O.
type Manager struct {
	registry *Registry
	queue    *deliveryQueue
	client   *http.Client

	workers     int
	timeout     time.Duration
	maxAttempts int
	backoff     []time.Duration

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics wires delivery outcome counters.
func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mtr }
}

// WithWorkers sets how many delivery workers Run starts.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxAttempts sets the total attempts per delivery item.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoff sets the waits between consecutive attempts. The last entry
// repeats when attempts outnumber entries.
func WithBackoff(backoff []time.Duration) Option {
	return func(m *Manager) {
		if len(backoff) > 0 {
			m.backoff = append([]time.Duration(nil), backoff...)
		}
	}
}

// WithHTTPClient replaces the delivery client. Per-attempt timeouts still
// come from the manager.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// NewManager creates a delivery manager over the given registry.
func NewManager(registry *Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:    registry,
		queue:       newDeliveryQueue(),
		client:      &http.Client{},
		workers:     DefaultWorkers,
		timeout:     DefaultTimeout,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the subscription registry for CRUD.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// QueueDepth reports how many delivery items are waiting.
func (m *Manager) QueueDepth() int {
	return m.queue.depth()
}

// Sink adapts the manager to the event bus.
func (m *Manager) Sink() event.Sink {
	return func(evt *event.Event) { m.Emit(evt) }
}

// Emit enqueues one delivery item per matching subscription and returns
// without waiting. Matching is evaluated now; URL and secret are read
// fresh at delivery time.
func (m *Manager) Emit(evt *event.Event) {
	if evt == nil {
		return
	}
	subs := m.registry.matching(evt.Type)
	for _, sub := range subs {
		m.queue.push(&deliveryItem{subID: sub.ID, evt: evt})
	}
	if len(subs) > 0 {
		m.logger.Debug("event enqueued for delivery",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Int("subscriptions", len(subs)))
	}
}

// EmitAndWait delivers the event to every matching subscription and blocks
// until each has a terminal outcome. Deliveries run concurrently; results
// are ordered like the matching snapshot. Counters and metrics update
// exactly as for queued delivery.
func (m *Manager) EmitAndWait(ctx context.Context, evt *event.Event) []DeliveryResult {
	if evt == nil {
		return nil
	}
	subs := m.registry.matching(evt.Type)
	results := make([]DeliveryResult, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i] = m.deliver(ctx, sub, evt)
		}(i, sub)
	}
	wg.Wait()
	return results
}

// Run starts the delivery workers and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			m.worker(ctx)
			return nil
		})
	}
	m.logger.Info("webhook delivery workers started", zap.Int("workers", m.workers))
	return g.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	for {
		item, ok := m.queue.pop(ctx)
		if !ok {
			return
		}
		// Deleted or deactivated subscriptions drop their queued items.
		sub, err := m.registry.Get(item.subID)
		if err != nil || !sub.Active {
			m.logger.Debug("dropping delivery for missing or inactive subscription",
				zap.String("subscription_id", item.subID),
				zap.String("event_id", item.evt.ID))
			continue
		}
		m.deliver(ctx, sub, item.evt)
	}
}

// deliver runs the full attempt cycle for one subscription and one event,
// then records the terminal outcome on the subscription counters.
func (m *Manager) deliver(ctx context.Context, sub *Subscription, evt *event.Event) DeliveryResult {
	start := time.Now()
	res := DeliveryResult{SubscriptionID: sub.ID, EventID: evt.ID}

	body, err := evt.Marshal()
	if err != nil {
		res.Error = err.Error()
		res.DurationMS = time.Since(start).Milliseconds()
		m.finish(sub, evt, res)
		return res
	}
	signature := Sign(sub.Secret, body)

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		res.Attempts = attempt
		status, respBody, err := m.post(ctx, sub.URL, signature, body, evt)
		res.StatusCode = status
		res.ResponseBody = respBody
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Error = ""
		}

		if err == nil && status >= 200 && status < 300 {
			res.Success = true
			break
		}

		m.logger.Debug("webhook delivery attempt failed",
			zap.String("subscription_id", sub.ID),
			zap.String("event_id", evt.ID),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Error(err))

		if attempt == m.maxAttempts {
			break
		}
		if !m.wait(ctx, m.backoffFor(attempt-1)) {
			res.Error = ctx.Err().Error()
			break
		}
	}

	res.DurationMS = time.Since(start).Milliseconds()
	m.finish(sub, evt, res)
	return res
}

// post performs one signed POST attempt under the per-attempt timeout.
func (m *Manager) post(ctx context.Context, url, signature string, body []byte, evt *event.Event) (int, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sardisd-webhooks")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEventType, string(evt.Type))
	req.Header.Set(HeaderEventID, evt.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(respBody), nil
}

func (m *Manager) backoffFor(i int) time.Duration {
	if i >= len(m.backoff) {
		i = len(m.backoff) - 1
	}
	return m.backoff[i]
}

// wait sleeps for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finish records counters, metrics and the exhaustion log for a terminal
// delivery outcome.
func (m *Manager) finish(sub *Subscription, evt *event.Event, res DeliveryResult) {
	m.registry.recordDelivery(sub.ID, res.Success)

	outcome := "delivered"
	if !res.Success {
		outcome = "failed"
	}
	if m.metrics != nil {
		m.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}

	if res.Success {
		m.logger.Debug("webhook delivered",
			zap.String("subscription_id", sub.ID),
			zap.String("event_id", evt.ID),
			zap.Int("attempts", res.Attempts),
			zap.Int64("duration_ms", res.DurationMS))
		return
	}
	m.logger.Warn("webhook delivery exhausted",
		zap.String("subscription_id", sub.ID),
		zap.String("event_id", evt.ID),
		zap.String("url", sub.URL),
		zap.Int("attempts", res.Attempts),
		zap.Int("status", res.StatusCode),
		zap.String("error", res.Error))
}
