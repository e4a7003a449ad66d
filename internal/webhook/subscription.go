// Package webhook delivers platform events to subscriber endpoints over
// HTTP with HMAC-SHA256 signing, fixed-backoff retries and per-subscription
// delivery statistics. Subscriptions live in memory and write through to
// the relational store when one is configured.
package webhook

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/event"
	"github.com/sardislabs/sardisd/internal/storage/relationaldb"
)

// Sentinel errors returned by the subscription registry.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidTargetURL     = errors.New("subscription URL must be absolute http or https")
	ErrMissingSecret        = errors.New("subscription secret is required")
)

// persistTimeout bounds each write-through to the relational store.
const persistTimeout = 5 * time.Second

// Subscription is one registered delivery target. An empty EventTypes set
// subscribes to every event type. The secret signs delivery bodies and is
// never serialized outward.
type Subscription struct {
	ID                   string     `json:"id"`
	OwnerID              string     `json:"owner_id"`
	URL                  string     `json:"url"`
	Secret               string     `json:"-"`
	EventTypes           []string   `json:"event_types"`
	Active               bool       `json:"active"`
	TotalDeliveries      uint64     `json:"total_deliveries"`
	SuccessfulDeliveries uint64     `json:"successful_deliveries"`
	FailedDeliveries     uint64     `json:"failed_deliveries"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.EventTypes = append([]string(nil), s.EventTypes...)
	if s.LastDeliveryAt != nil {
		t := *s.LastDeliveryAt
		cp.LastDeliveryAt = &t
	}
	return &cp
}

// matches reports whether the subscription should receive events of type t.
func (s *Subscription) matches(t event.Type) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, et := range s.EventTypes {
		if et == string(t) {
			return true
		}
	}
	return false
}

func (s *Subscription) record() *relationaldb.SubscriptionRecord {
	rec := &relationaldb.SubscriptionRecord{
		ID:                   s.ID,
		OwnerID:              s.OwnerID,
		URL:                  s.URL,
		Secret:               s.Secret,
		EventTypes:           append([]string(nil), s.EventTypes...),
		Active:               s.Active,
		TotalDeliveries:      s.TotalDeliveries,
		SuccessfulDeliveries: s.SuccessfulDeliveries,
		FailedDeliveries:     s.FailedDeliveries,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if s.LastDeliveryAt != nil {
		t := *s.LastDeliveryAt
		rec.LastDeliveryAt = &t
	}
	return rec
}

func subscriptionFromRecord(rec *relationaldb.SubscriptionRecord) *Subscription {
	sub := &Subscription{
		ID:                   rec.ID,
		OwnerID:              rec.OwnerID,
		URL:                  rec.URL,
		Secret:               rec.Secret,
		EventTypes:           append([]string(nil), rec.EventTypes...),
		Active:               rec.Active,
		TotalDeliveries:      rec.TotalDeliveries,
		SuccessfulDeliveries: rec.SuccessfulDeliveries,
		FailedDeliveries:     rec.FailedDeliveries,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
	}
	if rec.LastDeliveryAt != nil {
		t := *rec.LastDeliveryAt
		sub.LastDeliveryAt = &t
	}
	return sub
}

// SubscriptionUpdate names the mutable subscription fields. Nil fields are
// left unchanged; a pointer to an empty EventTypes slice subscribes to all
// event types.
type SubscriptionUpdate struct {
	URL        *string
	EventTypes *[]string
	Active     *bool
}

// Registry owns the subscription set. All reads return snapshots; delivery
// workers fetch a fresh snapshot per attempt so updates apply to in-flight
// queue items.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	repo   relationaldb.SubscriptionRepository
	logger *zap.Logger
}

// NewRegistry creates an empty subscription registry. A nil repository
// keeps subscriptions memory-only.
func NewRegistry(repo relationaldb.SubscriptionRepository, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subs:   make(map[string]*Subscription),
		repo:   repo,
		logger: logger,
	}
}

// LoadFromStore replaces the in-memory subscription set with the stored
// one. Call once at startup before delivery workers run.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	recs, err := r.repo.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	loaded := make(map[string]*Subscription, len(recs))
	for _, rec := range recs {
		loaded[rec.ID] = subscriptionFromRecord(rec)
	}

	r.mu.Lock()
	r.subs = loaded
	r.mu.Unlock()

	r.logger.Info("webhook subscriptions loaded", zap.Int("count", len(loaded)))
	return nil
}

// Create registers an active subscription for the given owner. An empty
// eventTypes set subscribes to all event types.
func (r *Registry) Create(ownerID, targetURL, secret string, eventTypes []string) (*Subscription, error) {
	if err := validateTargetURL(targetURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, ErrMissingSecret
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:         "sub_" + uuid.NewString(),
		OwnerID:    ownerID,
		URL:        targetURL,
		Secret:     secret,
		EventTypes: append([]string(nil), eventTypes...),
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	snapshot := sub.clone()
	r.mu.Unlock()

	r.persist(snapshot)
	r.logger.Info("webhook subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("owner_id", ownerID),
		zap.String("url", targetURL),
		zap.Strings("event_types", eventTypes))
	return snapshot, nil
}

// Update applies the non-nil fields of upd to the subscription.
func (r *Registry) Update(id string, upd SubscriptionUpdate) (*Subscription, error) {
	if upd.URL != nil {
		if err := validateTargetURL(*upd.URL); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSubscriptionNotFound
	}
	if upd.URL != nil {
		sub.URL = *upd.URL
	}
	if upd.EventTypes != nil {
		sub.EventTypes = append([]string(nil), (*upd.EventTypes)...)
	}
	if upd.Active != nil {
		sub.Active = *upd.Active
	}
	sub.UpdatedAt = time.Now().UTC()
	snapshot := sub.clone()
	r.mu.Unlock()

	r.persist(snapshot)
	r.logger.Info("webhook subscription updated",
		zap.String("subscription_id", id),
		zap.Bool("active", snapshot.Active))
	return snapshot, nil
}

// Get returns a snapshot of the subscription.
func (r *Registry) Get(id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.clone(), nil
}

// List returns snapshots of all subscriptions, or only those belonging to
// ownerID when it is non-empty.
func (r *Registry) List(ownerID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if ownerID != "" && sub.OwnerID != ownerID {
			continue
		}
		out = append(out, sub.clone())
	}
	return out
}

// Delete removes the subscription. Deleting an unknown id is not an error;
// queued deliveries for a deleted subscription are dropped at dequeue.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	_, existed := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if !existed {
		return
	}
	if r.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.repo.DeleteSubscription(ctx, id); err != nil {
			r.logger.Warn("subscription delete persist failed",
				zap.String("subscription_id", id), zap.Error(err))
		}
	}
	r.logger.Info("webhook subscription deleted", zap.String("subscription_id", id))
}

// matching returns snapshots of every subscription that should receive an
// event of type t.
func (r *Registry) matching(t event.Type) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.subs {
		if sub.matches(t) {
			out = append(out, sub.clone())
		}
	}
	return out
}

// recordDelivery folds one terminal delivery outcome into the counters.
// The total counts delivery items, not HTTP attempts.
func (r *Registry) recordDelivery(id string, success bool) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.TotalDeliveries++
	if success {
		sub.SuccessfulDeliveries++
		now := time.Now().UTC()
		sub.LastDeliveryAt = &now
	} else {
		sub.FailedDeliveries++
	}
	sub.UpdatedAt = time.Now().UTC()
	snapshot := sub.clone()
	r.mu.Unlock()

	r.persist(snapshot)
}

// persist writes the subscription through to the store. Failures are
// logged and swallowed; the in-memory copy stays authoritative until the
// next successful save.
func (r *Registry) persist(sub *Subscription) {
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.repo.SaveSubscription(ctx, sub.record()); err != nil {
		r.logger.Warn("subscription persist failed",
			zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ErrInvalidTargetURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidTargetURL
	}
	return nil
}
