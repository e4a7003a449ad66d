package risk

import (
	"sync"
	"time"
)

// defaultTrustScore seeds merchants the platform knows but has no history
// for. Neutral midpoint: well clear of both review (<30) and deny (<20).
const defaultTrustScore = 50

type merchantRecord struct {
	id         string
	trustScore float64
	createdAt  time.Time
	verified   bool
	payments   uint64
	disputes   uint64
	refunds    uint64
}

// reputationStore tracks merchant standing. Records are created when the
// orchestrator first routes a payment at a registered merchant; a lookup
// miss is what the reputation rule treats as "unknown merchant".
type reputationStore struct {
	mu        sync.RWMutex
	merchants map[string]*merchantRecord
}

func newReputationStore() *reputationStore {
	return &reputationStore{merchants: make(map[string]*merchantRecord)}
}

func (s *reputationStore) ensure(id string, createdAt time.Time, verified bool) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.merchants[id]; ok {
		return
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.merchants[id] = &merchantRecord{
		id:         id,
		trustScore: defaultTrustScore,
		createdAt:  createdAt,
		verified:   verified,
	}
}

func (s *reputationStore) get(id string) (*MerchantInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.merchants[id]
	if !ok {
		return nil, false
	}
	info := &MerchantInfo{
		ID:         rec.id,
		TrustScore: rec.trustScore,
		CreatedAt:  rec.createdAt,
		Verified:   rec.verified,
		Payments:   rec.payments,
	}
	if rec.payments > 0 {
		info.DisputeRate = float64(rec.disputes) / float64(rec.payments)
		info.RefundRate = float64(rec.refunds) / float64(rec.payments)
	}
	return info, true
}

func (s *reputationStore) recordPayment(id string) {
	s.bump(id, func(rec *merchantRecord) { rec.payments++ })
}

func (s *reputationStore) recordDispute(id string) {
	s.bump(id, func(rec *merchantRecord) { rec.disputes++ })
}

func (s *reputationStore) recordRefund(id string) {
	s.bump(id, func(rec *merchantRecord) { rec.refunds++ })
}

func (s *reputationStore) setTrustScore(id string, score float64) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	s.bump(id, func(rec *merchantRecord) { rec.trustScore = score })
}

func (s *reputationStore) setVerified(id string, verified bool) {
	s.bump(id, func(rec *merchantRecord) { rec.verified = verified })
}

func (s *reputationStore) bump(id string, fn func(*merchantRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.merchants[id]; ok {
		fn(rec)
	}
}
