package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxAmountHistory = 100
	maxRecipients    = 50
)

// Profile is an agent's accumulated transaction behavior: counters, a
// bounded amount history for anomaly statistics, and the recipient and
// category sets the fingerprint rule compares against.
type Profile struct {
	AgentID          string          `json:"agent_id"`
	TotalTx          uint64          `json:"total_tx"`
	SuccessTx        uint64          `json:"success_tx"`
	FailedTx         uint64          `json:"failed_tx"`
	ConsecutiveFails int             `json:"consecutive_fails"`
	AvgAmount        decimal.Decimal `json:"avg_amount"`
	MaxAmount        decimal.Decimal `json:"max_amount"`

	amounts    []float64
	recipients []string
	recipSet   map[string]struct{}
	categories map[string]struct{}
	timestamps []time.Time
}

func newProfile(agentID string) *Profile {
	return &Profile{
		AgentID:    agentID,
		recipSet:   make(map[string]struct{}),
		categories: make(map[string]struct{}),
	}
}

// record folds one finished attempt into the profile. Successful payments
// feed the averages and fingerprint sets; failures feed the failure
// counters only.
func (p *Profile) record(o Outcome) {
	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.TotalTx++
	p.pruneTimestamps(at)
	p.timestamps = append(p.timestamps, at)

	if !o.Succeeded {
		p.FailedTx++
		p.ConsecutiveFails++
		return
	}

	p.SuccessTx++
	p.ConsecutiveFails = 0

	// Running average over successful payments.
	n := decimal.NewFromInt(int64(p.SuccessTx))
	p.AvgAmount = p.AvgAmount.Mul(n.Sub(decimal.NewFromInt(1))).Add(o.Amount).Div(n)
	if o.Amount.GreaterThan(p.MaxAmount) {
		p.MaxAmount = o.Amount
	}

	p.amounts = append(p.amounts, o.Amount.InexactFloat64())
	if len(p.amounts) > maxAmountHistory {
		p.amounts = p.amounts[len(p.amounts)-maxAmountHistory:]
	}

	if o.RecipientID != "" {
		if _, ok := p.recipSet[o.RecipientID]; !ok {
			p.recipSet[o.RecipientID] = struct{}{}
			p.recipients = append(p.recipients, o.RecipientID)
			if len(p.recipients) > maxRecipients {
				evicted := p.recipients[0]
				p.recipients = p.recipients[1:]
				delete(p.recipSet, evicted)
			}
		}
	}
	if o.Category != "" {
		p.categories[o.Category] = struct{}{}
	}
}

// snapshot deep-copies the profile so rule evaluation never races a
// concurrent RecordOutcome.
func (p *Profile) snapshot() *Profile {
	cp := &Profile{
		AgentID:          p.AgentID,
		TotalTx:          p.TotalTx,
		SuccessTx:        p.SuccessTx,
		FailedTx:         p.FailedTx,
		ConsecutiveFails: p.ConsecutiveFails,
		AvgAmount:        p.AvgAmount,
		MaxAmount:        p.MaxAmount,
		amounts:          append([]float64(nil), p.amounts...),
		recipients:       append([]string(nil), p.recipients...),
		recipSet:         make(map[string]struct{}, len(p.recipSet)),
		categories:       make(map[string]struct{}, len(p.categories)),
		timestamps:       append([]time.Time(nil), p.timestamps...),
	}
	for k := range p.recipSet {
		cp.recipSet[k] = struct{}{}
	}
	for k := range p.categories {
		cp.categories[k] = struct{}{}
	}
	return cp
}

func (p *Profile) pruneTimestamps(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(p.timestamps); i++ {
		if p.timestamps[i].After(cutoff) {
			break
		}
	}
	p.timestamps = p.timestamps[i:]
}

// countSince returns how many attempts landed in (now-window, now].
func (p *Profile) countSince(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range p.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (p *Profile) knowsRecipient(id string) bool {
	_, ok := p.recipSet[id]
	return ok
}

func (p *Profile) knowsCategory(category string) bool {
	_, ok := p.categories[category]
	return ok
}

// amountStats returns mean and population standard deviation of the
// retained amount history.
func (p *Profile) amountStats() (mean, stddev float64) {
	if len(p.amounts) == 0 {
		return 0, 0
	}
	for _, a := range p.amounts {
		mean += a
	}
	mean /= float64(len(p.amounts))
	var variance float64
	for _, a := range p.amounts {
		d := a - mean
		variance += d * d
	}
	variance /= float64(len(p.amounts))
	return mean, math.Sqrt(variance)
}

func (p *Profile) failureRate() float64 {
	if p.TotalTx == 0 {
		return 0
	}
	return float64(p.FailedTx) / float64(p.TotalTx)
}
