package risk

import (
	"fmt"
	"time"
)

const (
	defaultHourlyTxLimit = 20
	defaultDailyTxLimit  = 100
)

// VelocityRule flags agents transacting faster than their limits allow.
// Ratios of 1x add score, 1.5x recommends review, 2x recommends denial;
// sustained bursts above ten payments an hour add a smaller ramp.
type VelocityRule struct {
	HourlyLimit int
	DailyLimit  int
}

// NewVelocityRule applies the default hourly and daily limits.
func NewVelocityRule() *VelocityRule {
	return &VelocityRule{HourlyLimit: defaultHourlyTxLimit, DailyLimit: defaultDailyTxLimit}
}

func (r *VelocityRule) Name() string { return "velocity" }

func (r *VelocityRule) Evaluate(pctx *PaymentContext) *RuleResult {
	res := &RuleResult{Rule: r.Name(), Weight: 1.5}

	hourCount := pctx.Profile.countSince(pctx.Now, time.Hour)
	dayCount := pctx.Profile.countSince(pctx.Now, 24*time.Hour)
	res.Details = map[string]any{
		"transactions_last_hour": hourCount,
		"transactions_last_day":  dayCount,
	}

	r.scoreWindow(res, "hourly", hourCount, r.HourlyLimit, 30)
	r.scoreWindow(res, "daily", dayCount, r.DailyLimit, 20)

	if hourCount >= 10 {
		burst := 2 * float64(hourCount-10)
		if burst > 15 {
			burst = 15
		}
		res.add(Factor{
			Name:   "burst_pattern",
			Score:  burst,
			Detail: fmt.Sprintf("%d transactions in the last hour", hourCount),
		})
	}

	res.clamp()
	return res
}

func (r *VelocityRule) scoreWindow(res *RuleResult, window string, count, limit int, base float64) {
	if limit <= 0 {
		return
	}
	ratio := float64(count) / float64(limit)
	if ratio < 1.0 {
		return
	}
	f := Factor{
		Name:   fmt.Sprintf("high_%s_velocity", window),
		Score:  base,
		Detail: fmt.Sprintf("%d transactions against a limit of %d", count, limit),
	}
	if ratio >= 1.5 {
		f.Score += base
	}
	res.add(f)

	switch {
	case ratio >= 2.0:
		res.escalate(DecisionDeny)
	case ratio >= 1.5:
		res.escalate(DecisionReview)
	}
}
