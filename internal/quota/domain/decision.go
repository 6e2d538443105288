package domain

import (
	"time"

	"github.com/smallbiznis/quotaguard/internal/tier"
)

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonDailyLimitExceeded   Reason = "daily_limit_exceeded"
	ReasonMonthlyLimitExceeded Reason = "monthly_limit_exceeded"
)

// Decision is the result of a usage check. Remaining values of -1 mean unlimited.
type Decision struct {
	Allowed          bool      `json:"allowed"`
	Tier             tier.Tier `json:"tier"`
	DailyCount       int64     `json:"daily_count"`
	MonthlyCount     int64     `json:"monthly_count"`
	RemainingDaily   int64     `json:"remaining_daily"`
	RemainingMonthly int64     `json:"remaining_monthly"`
	ResetAt          time.Time `json:"reset_at"`
	Reason           Reason    `json:"reason,omitempty"`
	// Degraded is set when the decision was produced by a fail-open policy.
	Degraded bool `json:"degraded,omitempty"`
}

// Evaluate compares counts against the tier limits. The monthly limit is
// reported first since it resets last.
func Evaluate(t tier.Tier, limits tier.Limits, daily, monthly int64, now time.Time, period Period) Decision {
	d := Decision{
		Allowed:          true,
		Tier:             t,
		DailyCount:       daily,
		MonthlyCount:     monthly,
		RemainingDaily:   remaining(limits.DailyLimit, daily),
		RemainingMonthly: remaining(limits.MonthlyLimit, monthly),
		ResetAt:          NextDayStart(now),
	}
	switch {
	case !tier.IsUnlimited(limits.MonthlyLimit) && monthly >= limits.MonthlyLimit:
		d.Allowed = false
		d.Reason = ReasonMonthlyLimitExceeded
		d.ResetAt = period.End
	case !tier.IsUnlimited(limits.DailyLimit) && daily >= limits.DailyLimit:
		d.Allowed = false
		d.Reason = ReasonDailyLimitExceeded
	}
	return d
}

func remaining(limit, used int64) int64 {
	if tier.IsUnlimited(limit) {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// PercentUsed returns the integer percentage of limit consumed, or -1 when unlimited.
func PercentUsed(limit, used int64) int {
	if tier.IsUnlimited(limit) {
		return -1
	}
	if limit == 0 {
		return 100
	}
	return int(used * 100 / limit)
}

// MigrationResult describes an anonymous-to-user merge.
type MigrationResult struct {
	From     Identity `json:"from"`
	To       Identity `json:"to"`
	Moved    Counts   `json:"moved"`
	Migrated bool     `json:"migrated"`
}
