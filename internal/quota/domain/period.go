package domain

import (
	"time"

	"github.com/smallbiznis/quotaguard/internal/apperror"
)

// Period is a half-open interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthlyPeriod returns the UTC calendar month containing now.
func MonthlyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// DayStart returns midnight UTC of the day containing now.
func DayStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func NextDayStart(now time.Time) time.Time {
	return DayStart(now).AddDate(0, 0, 1)
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) Validate() error {
	if p.Start.IsZero() || !p.End.After(p.Start) {
		return apperror.NewValidation("period", "invalid_period", "period end must be after period start")
	}
	return nil
}
