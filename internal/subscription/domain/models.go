// Package domain contains the subscription record, the billing event audit log
// and the lifecycle contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// LiveStatuses grant paid entitlements. At most one live record exists per user.
var LiveStatuses = []Status{StatusTrialing, StatusActive, StatusPastDue}

func (s Status) IsLive() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s.IsLive() || s == StatusCanceled || s == StatusIncomplete
}

// Origin records how a subscription was created.
type Origin string

const (
	OriginInApp     Origin = "in_app"
	OriginDashboard Origin = "dashboard"
	OriginAPI       Origin = "api"
	OriginMigration Origin = "migration"
)

func ParseOrigin(value string) Origin {
	switch o := Origin(value); o {
	case OriginInApp, OriginDashboard, OriginAPI, OriginMigration:
		return o
	}
	return OriginDashboard
}

// MetadataProrationFactor holds the share of the cycle left when the last upgrade applied.
const MetadataProrationFactor = "proration_factor"

// SubscriptionRecord mirrors a provider subscription for one user.
type SubscriptionRecord struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	SubscriptionID     string            `gorm:"type:varchar(191);not null;uniqueIndex" json:"subscription_id"`
	UserID             string            `gorm:"type:varchar(128);not null;index" json:"user_id"`
	CustomerID         *string           `gorm:"type:varchar(191)" json:"customer_id,omitempty"`
	Tier               tier.Tier         `gorm:"type:varchar(32);not null" json:"tier"`
	Status             Status            `gorm:"type:varchar(32);not null;index" json:"status"`
	CurrentPeriodStart time.Time         `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `gorm:"not null" json:"current_period_end"`
	CancelAtPeriodEnd  bool              `gorm:"not null;default:false" json:"cancel_at_period_end"`
	PendingTier        *tier.Tier        `gorm:"type:varchar(32)" json:"pending_tier,omitempty"`
	Origin             Origin            `gorm:"type:varchar(32);not null" json:"origin"`
	LastEventID        string            `gorm:"type:varchar(191);not null" json:"last_event_id"`
	LastEventAt        time.Time         `gorm:"not null" json:"last_event_at"`
	CanceledAt         *time.Time        `gorm:"" json:"canceled_at,omitempty"`
	Metadata           datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (SubscriptionRecord) TableName() string { return "subscriptions" }

// EffectiveTier resolves the tier in force at now. A pending downgrade takes
// over once the current period has ended; nothing is written for it.
func (r *SubscriptionRecord) EffectiveTier(now time.Time) tier.Tier {
	if r == nil || !r.Status.IsLive() {
		return tier.Free
	}
	if r.PendingTier != nil && !r.CurrentPeriodEnd.IsZero() && !now.Before(r.CurrentPeriodEnd) {
		return *r.PendingTier
	}
	return r.Tier
}

// EventStatus is the outcome recorded for a verified billing event.
type EventStatus string

const (
	EventStatusProcessed EventStatus = "processed"
	EventStatusIgnored   EventStatus = "ignored"
	EventStatusFailed    EventStatus = "failed"
)

// SubscriptionEvent is the audit trail of verified billing events. It exists for
// remediation only; redelivery is made safe by the conditional upserts.
type SubscriptionEvent struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	EventID        string         `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType      string         `gorm:"type:varchar(64);not null" json:"event_type"`
	SubscriptionID *string        `gorm:"type:varchar(191);index" json:"subscription_id,omitempty"`
	Status         EventStatus    `gorm:"type:varchar(32);not null;index" json:"status"`
	Error          *string        `gorm:"type:text" json:"error,omitempty"`
	Payload        datatypes.JSON `json:"payload,omitempty"`
	OccurredAt     time.Time      `gorm:"not null" json:"occurred_at"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (SubscriptionEvent) TableName() string { return "subscription_events" }

// ProrationFactor is the share of the billing cycle remaining at the given
// instant, clamped to [0, 1].
func ProrationFactor(periodStart, periodEnd, at time.Time) float64 {
	cycle := periodEnd.Sub(periodStart).Seconds()
	if cycle <= 0 {
		return 0
	}
	factor := periodEnd.Sub(at).Seconds() / cycle
	switch {
	case factor < 0:
		return 0
	case factor > 1:
		return 1
	}
	return factor
}
