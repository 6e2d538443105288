// Package domain contains the usage counter model and the quota contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord stores the counters of one identity for one monthly period.
// DailyCount is only meaningful while LastReset equals the current day start.
type UsageRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	IdentityKey    string       `gorm:"type:varchar(191);not null;uniqueIndex:ux_usage_records_identity_period,priority:1"`
	UserID         *string      `gorm:"type:varchar(128);index"`
	NetworkAddress *string      `gorm:"type:varchar(64);index"`
	PeriodStart    time.Time    `gorm:"not null;uniqueIndex:ux_usage_records_identity_period,priority:2"`
	PeriodEnd      time.Time    `gorm:"not null;uniqueIndex:ux_usage_records_identity_period,priority:3"`
	DailyCount     int64        `gorm:"not null;default:0"`
	MonthlyCount   int64        `gorm:"not null;default:0"`
	LastReset      time.Time    `gorm:"not null"`
	MigratedAt     *time.Time   `gorm:""`
	MigratedTo     *string      `gorm:"type:varchar(191)"`
	CreatedAt      time.Time    `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// DailyCountAt applies the lazy daily rollover.
func (r *UsageRecord) DailyCountAt(now time.Time) int64 {
	if r == nil || r.LastReset.Before(DayStart(now)) {
		return 0
	}
	return r.DailyCount
}

func (r *UsageRecord) Period() Period {
	return Period{Start: r.PeriodStart, End: r.PeriodEnd}
}

func (r *UsageRecord) Identity() Identity {
	if r.UserID != nil {
		return Identity{UserID: *r.UserID}
	}
	if r.NetworkAddress != nil {
		return Identity{NetworkAddress: *r.NetworkAddress}
	}
	return Identity{}
}

// Counts is a daily/monthly pair, used both as an increment and as a result.
type Counts struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

func (c Counts) IsZero() bool { return c.Daily == 0 && c.Monthly == 0 }
