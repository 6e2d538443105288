package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/quotaguard/internal/tier"
	"gorm.io/gorm"
)

// Repository is the quota store. Every mutation is a single statement.
type Repository interface {
	GetOrCreate(ctx context.Context, db *gorm.DB, seed *UsageRecord) (*UsageRecord, error)
	Find(ctx context.Context, db *gorm.DB, identity Identity, period Period) (*UsageRecord, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, identity Identity, period Period) (*UsageRecord, error)
	IncrementAtomic(ctx context.Context, db *gorm.DB, seed *UsageRecord, delta Counts) (Counts, error)
	MarkMigrated(ctx context.Context, db *gorm.DB, source *UsageRecord, to Identity, at time.Time) (bool, error)
	ListHistory(ctx context.Context, db *gorm.DB, identity Identity, limit int) ([]UsageRecord, error)
}

// Service is the usage tracker.
type Service interface {
	CheckUsage(ctx context.Context, identity Identity, t tier.Tier, now time.Time) (Decision, error)
	// RecordUsage never fails the caller; storage errors are logged.
	RecordUsage(ctx context.Context, identity Identity, t tier.Tier, now time.Time)
	MigrateAnonymousUsage(ctx context.Context, address, userID string, now time.Time) (MigrationResult, error)
	CurrentUsage(ctx context.Context, identity Identity, now time.Time) (Counts, Period, error)
	History(ctx context.Context, identity Identity, limit int) ([]UsageRecord, error)
}

// ThresholdNotifier receives warnings when consumption crosses the configured
// percentage. Implementations must not block.
type ThresholdNotifier interface {
	NotifyUsageThreshold(ctx context.Context, identity Identity, percentUsed int)
}

var (
	ErrMissingDB        = errors.New("missing_db")
	ErrInvalidIncrement = errors.New("invalid_increment")
)
