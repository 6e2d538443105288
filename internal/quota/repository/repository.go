package repository

import (
	"context"
	"fmt"
	"time"

	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() quotadomain.Repository {
	return &repo{}
}

const usageColumns = `id, identity_key, user_id, network_address, period_start, period_end,
	daily_count, monthly_count, last_reset, migrated_at, migrated_to, created_at, updated_at`

// GetOrCreate inserts a zeroed row when none exists and returns the stored row.
func (r *repo) GetOrCreate(ctx context.Context, conn *gorm.DB, seed *quotadomain.UsageRecord) (*quotadomain.UsageRecord, error) {
	insert := `INSERT INTO usage_records (
			id, identity_key, user_id, network_address, period_start, period_end,
			daily_count, monthly_count, last_reset, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`
	if db.IsMySQL(conn) {
		insert = "INSERT IGNORE" + insert[len("INSERT"):]
	} else {
		insert += " ON CONFLICT (identity_key, period_start, period_end) DO NOTHING"
	}

	if err := conn.WithContext(ctx).Exec(insert,
		seed.ID,
		seed.IdentityKey,
		seed.UserID,
		seed.NetworkAddress,
		seed.PeriodStart,
		seed.PeriodEnd,
		seed.LastReset,
		seed.CreatedAt,
		seed.UpdatedAt,
	).Error; err != nil {
		return nil, err
	}

	record, err := r.find(ctx, conn, seed.IdentityKey, seed.PeriodStart, seed.PeriodEnd, false)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("usage record for %s vanished after insert", seed.IdentityKey)
	}
	return record, nil
}

func (r *repo) Find(ctx context.Context, conn *gorm.DB, identity quotadomain.Identity, period quotadomain.Period) (*quotadomain.UsageRecord, error) {
	return r.find(ctx, conn, identity.Key(), period.Start, period.End, false)
}

func (r *repo) FindForUpdate(ctx context.Context, conn *gorm.DB, identity quotadomain.Identity, period quotadomain.Period) (*quotadomain.UsageRecord, error) {
	return r.find(ctx, conn, identity.Key(), period.Start, period.End, true)
}

func (r *repo) find(ctx context.Context, conn *gorm.DB, identityKey string, start, end time.Time, forUpdate bool) (*quotadomain.UsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM usage_records
		WHERE identity_key = ? AND period_start = ? AND period_end = ?
		LIMIT 1`
	if forUpdate {
		query += db.ForUpdate(conn)
	}

	var record quotadomain.UsageRecord
	if err := conn.WithContext(ctx).Raw(query, identityKey, start, end).Scan(&record).Error; err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

type countsRow struct {
	DailyCount   int64
	MonthlyCount int64
}

// IncrementAtomic adds delta to the counters of the seed's period in a single
// upsert. The daily counter restarts from delta.Daily when the stored
// last_reset predates seed.LastReset.
func (r *repo) IncrementAtomic(ctx context.Context, conn *gorm.DB, seed *quotadomain.UsageRecord, delta quotadomain.Counts) (quotadomain.Counts, error) {
	if delta.Daily < 0 || delta.Monthly < 0 {
		return quotadomain.Counts{}, quotadomain.ErrInvalidIncrement
	}
	if db.IsMySQL(conn) {
		return r.incrementMySQL(ctx, conn, seed, delta)
	}

	query := `INSERT INTO usage_records (
			id, identity_key, user_id, network_address, period_start, period_end,
			daily_count, monthly_count, last_reset, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_key, period_start, period_end) DO UPDATE SET
			daily_count = CASE
				WHEN usage_records.last_reset < excluded.last_reset THEN excluded.daily_count
				ELSE usage_records.daily_count + excluded.daily_count
			END,
			monthly_count = usage_records.monthly_count + excluded.monthly_count,
			last_reset = CASE
				WHEN usage_records.last_reset < excluded.last_reset THEN excluded.last_reset
				ELSE usage_records.last_reset
			END,
			updated_at = excluded.updated_at
		RETURNING daily_count, monthly_count`

	var row countsRow
	if err := conn.WithContext(ctx).Raw(query, incrementArgs(seed, delta)...).Scan(&row).Error; err != nil {
		return quotadomain.Counts{}, err
	}
	return quotadomain.Counts{Daily: row.DailyCount, Monthly: row.MonthlyCount}, nil
}

// MySQL evaluates assignments left to right, so last_reset is updated last.
func (r *repo) incrementMySQL(ctx context.Context, conn *gorm.DB, seed *quotadomain.UsageRecord, delta quotadomain.Counts) (quotadomain.Counts, error) {
	query := `INSERT INTO usage_records (
			id, identity_key, user_id, network_address, period_start, period_end,
			daily_count, monthly_count, last_reset, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			daily_count = IF(last_reset < VALUES(last_reset), VALUES(daily_count), daily_count + VALUES(daily_count)),
			monthly_count = monthly_count + VALUES(monthly_count),
			updated_at = VALUES(updated_at),
			last_reset = IF(last_reset < VALUES(last_reset), VALUES(last_reset), last_reset)`

	var counts quotadomain.Counts
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(query, incrementArgs(seed, delta)...).Error; err != nil {
			return err
		}
		var row countsRow
		if err := tx.Raw(
			`SELECT daily_count, monthly_count FROM usage_records
			WHERE identity_key = ? AND period_start = ? AND period_end = ?`,
			seed.IdentityKey, seed.PeriodStart, seed.PeriodEnd,
		).Scan(&row).Error; err != nil {
			return err
		}
		counts = quotadomain.Counts{Daily: row.DailyCount, Monthly: row.MonthlyCount}
		return nil
	})
	return counts, err
}

func incrementArgs(seed *quotadomain.UsageRecord, delta quotadomain.Counts) []any {
	return []any{
		seed.ID,
		seed.IdentityKey,
		seed.UserID,
		seed.NetworkAddress,
		seed.PeriodStart,
		seed.PeriodEnd,
		delta.Daily,
		delta.Monthly,
		seed.LastReset,
		seed.CreatedAt,
		seed.UpdatedAt,
	}
}

// MarkMigrated zeroes the source counters only if they still hold the values
// that were read, so a concurrent migration cannot move them twice.
func (r *repo) MarkMigrated(ctx context.Context, conn *gorm.DB, source *quotadomain.UsageRecord, to quotadomain.Identity, at time.Time) (bool, error) {
	target := to.Key()
	result := conn.WithContext(ctx).Exec(
		`UPDATE usage_records
		SET daily_count = 0, monthly_count = 0, migrated_at = ?, migrated_to = ?, updated_at = ?
		WHERE id = ? AND daily_count = ? AND monthly_count = ?`,
		at,
		target,
		at,
		source.ID,
		source.DailyCount,
		source.MonthlyCount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListHistory(ctx context.Context, conn *gorm.DB, identity quotadomain.Identity, limit int) ([]quotadomain.UsageRecord, error) {
	var records []quotadomain.UsageRecord
	err := conn.WithContext(ctx).Raw(
		`SELECT `+usageColumns+`
		FROM usage_records
		WHERE identity_key = ?
		ORDER BY period_start DESC
		LIMIT ?`,
		identity.Key(),
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
