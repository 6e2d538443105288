package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"github.com/smallbiznis/quotaguard/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, subscription_id, user_id, customer_id, tier, status,
	current_period_start, current_period_end, cancel_at_period_end, pending_tier, origin,
	last_event_id, last_event_at, canceled_at, metadata, created_at, updated_at`

const insertSubscription = `INSERT INTO subscriptions (` + subscriptionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *repo) FindBySubscriptionID(ctx context.Context, conn *gorm.DB, subscriptionID string) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn, `WHERE subscription_id = ?`, false, subscriptionID)
}

func (r *repo) FindBySubscriptionIDForUpdate(ctx context.Context, conn *gorm.DB, subscriptionID string) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn, `WHERE subscription_id = ?`, true, subscriptionID)
}

func (r *repo) FindLiveByUserID(ctx context.Context, conn *gorm.DB, userID string) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn,
		`WHERE user_id = ? AND status IN ? ORDER BY last_event_at DESC`,
		false,
		userID,
		subscriptiondomain.LiveStatuses,
	)
}

func (r *repo) FindLatestByUserID(ctx context.Context, conn *gorm.DB, userID string) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn, `WHERE user_id = ? ORDER BY last_event_at DESC`, false, userID)
}

func (r *repo) findOne(ctx context.Context, conn *gorm.DB, where string, forUpdate bool, args ...any) (*subscriptiondomain.SubscriptionRecord, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions ` + where + ` LIMIT 1`
	if forUpdate {
		query += db.ForUpdate(conn)
	}

	var record subscriptiondomain.SubscriptionRecord
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&record).Error; err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) Upsert(ctx context.Context, conn *gorm.DB, record *subscriptiondomain.SubscriptionRecord) (bool, error) {
	query := insertSubscription + `
		ON CONFLICT (subscription_id) DO UPDATE SET
			user_id = excluded.user_id,
			customer_id = COALESCE(excluded.customer_id, subscriptions.customer_id),
			tier = excluded.tier,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			pending_tier = excluded.pending_tier,
			last_event_id = excluded.last_event_id,
			last_event_at = excluded.last_event_at,
			canceled_at = excluded.canceled_at,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		WHERE subscriptions.last_event_at <= excluded.last_event_at`
	if db.IsMySQL(conn) {
		// Assignments run left to right, so the guard column is written last.
		query = insertSubscription + `
		ON DUPLICATE KEY UPDATE
			user_id = IF(last_event_at <= VALUES(last_event_at), VALUES(user_id), user_id),
			customer_id = IF(last_event_at <= VALUES(last_event_at), COALESCE(VALUES(customer_id), customer_id), customer_id),
			tier = IF(last_event_at <= VALUES(last_event_at), VALUES(tier), tier),
			status = IF(last_event_at <= VALUES(last_event_at), VALUES(status), status),
			current_period_start = IF(last_event_at <= VALUES(last_event_at), VALUES(current_period_start), current_period_start),
			current_period_end = IF(last_event_at <= VALUES(last_event_at), VALUES(current_period_end), current_period_end),
			cancel_at_period_end = IF(last_event_at <= VALUES(last_event_at), VALUES(cancel_at_period_end), cancel_at_period_end),
			pending_tier = IF(last_event_at <= VALUES(last_event_at), VALUES(pending_tier), pending_tier),
			canceled_at = IF(last_event_at <= VALUES(last_event_at), VALUES(canceled_at), canceled_at),
			metadata = IF(last_event_at <= VALUES(last_event_at), VALUES(metadata), metadata),
			updated_at = IF(last_event_at <= VALUES(last_event_at), VALUES(updated_at), updated_at),
			last_event_id = IF(last_event_at <= VALUES(last_event_at), VALUES(last_event_id), last_event_id),
			last_event_at = IF(last_event_at <= VALUES(last_event_at), VALUES(last_event_at), last_event_at)`
	}

	result := conn.WithContext(ctx).Exec(query, recordArgs(record)...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertIfAbsent(ctx context.Context, conn *gorm.DB, record *subscriptiondomain.SubscriptionRecord) (bool, error) {
	query := insertSubscription + ` ON CONFLICT (subscription_id) DO NOTHING`
	if db.IsMySQL(conn) {
		query = "INSERT IGNORE" + insertSubscription[len("INSERT"):]
	}

	result := conn.WithContext(ctx).Exec(query, recordArgs(record)...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func recordArgs(record *subscriptiondomain.SubscriptionRecord) []any {
	return []any{
		record.ID,
		record.SubscriptionID,
		record.UserID,
		record.CustomerID,
		record.Tier,
		record.Status,
		record.CurrentPeriodStart,
		record.CurrentPeriodEnd,
		record.CancelAtPeriodEnd,
		record.PendingTier,
		record.Origin,
		record.LastEventID,
		record.LastEventAt,
		record.CanceledAt,
		record.Metadata,
		record.CreatedAt,
		record.UpdatedAt,
	}
}

func (r *repo) UpdateStatus(ctx context.Context, conn *gorm.DB, subscriptionID string, from []subscriptiondomain.Status, to subscriptiondomain.Status, eventID string, eventAt, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET status = ?, last_event_id = ?, last_event_at = ?, updated_at = ?
		WHERE subscription_id = ? AND last_event_at <= ? AND status IN ?`,
		to,
		eventID,
		eventAt,
		now,
		subscriptionID,
		eventAt,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SupersedeLive(ctx context.Context, conn *gorm.DB, userID, keepSubscriptionID string, at time.Time) (int64, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET status = ?, canceled_at = ?, cancel_at_period_end = ?, pending_tier = NULL, updated_at = ?
		WHERE user_id = ? AND subscription_id <> ? AND status IN ?`,
		subscriptiondomain.StatusCanceled,
		at,
		false,
		at,
		userID,
		keepSubscriptionID,
		subscriptiondomain.LiveStatuses,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) SaveEvent(ctx context.Context, conn *gorm.DB, event *subscriptiondomain.SubscriptionEvent) error {
	insert := `INSERT INTO subscription_events (
			id, event_id, event_type, subscription_id, status, error, payload, occurred_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	query := insert + `
		ON CONFLICT (event_id) DO UPDATE SET
			subscription_id = COALESCE(excluded.subscription_id, subscription_events.subscription_id),
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`
	if db.IsMySQL(conn) {
		query = insert + `
		ON DUPLICATE KEY UPDATE
			subscription_id = COALESCE(VALUES(subscription_id), subscription_id),
			status = VALUES(status),
			error = VALUES(error),
			updated_at = VALUES(updated_at)`
	}

	return conn.WithContext(ctx).Exec(query,
		event.ID,
		event.EventID,
		event.EventType,
		event.SubscriptionID,
		event.Status,
		event.Error,
		event.Payload,
		event.OccurredAt,
		event.CreatedAt,
		event.UpdatedAt,
	).Error
}

func (r *repo) ListEventsByStatus(ctx context.Context, conn *gorm.DB, status subscriptiondomain.EventStatus, after *pagination.Cursor, limit int) ([]*subscriptiondomain.SubscriptionEvent, error) {
	query := `SELECT id, event_id, event_type, subscription_id, status, error, payload, occurred_at, created_at, updated_at
		FROM subscription_events
		WHERE status = ?`
	args := []any{status}

	if after != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, after.CreatedAt)
		if err != nil {
			return nil, subscriptiondomain.ErrInvalidPageToken
		}
		id, err := strconv.ParseInt(after.ID, 10, 64)
		if err != nil {
			return nil, subscriptiondomain.ErrInvalidPageToken
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt.UTC(), createdAt.UTC(), snowflake.ID(id))
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var events []*subscriptiondomain.SubscriptionEvent
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
