package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/quotaguard/internal/tier"
	"github.com/smallbiznis/quotaguard/pkg/db/pagination"
	"gorm.io/gorm"
)

// EventVerifier authenticates a raw provider payload. A bad signature returns
// *apperror.SignatureVerificationError. A verified payload whose object cannot
// be decoded returns the event together with ErrInvalidPayload.
type EventVerifier interface {
	Provider() string
	Verify(payload []byte, signature string) (*BillingEvent, error)
}

type Repository interface {
	FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*SubscriptionRecord, error)
	FindBySubscriptionIDForUpdate(ctx context.Context, db *gorm.DB, subscriptionID string) (*SubscriptionRecord, error)
	FindLiveByUserID(ctx context.Context, db *gorm.DB, userID string) (*SubscriptionRecord, error)
	FindLatestByUserID(ctx context.Context, db *gorm.DB, userID string) (*SubscriptionRecord, error)
	// Upsert writes the record unless the stored row carries a newer event.
	Upsert(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) (bool, error)
	// InsertIfAbsent creates the record only when the subscription is unknown.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, subscriptionID string, from []Status, to Status, eventID string, eventAt, now time.Time) (bool, error)
	SupersedeLive(ctx context.Context, db *gorm.DB, userID, keepSubscriptionID string, at time.Time) (int64, error)
	SaveEvent(ctx context.Context, db *gorm.DB, event *SubscriptionEvent) error
	ListEventsByStatus(ctx context.Context, db *gorm.DB, status EventStatus, after *pagination.Cursor, limit int) ([]*SubscriptionEvent, error)
}

type Service interface {
	// HandleEvent verifies and applies a provider payload. Only signature
	// failures are returned; processing failures are recorded and acknowledged.
	HandleEvent(ctx context.Context, payload []byte, signature string) error
	EffectiveTier(ctx context.Context, userID string, now time.Time) (tier.Tier, error)
	GetByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error)
	ListFailedEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

type ListEventsRequest struct {
	pagination.Pagination
}

type ListEventsResponse struct {
	Events   []*SubscriptionEvent `json:"events"`
	PageInfo pagination.PageInfo  `json:"page_info"`
}

var (
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrMissingSubscription = errors.New("missing_subscription_id")
	ErrMissingUser         = errors.New("missing_user_id")
	ErrUnknownPrice        = errors.New("unknown_price")
	ErrStaleEvent          = errors.New("stale_event")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	// ErrLiveConflict means another live subscription for the user was written concurrently.
	ErrLiveConflict = errors.New("live_subscription_conflict")
)
