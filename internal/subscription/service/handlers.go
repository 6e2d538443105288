package service

import (
	"context"
	"fmt"
	"time"

	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// handleCheckoutCompleted creates the subscription when the provider has not
// already told us about it. Later lifecycle events own every other field.
func (s *Service) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.BillingEvent, existing *subscriptiondomain.SubscriptionRecord) (outcome, error) {
	if existing != nil {
		return outcome{status: subscriptiondomain.EventStatusIgnored, users: []string{existing.UserID}, message: "subscription already recorded"}, nil
	}
	if event.UserID == "" {
		return outcome{}, subscriptiondomain.ErrMissingUser
	}
	requested, err := s.requestedTier(event, nil)
	if err != nil {
		return outcome{}, err
	}

	now := s.clock.Now()
	record := &subscriptiondomain.SubscriptionRecord{
		ID:                 s.genID.Generate(),
		SubscriptionID:     event.SubscriptionID,
		UserID:             event.UserID,
		CustomerID:         optionalString(event.CustomerID),
		Tier:               requested,
		Status:             event.Status,
		CurrentPeriodStart: event.CurrentPeriodStart,
		CurrentPeriodEnd:   event.CurrentPeriodEnd,
		Origin:             event.Origin,
		LastEventID:        event.ID,
		LastEventAt:        event.OccurredAt,
		Metadata:           datatypes.JSONMap{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if !record.Status.Valid() {
		record.Status = subscriptiondomain.StatusActive
	}
	if record.Origin == "" {
		record.Origin = subscriptiondomain.OriginInApp
	}
	if record.CurrentPeriodStart.IsZero() {
		record.CurrentPeriodStart = event.OccurredAt
	}

	if record.Status.IsLive() {
		if _, err := s.repo.SupersedeLive(ctx, tx, record.UserID, record.SubscriptionID, now); err != nil {
			return outcome{}, err
		}
	}
	inserted, err := s.repo.InsertIfAbsent(ctx, tx, record)
	if err != nil {
		return outcome{}, err
	}
	if !inserted {
		return outcome{status: subscriptiondomain.EventStatusIgnored, users: []string{record.UserID}, message: "subscription already recorded"}, nil
	}
	return outcome{status: subscriptiondomain.EventStatusProcessed, users: []string{record.UserID}}, nil
}

// handleSubscriptionChanged applies plan and status changes. Upgrades take
// effect immediately; downgrades wait for the period boundary.
func (s *Service) handleSubscriptionChanged(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.BillingEvent, existing *subscriptiondomain.SubscriptionRecord) (outcome, error) {
	if existing != nil && existing.LastEventAt.After(event.OccurredAt) {
		return outcome{}, subscriptiondomain.ErrStaleEvent
	}

	userID := event.UserID
	if userID == "" && existing != nil {
		userID = existing.UserID
	}
	if userID == "" {
		return outcome{}, subscriptiondomain.ErrMissingUser
	}
	requested, err := s.requestedTier(event, existing)
	if err != nil {
		return outcome{}, err
	}

	now := s.clock.Now()
	record := s.baseRecord(event, existing, now)
	record.UserID = userID
	if event.Status.Valid() {
		record.Status = event.Status
	}

	current := tier.Free
	if existing != nil {
		current = existing.Tier
		// A renewal past the boundary settles the pending tier before comparing.
		if existing.PendingTier != nil && record.CurrentPeriodEnd.After(existing.CurrentPeriodEnd) {
			current = *existing.PendingTier
		}
	}

	switch tier.Compare(requested, current) {
	case 1:
		record.Tier = requested
		record.PendingTier = nil
		record.CancelAtPeriodEnd = false
		if existing != nil {
			factor := subscriptiondomain.ProrationFactor(record.CurrentPeriodStart, record.CurrentPeriodEnd, event.OccurredAt)
			record.Metadata[subscriptiondomain.MetadataProrationFactor] = factor
			record.Metadata["proration_from_tier"] = current.String()
			s.log.Info("subscription upgraded",
				zap.String("subscription_id", record.SubscriptionID),
				zap.String("from", current.String()),
				zap.String("to", requested.String()),
				zap.Float64("proration_factor", factor),
			)
		}
	case -1:
		pending := requested
		record.Tier = current
		record.PendingTier = &pending
		record.CancelAtPeriodEnd = true
	default:
		record.Tier = current
		record.PendingTier = nil
		record.CancelAtPeriodEnd = false
	}

	// Cancelling at period end without a new plan drops to free at the boundary.
	if event.CancelAtPeriodEnd && record.PendingTier == nil {
		free := tier.Free
		record.PendingTier = &free
		record.CancelAtPeriodEnd = true
	}

	users := []string{record.UserID}
	if existing != nil && existing.UserID != record.UserID {
		users = append(users, existing.UserID)
	}
	if err := s.write(ctx, tx, record); err != nil {
		return outcome{}, err
	}
	return outcome{status: subscriptiondomain.EventStatusProcessed, users: users}, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.BillingEvent, existing *subscriptiondomain.SubscriptionRecord) (outcome, error) {
	if existing == nil {
		return outcome{status: subscriptiondomain.EventStatusIgnored, message: "unknown subscription"}, nil
	}
	if existing.LastEventAt.After(event.OccurredAt) {
		return outcome{}, subscriptiondomain.ErrStaleEvent
	}

	record := s.baseRecord(event, existing, s.clock.Now())
	record.Status = subscriptiondomain.StatusCanceled
	record.PendingTier = nil
	record.CancelAtPeriodEnd = false
	canceledAt := event.OccurredAt
	if event.CanceledAt != nil {
		canceledAt = *event.CanceledAt
	}
	record.CanceledAt = &canceledAt

	if err := s.write(ctx, tx, record); err != nil {
		return outcome{}, err
	}
	return outcome{status: subscriptiondomain.EventStatusProcessed, users: []string{record.UserID}}, nil
}

func (s *Service) handleInvoice(ctx context.Context, tx *gorm.DB, event *subscriptiondomain.BillingEvent, existing *subscriptiondomain.SubscriptionRecord, from []subscriptiondomain.Status, to subscriptiondomain.Status) (outcome, error) {
	if existing == nil {
		return outcome{status: subscriptiondomain.EventStatusIgnored, message: "unknown subscription"}, nil
	}
	if existing.LastEventAt.After(event.OccurredAt) {
		return outcome{}, subscriptiondomain.ErrStaleEvent
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, event.SubscriptionID, from, to, event.ID, event.OccurredAt, s.clock.Now())
	if err != nil {
		return outcome{}, err
	}
	if !updated {
		return outcome{
			status:  subscriptiondomain.EventStatusIgnored,
			users:   []string{existing.UserID},
			message: fmt.Sprintf("no transition from %s to %s", existing.Status, to),
		}, nil
	}
	return outcome{status: subscriptiondomain.EventStatusProcessed, users: []string{existing.UserID}}, nil
}

// write supersedes the user's other live subscriptions and then performs the
// conditional upsert. A rejected upsert rolls the whole event back.
func (s *Service) write(ctx context.Context, tx *gorm.DB, record *subscriptiondomain.SubscriptionRecord) error {
	if record.Status.IsLive() {
		superseded, err := s.repo.SupersedeLive(ctx, tx, record.UserID, record.SubscriptionID, record.UpdatedAt)
		if err != nil {
			return err
		}
		if superseded > 0 {
			s.log.Info("superseded live subscriptions",
				zap.String("user_id", record.UserID),
				zap.String("subscription_id", record.SubscriptionID),
				zap.Int64("count", superseded),
			)
		}
	}

	applied, err := s.repo.Upsert(ctx, tx, record)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return fmt.Errorf("%w: %v", subscriptiondomain.ErrLiveConflict, err)
		}
		return err
	}
	if !applied {
		return subscriptiondomain.ErrStaleEvent
	}
	return nil
}

// baseRecord starts from the stored row, or an empty one, and stamps the
// event fields every lifecycle write carries.
func (s *Service) baseRecord(event *subscriptiondomain.BillingEvent, existing *subscriptiondomain.SubscriptionRecord, now time.Time) *subscriptiondomain.SubscriptionRecord {
	var record subscriptiondomain.SubscriptionRecord
	if existing != nil {
		record = *existing
	} else {
		record = subscriptiondomain.SubscriptionRecord{
			ID:             s.genID.Generate(),
			SubscriptionID: event.SubscriptionID,
			Status:         subscriptiondomain.StatusActive,
			Origin:         subscriptiondomain.OriginDashboard,
			CreatedAt:      now,
		}
	}

	metadata := datatypes.JSONMap{}
	for k, v := range record.Metadata {
		metadata[k] = v
	}
	record.Metadata = metadata

	if event.CustomerID != "" {
		record.CustomerID = optionalString(event.CustomerID)
	}
	if existing == nil && event.Origin != "" {
		record.Origin = event.Origin
	}
	if !event.CurrentPeriodStart.IsZero() {
		record.CurrentPeriodStart = event.CurrentPeriodStart
	}
	if !event.CurrentPeriodEnd.IsZero() {
		record.CurrentPeriodEnd = event.CurrentPeriodEnd
	}
	if record.CurrentPeriodStart.IsZero() {
		record.CurrentPeriodStart = event.OccurredAt
	}
	record.LastEventID = event.ID
	record.LastEventAt = event.OccurredAt
	record.UpdatedAt = now
	return &record
}

// requestedTier resolves the plan the event asks for: the billed price, then
// metadata when no price maps, then the plan already on record. Metadata
// survives plan changes in the provider and may name the old plan.
func (s *Service) requestedTier(event *subscriptiondomain.BillingEvent, existing *subscriptiondomain.SubscriptionRecord) (tier.Tier, error) {
	if event.PriceID != "" {
		if t, ok := s.policy.Policy().TierForPrice(event.PriceID); ok {
			return t, nil
		}
	}
	if event.Tier.Valid() {
		return event.Tier, nil
	}
	if event.PriceID != "" {
		return "", fmt.Errorf("%w: %s", subscriptiondomain.ErrUnknownPrice, event.PriceID)
	}
	if existing != nil {
		if existing.PendingTier != nil {
			return *existing.PendingTier, nil
		}
		return existing.Tier, nil
	}
	return "", subscriptiondomain.ErrUnknownPrice
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
