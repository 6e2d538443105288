package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/apperror"
	"github.com/smallbiznis/quotaguard/internal/cache"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"github.com/smallbiznis/quotaguard/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultTierCacheTTL = time.Minute

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Clock    clock.Clock
	Repo     subscriptiondomain.Repository
	Verifier subscriptiondomain.EventVerifier
	Policy   tier.Source
	Cache    cache.Cache
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	repo     subscriptiondomain.Repository
	verifier subscriptiondomain.EventVerifier
	policy   tier.Source
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	ttl := p.Cfg.Cache.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTierCacheTTL
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		verifier: p.Verifier,
		policy:   p.Policy,
		cache:    p.Cache,
		cacheTTL: ttl,
		metrics:  p.Metrics,
	}
}

// outcome of applying one verified event.
type outcome struct {
	status  subscriptiondomain.EventStatus
	users   []string
	subID   string
	message string
}

func (s *Service) HandleEvent(ctx context.Context, payload []byte, signature string) error {
	provider := s.verifier.Provider()

	event, err := s.verifier.Verify(payload, signature)
	if err != nil {
		if event == nil || apperror.IsSignature(err) {
			var sigErr *apperror.SignatureVerificationError
			if !errors.As(err, &sigErr) {
				err = &apperror.SignatureVerificationError{Err: err}
			}
			s.metrics.RecordBillingEvent(ctx, provider, "unknown", "rejected")
			s.log.Warn("billing event rejected", zap.String("provider", provider), zap.Error(err))
			return err
		}
		s.fail(ctx, event, err)
		return nil
	}

	log := s.log.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.ProviderType),
	)

	if event.Type == subscriptiondomain.EventUnsupported {
		log.Debug("billing event ignored")
		s.finish(ctx, event, outcome{status: subscriptiondomain.EventStatusIgnored, message: "unsupported event type"})
		return nil
	}

	result, err := s.apply(ctx, event)
	if err != nil {
		s.fail(ctx, event, err)
		return nil
	}

	s.invalidate(ctx, result.users...)
	if result.subID == "" {
		result.subID = event.SubscriptionID
	}
	s.finish(ctx, event, result)
	log.Info("billing event handled",
		zap.String("subscription_id", event.SubscriptionID),
		zap.String("outcome", string(result.status)),
	)
	return nil
}

func (s *Service) apply(ctx context.Context, event *subscriptiondomain.BillingEvent) (outcome, error) {
	if strings.TrimSpace(event.SubscriptionID) == "" {
		return outcome{}, subscriptiondomain.ErrMissingSubscription
	}

	var result outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindBySubscriptionIDForUpdate(ctx, tx, event.SubscriptionID)
		if err != nil {
			return err
		}

		switch event.Type {
		case subscriptiondomain.EventCheckoutCompleted:
			result, err = s.handleCheckoutCompleted(ctx, tx, event, existing)
		case subscriptiondomain.EventSubscriptionCreated, subscriptiondomain.EventSubscriptionUpdated:
			result, err = s.handleSubscriptionChanged(ctx, tx, event, existing)
		case subscriptiondomain.EventSubscriptionDeleted:
			result, err = s.handleSubscriptionDeleted(ctx, tx, event, existing)
		case subscriptiondomain.EventInvoicePaymentSucceeded:
			result, err = s.handleInvoice(ctx, tx, event, existing,
				[]subscriptiondomain.Status{subscriptiondomain.StatusPastDue, subscriptiondomain.StatusIncomplete},
				subscriptiondomain.StatusActive)
		case subscriptiondomain.EventInvoicePaymentFailed:
			result, err = s.handleInvoice(ctx, tx, event, existing,
				subscriptiondomain.LiveStatuses,
				subscriptiondomain.StatusPastDue)
		default:
			result = outcome{status: subscriptiondomain.EventStatusIgnored, message: "unsupported event type"}
		}
		if errors.Is(err, subscriptiondomain.ErrStaleEvent) {
			result = outcome{status: subscriptiondomain.EventStatusIgnored, message: "superseded by a newer event"}
			// Roll back anything written before the stale write was detected.
			return err
		}
		return err
	})
	if errors.Is(err, subscriptiondomain.ErrStaleEvent) {
		return result, nil
	}
	return result, err
}

func (s *Service) fail(ctx context.Context, event *subscriptiondomain.BillingEvent, cause error) {
	procErr := &apperror.EventProcessingError{
		EventID:   event.ID,
		EventType: event.ProviderType,
		Err:       cause,
	}
	s.log.Error("billing event processing failed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.ProviderType),
		zap.String("subscription_id", event.SubscriptionID),
		zap.Error(procErr),
	)
	s.finish(ctx, event, outcome{
		status:  subscriptiondomain.EventStatusFailed,
		subID:   event.SubscriptionID,
		message: procErr.Error(),
	})
}

// finish writes the audit row. Failing to write it never changes the ack.
func (s *Service) finish(ctx context.Context, event *subscriptiondomain.BillingEvent, result outcome) {
	s.metrics.RecordBillingEvent(ctx, s.verifier.Provider(), event.ProviderType, string(result.status))
	if strings.TrimSpace(event.ID) == "" {
		return
	}

	now := s.clock.Now()
	record := &subscriptiondomain.SubscriptionEvent{
		ID:         s.genID.Generate(),
		EventID:    event.ID,
		EventType:  event.ProviderType,
		Status:     result.status,
		OccurredAt: event.OccurredAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if event.OccurredAt.IsZero() {
		record.OccurredAt = now
	}
	if result.subID != "" {
		subID := result.subID
		record.SubscriptionID = &subID
	}
	if result.message != "" {
		message := result.message
		record.Error = &message
	}
	if json.Valid(event.Payload) {
		record.Payload = datatypes.JSON(event.Payload)
	}

	if err := s.repo.SaveEvent(ctx, s.db, record); err != nil {
		s.log.Error("failed to record billing event",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) EffectiveTier(ctx context.Context, userID string, now time.Time) (tier.Tier, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperror.NewValidation("user_id", "invalid_user_id", "user id is required")
	}

	key := tierCacheKey(userID)
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn("tier cache read failed", zap.String("user_id", userID), zap.Error(err))
	} else if ok {
		if t, err := tier.ParseTier(cached); err == nil {
			return t, nil
		}
	}

	record, err := s.repo.FindLiveByUserID(ctx, s.db, userID)
	if err != nil {
		return "", err
	}
	effective := record.EffectiveTier(now)

	// Cached entries never outlive the period they were computed for.
	ttl := s.cacheTTL
	if record != nil && record.CurrentPeriodEnd.After(now) {
		if untilEnd := record.CurrentPeriodEnd.Sub(now); untilEnd < ttl {
			ttl = untilEnd
		}
	}
	if err := s.cache.Set(ctx, key, effective.String(), ttl); err != nil {
		s.log.Warn("tier cache write failed", zap.String("user_id", userID), zap.Error(err))
		return effective, nil
	}

	// A webhook may have committed and invalidated between the read and the
	// write above. Re-read and drop the entry if the record moved.
	current, err := s.repo.FindLiveByUserID(ctx, s.db, userID)
	if err != nil {
		s.invalidate(ctx, userID)
		return effective, nil
	}
	if !sameRevision(record, current) {
		s.invalidate(ctx, userID)
		return current.EffectiveTier(now), nil
	}
	return effective, nil
}

func sameRevision(a, b *subscriptiondomain.SubscriptionRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SubscriptionID == b.SubscriptionID && a.LastEventID == b.LastEventID && a.Status == b.Status
}

func (s *Service) GetByUserID(ctx context.Context, userID string) (*subscriptiondomain.SubscriptionRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperror.NewValidation("user_id", "invalid_user_id", "user id is required")
	}

	record, err := s.repo.FindLiveByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record, err = s.repo.FindLatestByUserID(ctx, s.db, userID)
		if err != nil {
			return nil, err
		}
	}
	if record == nil {
		return nil, apperror.NewNotFound("subscription", userID)
	}
	return record, nil
}

func (s *Service) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*subscriptiondomain.SubscriptionRecord, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, apperror.NewValidation("subscription_id", "invalid_subscription_id", "subscription id is required")
	}

	record, err := s.repo.FindBySubscriptionID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperror.NewNotFound("subscription", subscriptionID)
	}
	return record, nil
}

func (s *Service) ListFailedEvents(ctx context.Context, req subscriptiondomain.ListEventsRequest) (subscriptiondomain.ListEventsResponse, error) {
	var after *pagination.Cursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return subscriptiondomain.ListEventsResponse{}, apperror.NewValidation("page_token", "invalid_page_token", "malformed page token")
		}
		after = cursor
	}

	limit := req.Limit()
	events, err := s.repo.ListEventsByStatus(ctx, s.db, subscriptiondomain.EventStatusFailed, after, limit+1)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrInvalidPageToken) {
			return subscriptiondomain.ListEventsResponse{}, apperror.NewValidation("page_token", "invalid_page_token", "malformed page token")
		}
		return subscriptiondomain.ListEventsResponse{}, err
	}

	page, info := pagination.BuildCursorPageInfo(events, limit, func(ev *subscriptiondomain.SubscriptionEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        ev.ID.String(),
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if page == nil {
		page = []*subscriptiondomain.SubscriptionEvent{}
	}
	return subscriptiondomain.ListEventsResponse{Events: page, PageInfo: info}, nil
}

func (s *Service) invalidate(ctx context.Context, userIDs ...string) {
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if err := s.cache.Delete(ctx, tierCacheKey(userID)); err != nil {
			s.log.Warn("tier cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func tierCacheKey(userID string) string {
	return cache.Key("subscription", "tier", userID)
}
