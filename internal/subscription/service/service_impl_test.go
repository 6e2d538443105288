package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/quotaguard/internal/apperror"
	"github.com/smallbiznis/quotaguard/internal/cache"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/migration"
	"github.com/smallbiznis/quotaguard/internal/payment/adapters/stripe"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/internal/subscription/repository"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"github.com/smallbiznis/quotaguard/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	baseTime    = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

type harness struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
	cache *cache.MemoryCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(baseTime)
	memCache := cache.NewMemoryCache(128, clk)

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Cfg:      config.Config{Cache: config.CacheConfig{DefaultTTL: time.Hour}},
		Clock:    clk,
		Repo:     repository.Provide(),
		Verifier: stripe.NewAdapter(testSecret),
		Policy:   testPolicy(t),
		Cache:    memCache,
	}).(*Service)

	return &harness{svc: svc, db: db, clock: clk, cache: memCache}
}

func testPolicy(t *testing.T) tier.Source {
	t.Helper()

	policy, err := tier.NewPolicy(map[tier.Tier]tier.Limits{
		tier.Anonymous:  tier.NewLimits(3, 10, tier.Unlimited, []string{"generate"}),
		tier.Free:       tier.NewLimits(10, 100, tier.Unlimited, []string{"generate"}),
		tier.Starter:    tier.NewLimits(50, 1000, tier.Unlimited, []string{"generate", "export"}, "price_starter"),
		tier.Pro:        tier.NewLimits(200, 5000, tier.Unlimited, []string{"generate", "export", "batch"}, "price_pro"),
		tier.Enterprise: tier.NewLimits(tier.Unlimited, tier.Unlimited, tier.Unlimited, []string{"generate", "export", "batch", "sso"}, "price_enterprise"),
	})
	require.NoError(t, err)
	return tier.NewStaticSource(policy)
}

func sign(secret string, payload []byte) string {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, string(payload))))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func (h *harness) send(t *testing.T, event map[string]any) error {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return h.svc.HandleEvent(context.Background(), payload, sign(testSecret, payload))
}

func (h *harness) record(t *testing.T, subscriptionID string) *subscriptiondomain.SubscriptionRecord {
	t.Helper()
	record, err := h.svc.GetBySubscriptionID(context.Background(), subscriptionID)
	require.NoError(t, err)
	return record
}

func (h *harness) eventStatus(t *testing.T, eventID string) subscriptiondomain.EventStatus {
	t.Helper()
	var ev subscriptiondomain.SubscriptionEvent
	require.NoError(t, h.db.Where("event_id = ?", eventID).First(&ev).Error)
	return ev.Status
}

type subOpts struct {
	id, user, price, status string
	metadataTier            tier.Tier
	start, end              time.Time
	cancelAtPeriodEnd       bool
}

func subscriptionEvent(eventID, eventType string, created time.Time, o subOpts) map[string]any {
	if o.status == "" {
		o.status = "active"
	}
	if o.start.IsZero() {
		o.start, o.end = periodStart, periodEnd
	}
	object := map[string]any{
		"id":                   o.id,
		"object":               "subscription",
		"customer":             "cus_" + o.user,
		"status":               o.status,
		"current_period_start": o.start.Unix(),
		"current_period_end":   o.end.Unix(),
		"cancel_at_period_end": o.cancelAtPeriodEnd,
		"metadata":             map[string]any{"user_id": o.user},
	}
	if o.metadataTier != "" {
		object["metadata"].(map[string]any)["tier"] = string(o.metadataTier)
	}
	if o.price != "" {
		object["items"] = map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":     "si_" + o.id,
				"object": "subscription_item",
				"price":  map[string]any{"id": o.price, "object": "price"},
			}},
		}
	}
	return map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	}
}

func checkoutEvent(eventID string, created time.Time, subID, userID string, t tier.Tier) map[string]any {
	return map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    "checkout.session.completed",
		"created": created.Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":                  "cs_" + eventID,
			"object":              "checkout.session",
			"client_reference_id": userID,
			"customer":            "cus_" + userID,
			"subscription":        subID,
			"metadata":            map[string]any{"tier": string(t)},
		}},
	}
}

func invoiceEvent(eventID, eventType string, created time.Time, subID string) map[string]any {
	return map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":           "in_" + eventID,
			"object":       "invoice",
			"subscription": subID,
		}},
	}
}

func TestHandleEvent_CheckoutCreatesSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, checkoutEvent("evt_1", baseTime, "sub_1", "user-1", tier.Pro)))

	record := h.record(t, "sub_1")
	assert.Equal(t, "user-1", record.UserID)
	assert.Equal(t, tier.Pro, record.Tier)
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.Equal(t, subscriptiondomain.OriginInApp, record.Origin)
	assert.Equal(t, subscriptiondomain.EventStatusProcessed, h.eventStatus(t, "evt_1"))

	effective, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, effective)
}

func TestHandleEvent_RedeliveryConverges(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_starter"})))

	upgrade := subscriptionEvent("evt_2", "customer.subscription.updated", baseTime.Add(time.Minute),
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})
	require.NoError(t, h.send(t, upgrade))
	once := h.record(t, "sub_1")

	require.NoError(t, h.send(t, upgrade))
	twice := h.record(t, "sub_1")

	assert.Equal(t, once, twice)
	assert.Equal(t, tier.Pro, twice.Tier)
}

func TestHandleEvent_DowngradeRedeliveryConverges(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))

	downgrade := subscriptionEvent("evt_2", "customer.subscription.updated", baseTime.Add(time.Minute),
		subOpts{id: "sub_1", user: "user-1", price: "price_starter"})
	require.NoError(t, h.send(t, downgrade))
	once := h.record(t, "sub_1")
	require.NoError(t, h.send(t, downgrade))
	twice := h.record(t, "sub_1")

	assert.Equal(t, once, twice)
}

func TestHandleEvent_OlderEventDoesNotOverwriteNewer(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(t, subscriptionEvent("evt_new", "customer.subscription.updated", baseTime.Add(time.Hour),
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))
	require.NoError(t, h.send(t, subscriptionEvent("evt_old", "customer.subscription.created", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_starter", status: "incomplete"})))

	record := h.record(t, "sub_1")
	assert.Equal(t, tier.Pro, record.Tier)
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.Equal(t, "evt_new", record.LastEventID)
	assert.Equal(t, subscriptiondomain.EventStatusIgnored, h.eventStatus(t, "evt_old"))
}

func TestHandleEvent_UpgradeAppliesImmediatelyWithProration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_starter"})))
	require.NoError(t, h.send(t, subscriptionEvent("evt_2", "customer.subscription.updated", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))

	record := h.record(t, "sub_1")
	assert.Equal(t, tier.Pro, record.Tier)
	assert.Nil(t, record.PendingTier)
	assert.False(t, record.CancelAtPeriodEnd)

	raw, ok := record.Metadata[subscriptiondomain.MetadataProrationFactor]
	require.True(t, ok)
	factor, err := strconv.ParseFloat(fmt.Sprint(raw), 64)
	require.NoError(t, err)
	assert.InDelta(t, 21.5/31.0, factor, 1e-6)
	assert.Equal(t, "starter", record.Metadata["proration_from_tier"])

	effective, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, effective)
}

func TestHandleEvent_PriceOutranksStaleMetadataTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro", metadataTier: tier.Pro})))
	require.NoError(t, h.send(t, subscriptionEvent("evt_2", "customer.subscription.updated", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_starter", metadataTier: tier.Pro})))

	record := h.record(t, "sub_1")
	assert.Equal(t, tier.Pro, record.Tier)
	require.NotNil(t, record.PendingTier)
	assert.Equal(t, tier.Starter, *record.PendingTier)
	assert.True(t, record.CancelAtPeriodEnd)

	effective, err := h.svc.EffectiveTier(ctx, "user-1", periodEnd)
	require.NoError(t, err)
	assert.Equal(t, tier.Starter, effective)
}

func TestHandleEvent_MetadataTierUsedWhenPriceUnmapped(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_legacy", metadataTier: tier.Starter})))

	record := h.record(t, "sub_1")
	assert.Equal(t, tier.Starter, record.Tier)
	assert.Equal(t, subscriptiondomain.EventStatusProcessed, h.eventStatus(t, "evt_1"))
}

func TestHandleEvent_DowngradeDeferredUntilPeriodEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))

	effective, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, tier.Pro, effective)

	require.NoError(t, h.send(t, subscriptionEvent("evt_2", "customer.subscription.updated", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_starter"})))

	record := h.record(t, "sub_1")
	assert.Equal(t, tier.Pro, record.Tier)
	require.NotNil(t, record.PendingTier)
	assert.Equal(t, tier.Starter, *record.PendingTier)
	assert.True(t, record.CancelAtPeriodEnd)

	effective, err = h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, effective)

	h.clock.Set(periodEnd.Add(time.Second))
	effective, err = h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Starter, effective)

	// Nothing was written at the boundary.
	assert.Equal(t, tier.Pro, h.record(t, "sub_1").Tier)

	require.NoError(t, h.send(t, subscriptionEvent("evt_3", "customer.subscription.updated", periodEnd.Add(5*time.Second),
		subOpts{id: "sub_1", user: "user-1", price: "price_starter", start: periodEnd, end: periodEnd.AddDate(0, 1, 0)})))

	record = h.record(t, "sub_1")
	assert.Equal(t, tier.Starter, record.Tier)
	assert.Nil(t, record.PendingTier)
	assert.False(t, record.CancelAtPeriodEnd)
}

func TestHandleEvent_CancelAtPeriodEndFallsBackToFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))
	require.NoError(t, h.send(t, subscriptionEvent("evt_2", "customer.subscription.updated", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro", cancelAtPeriodEnd: true})))

	record := h.record(t, "sub_1")
	assert.Equal(t, tier.Pro, record.Tier)
	require.NotNil(t, record.PendingTier)
	assert.Equal(t, tier.Free, *record.PendingTier)
	assert.True(t, record.CancelAtPeriodEnd)

	effective, err := h.svc.EffectiveTier(ctx, "user-1", periodEnd)
	require.NoError(t, err)
	assert.Equal(t, tier.Free, effective)
}

func TestHandleEvent_BadSignatureChangesNothing(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_starter"})))
	before := h.record(t, "sub_1")

	payload, err := json.Marshal(subscriptionEvent("evt_2", "customer.subscription.updated", baseTime.Add(time.Minute),
		subOpts{id: "sub_1", user: "user-1", price: "price_enterprise"}))
	require.NoError(t, err)

	err = h.svc.HandleEvent(context.Background(), payload, sign("whsec_forged", payload))
	require.Error(t, err)
	assert.True(t, apperror.IsSignature(err))

	assert.Equal(t, before, h.record(t, "sub_1"))

	var count int64
	require.NoError(t, h.db.Model(&subscriptiondomain.SubscriptionEvent{}).Where("event_id = ?", "evt_2").Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandleEvent_ProcessingFailureIsAcknowledgedAndRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.send(t, subscriptionEvent("evt_bad", "customer.subscription.created", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_unknown"}))
	require.NoError(t, err)

	_, err = h.svc.GetBySubscriptionID(ctx, "sub_1")
	assert.True(t, apperror.IsNotFound(err))
	assert.Equal(t, subscriptiondomain.EventStatusFailed, h.eventStatus(t, "evt_bad"))

	failed, err := h.svc.ListFailedEvents(ctx, subscriptiondomain.ListEventsRequest{})
	require.NoError(t, err)
	require.Len(t, failed.Events, 1)
	assert.Equal(t, "evt_bad", failed.Events[0].EventID)
	require.NotNil(t, failed.Events[0].Error)
	assert.Contains(t, *failed.Events[0].Error, "unknown_price")
}

func TestHandleEvent_MissingUserIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(t, subscriptionEvent("evt_nouser", "customer.subscription.created", baseTime,
		subOpts{id: "sub_1", price: "price_pro"})))
	assert.Equal(t, subscriptiondomain.EventStatusFailed, h.eventStatus(t, "evt_nouser"))
}

func TestHandleEvent_InvoiceTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))

	require.NoError(t, h.send(t, invoiceEvent("evt_2", "invoice.payment_failed", baseTime, "sub_1")))
	assert.Equal(t, subscriptiondomain.StatusPastDue, h.record(t, "sub_1").Status)

	effective, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Pro, effective)

	h.clock.Advance(90 * time.Minute)
	require.NoError(t, h.send(t, invoiceEvent("evt_3", "invoice.payment_succeeded", baseTime.Add(time.Hour), "sub_1")))
	record := h.record(t, "sub_1")
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.Equal(t, "evt_3", record.LastEventID)
	assert.True(t, h.clock.Now().Equal(record.UpdatedAt), "updated_at %s", record.UpdatedAt)

	// Paying an invoice on an active subscription is a no-op.
	require.NoError(t, h.send(t, invoiceEvent("evt_4", "invoice.payment_succeeded", baseTime.Add(2*time.Hour), "sub_1")))
	assert.Equal(t, subscriptiondomain.EventStatusIgnored, h.eventStatus(t, "evt_4"))

	require.NoError(t, h.send(t, invoiceEvent("evt_5", "invoice.payment_failed", baseTime, "sub_unknown")))
	assert.Equal(t, subscriptiondomain.EventStatusIgnored, h.eventStatus(t, "evt_5"))
}

func TestHandleEvent_DeletedCancelsAndRevertsToFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))
	effective, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, tier.Pro, effective)

	require.NoError(t, h.send(t, subscriptionEvent("evt_2", "customer.subscription.deleted", baseTime,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro", status: "canceled"})))

	record := h.record(t, "sub_1")
	assert.Equal(t, subscriptiondomain.StatusCanceled, record.Status)
	require.NotNil(t, record.CanceledAt)

	effective, err = h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Free, effective)

	found, err := h.svc.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", found.SubscriptionID)
}

func TestHandleEvent_NewSubscriptionSupersedesOldOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, checkoutEvent("evt_1", baseTime, "sub_1", "user-1", tier.Starter)))
	require.NoError(t, h.send(t, checkoutEvent("evt_2", baseTime.Add(time.Minute), "sub_2", "user-1", tier.Enterprise)))

	assert.Equal(t, subscriptiondomain.StatusCanceled, h.record(t, "sub_1").Status)
	assert.Equal(t, subscriptiondomain.StatusActive, h.record(t, "sub_2").Status)

	live, err := h.svc.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_2", live.SubscriptionID)

	effective, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Enterprise, effective)
}

func TestHandleEvent_UnsupportedTypeIsIgnored(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(t, map[string]any{
		"id": "evt_charge", "object": "event", "type": "charge.succeeded", "created": baseTime.Unix(),
		"data": map[string]any{"object": map[string]any{"id": "ch_1", "object": "charge"}},
	}))
	assert.Equal(t, subscriptiondomain.EventStatusIgnored, h.eventStatus(t, "evt_charge"))
}

func TestEffectiveTier_DefaultsToFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	effective, err := h.svc.EffectiveTier(ctx, "nobody", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Free, effective)

	_, err = h.svc.EffectiveTier(ctx, " ", h.clock.Now())
	assert.True(t, apperror.IsValidation(err))

	_, err = h.svc.GetByUserID(ctx, "nobody")
	assert.True(t, apperror.IsNotFound(err))
}

func TestEffectiveTier_CacheTTLCappedAtPeriodEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_pro"})))

	h.clock.Set(periodEnd.Add(-10 * time.Minute))
	_, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)

	ttl, ok, err := h.cache.TTL(ctx, tierCacheKey("user-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, ttl)
}

func TestListFailedEvents_Paginates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.send(t, subscriptionEvent(fmt.Sprintf("evt_fail_%d", i), "customer.subscription.created", baseTime,
			subOpts{id: fmt.Sprintf("sub_%d", i), user: "user-1", price: "price_missing"})))
	}

	first, err := h.svc.ListFailedEvents(ctx, subscriptiondomain.ListEventsRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	assert.True(t, first.PageInfo.HasMore)
	require.NotEmpty(t, first.PageInfo.NextPageToken)

	second, err := h.svc.ListFailedEvents(ctx, subscriptiondomain.ListEventsRequest{Pagination: pagination.Pagination{
		PageSize:  2,
		PageToken: first.PageInfo.NextPageToken,
	}})
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.False(t, second.PageInfo.HasMore)

	seen := map[string]bool{}
	for _, ev := range append(first.Events, second.Events...) {
		seen[ev.EventID] = true
	}
	assert.Len(t, seen, 3)

	_, err = h.svc.ListFailedEvents(ctx, subscriptiondomain.ListEventsRequest{Pagination: pagination.Pagination{PageToken: "not-base64!"}})
	assert.True(t, apperror.IsValidation(err))
}

// interleavedRepo runs afterLiveRead once, right after the first live lookup
// returns, to interleave a webhook with a tier read.
type interleavedRepo struct {
	subscriptiondomain.Repository
	afterLiveRead func()
}

func (r *interleavedRepo) FindLiveByUserID(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.SubscriptionRecord, error) {
	record, err := r.Repository.FindLiveByUserID(ctx, db, userID)
	if hook := r.afterLiveRead; hook != nil {
		r.afterLiveRead = nil
		hook()
	}
	return record, err
}

func TestEffectiveTier_WebhookDuringReadDoesNotCacheOldTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.send(t, subscriptionEvent("evt_1", "customer.subscription.created", periodStart,
		subOpts{id: "sub_1", user: "user-1", price: "price_starter"})))

	h.svc.repo = &interleavedRepo{
		Repository: h.svc.repo,
		afterLiveRead: func() {
			require.NoError(t, h.send(t, subscriptionEvent("evt_2", "customer.subscription.updated", baseTime,
				subOpts{id: "sub_1", user: "user-1", price: "price_enterprise"})))
		},
	}

	effective, err := h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Enterprise, effective)

	_, cached, err := h.cache.Get(ctx, tierCacheKey("user-1"))
	require.NoError(t, err)
	assert.False(t, cached)

	effective, err = h.svc.EffectiveTier(ctx, "user-1", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tier.Enterprise, effective)
}
