package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/quotaguard/internal/apperror"
	"github.com/smallbiznis/quotaguard/internal/config"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	"github.com/smallbiznis/quotaguard/internal/quota/repository"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) NotifyUsageThreshold(ctx context.Context, identity quotadomain.Identity, percentUsed int) {
	m.Called(ctx, identity, percentUsed)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, db.AutoMigrate(&quotadomain.UsageRecord{}))
	return db
}

func testPolicy(t *testing.T, daily, monthly int64) tier.Source {
	t.Helper()

	entries := make(map[tier.Tier]tier.Limits)
	for _, tr := range tier.All() {
		entries[tr] = tier.NewLimits(daily, monthly, tier.Unlimited, nil)
	}
	entries[tier.Enterprise] = tier.NewLimits(tier.Unlimited, tier.Unlimited, tier.Unlimited, nil)
	policy, err := tier.NewPolicy(entries)
	require.NoError(t, err)
	return tier.NewStaticSource(policy)
}

func newTestService(t *testing.T, db *gorm.DB, policy tier.Source, notifier quotadomain.ThresholdNotifier) *Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	p := ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Cfg:    config.Config{Quota: config.QuotaConfig{ThresholdPercent: 80}},
		Repo:   repository.Provide(),
		Policy: policy,
	}
	if notifier != nil {
		p.Notifier = notifier
	}
	return NewService(p).(*Service)
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRecordUsage_ConcurrentIncrementsAreExact(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 1000, 1000), nil)
	ctx := context.Background()
	identity := quotadomain.UserIdentity("user-concurrent")

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			svc.RecordUsage(ctx, identity, tier.Free, baseTime)
		}()
	}
	wg.Wait()

	counts, _, err := svc.CurrentUsage(ctx, identity, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), counts.Daily)
	assert.Equal(t, int64(workers), counts.Monthly)

	var rows int64
	require.NoError(t, db.Model(&quotadomain.UsageRecord{}).Where("identity_key = ?", identity.Key()).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestCheckUsage_MonthlyLimit(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 100, 10), nil)
	ctx := context.Background()
	identity := quotadomain.UserIdentity("user-monthly")

	for i := 0; i < 9; i++ {
		svc.RecordUsage(ctx, identity, tier.Free, baseTime)
	}

	decision, err := svc.CheckUsage(ctx, identity, tier.Free, baseTime)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.RemainingMonthly)
	assert.Equal(t, quotadomain.NextDayStart(baseTime), decision.ResetAt)

	svc.RecordUsage(ctx, identity, tier.Free, baseTime)

	decision, err = svc.CheckUsage(ctx, identity, tier.Free, baseTime)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonMonthlyLimitExceeded, decision.Reason)
	assert.Equal(t, int64(0), decision.RemainingMonthly)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), decision.ResetAt)
}

func TestCheckUsage_DailyLimitResetsNextDay(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 3, 100), nil)
	ctx := context.Background()
	identity := quotadomain.AddressIdentity("203.0.113.7")

	for i := 0; i < 3; i++ {
		svc.RecordUsage(ctx, identity, tier.Anonymous, baseTime)
	}

	decision, err := svc.CheckUsage(ctx, identity, tier.Anonymous, baseTime)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.ReasonDailyLimitExceeded, decision.Reason)
	assert.Equal(t, quotadomain.NextDayStart(baseTime), decision.ResetAt)

	nextDay := baseTime.Add(24 * time.Hour)
	decision, err = svc.CheckUsage(ctx, identity, tier.Anonymous, nextDay)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.DailyCount)
	assert.Equal(t, int64(3), decision.MonthlyCount)

	svc.RecordUsage(ctx, identity, tier.Anonymous, nextDay)
	counts, _, err := svc.CurrentUsage(ctx, identity, nextDay)
	require.NoError(t, err)
	assert.Equal(t, quotadomain.Counts{Daily: 1, Monthly: 4}, counts)
}

func TestCurrentUsage_MonthRolloverStartsNewRecord(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 100, 100), nil)
	ctx := context.Background()
	identity := quotadomain.UserIdentity("user-rollover")

	endOfMonth := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	for i := 0; i < 5; i++ {
		svc.RecordUsage(ctx, identity, tier.Free, endOfMonth)
	}

	nextMonth := endOfMonth.Add(2 * time.Second)
	counts, period, err := svc.CurrentUsage(ctx, identity, nextMonth)
	require.NoError(t, err)
	assert.True(t, counts.IsZero())
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), period.Start)

	svc.RecordUsage(ctx, identity, tier.Free, nextMonth)

	history, err := svc.History(ctx, identity, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].MonthlyCount)
	assert.Equal(t, int64(5), history[1].MonthlyCount)
}

func TestCheckUsage_UnlimitedTier(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 1, 1), nil)
	ctx := context.Background()
	identity := quotadomain.UserIdentity("user-enterprise")

	for i := 0; i < 5; i++ {
		svc.RecordUsage(ctx, identity, tier.Enterprise, baseTime)
	}

	decision, err := svc.CheckUsage(ctx, identity, tier.Enterprise, baseTime)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(-1), decision.RemainingDaily)
	assert.Equal(t, int64(-1), decision.RemainingMonthly)
}

func TestCheckUsage_InvalidIdentity(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 10, 10), nil)

	_, err := svc.CheckUsage(context.Background(), quotadomain.Identity{}, tier.Free, baseTime)
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))

	_, err = svc.CheckUsage(context.Background(), quotadomain.AddressIdentity("not-an-ip"), tier.Anonymous, baseTime)
	assert.True(t, apperror.IsValidation(err))
}

func TestMigrateAnonymousUsage(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 100, 100), nil)
	ctx := context.Background()
	anon := quotadomain.AddressIdentity("198.51.100.20")
	user := quotadomain.UserIdentity("user-signup")

	for i := 0; i < 3; i++ {
		svc.RecordUsage(ctx, anon, tier.Anonymous, baseTime)
	}
	svc.RecordUsage(ctx, user, tier.Free, baseTime)

	result, err := svc.MigrateAnonymousUsage(ctx, "198.51.100.20", "user-signup", baseTime)
	require.NoError(t, err)
	assert.True(t, result.Migrated)
	assert.Equal(t, quotadomain.Counts{Daily: 3, Monthly: 3}, result.Moved)

	anonCounts, _, err := svc.CurrentUsage(ctx, anon, baseTime)
	require.NoError(t, err)
	assert.True(t, anonCounts.IsZero())

	userCounts, _, err := svc.CurrentUsage(ctx, user, baseTime)
	require.NoError(t, err)
	assert.Equal(t, quotadomain.Counts{Daily: 4, Monthly: 4}, userCounts)

	again, err := svc.MigrateAnonymousUsage(ctx, "198.51.100.20", "user-signup", baseTime)
	require.NoError(t, err)
	assert.False(t, again.Migrated)

	userCounts, _, err = svc.CurrentUsage(ctx, user, baseTime)
	require.NoError(t, err)
	assert.Equal(t, quotadomain.Counts{Daily: 4, Monthly: 4}, userCounts)

	var source quotadomain.UsageRecord
	require.NoError(t, db.Where("identity_key = ?", anon.Key()).First(&source).Error)
	require.NotNil(t, source.MigratedTo)
	assert.Equal(t, user.Key(), *source.MigratedTo)
}

func TestMigrateAnonymousUsage_StaleDailyCount(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 100, 100), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		svc.RecordUsage(ctx, quotadomain.AddressIdentity("198.51.100.21"), tier.Anonymous, baseTime)
	}

	later := baseTime.Add(48 * time.Hour)
	result, err := svc.MigrateAnonymousUsage(ctx, "198.51.100.21", "user-late", later)
	require.NoError(t, err)
	assert.True(t, result.Migrated)
	assert.Equal(t, quotadomain.Counts{Daily: 0, Monthly: 2}, result.Moved)
}

func TestMigrateAnonymousUsage_NothingToMove(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 100, 100), nil)

	result, err := svc.MigrateAnonymousUsage(context.Background(), "198.51.100.30", "user-empty", baseTime)
	require.NoError(t, err)
	assert.False(t, result.Migrated)
	assert.True(t, result.Moved.IsZero())

	_, err = svc.MigrateAnonymousUsage(context.Background(), "", "user-empty", baseTime)
	assert.True(t, apperror.IsValidation(err))
}

func TestRecordUsage_NotifiesOnceWhenCrossingThreshold(t *testing.T) {
	db := setupTestDB(t)
	notifier := &notifierMock{}
	svc := newTestService(t, db, testPolicy(t, 10, 1000), notifier)
	ctx := context.Background()
	identity := quotadomain.UserIdentity("user-threshold")

	notifier.On("NotifyUsageThreshold", mock.Anything, identity, 80).Return().Once()

	for i := 0; i < 9; i++ {
		svc.RecordUsage(ctx, identity, tier.Free, baseTime)
	}

	notifier.AssertExpectations(t)
	notifier.AssertNumberOfCalls(t, "NotifyUsageThreshold", 1)
}

func TestRecordUsage_StorageFailureDoesNotPanic(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 10, 10), nil)
	ctx := context.Background()
	identity := quotadomain.UserIdentity("user-broken")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	assert.NotPanics(t, func() {
		svc.RecordUsage(ctx, identity, tier.Free, baseTime)
	})

	_, err = svc.CheckUsage(ctx, identity, tier.Free, baseTime)
	assert.Error(t, err)
	assert.False(t, apperror.IsValidation(err))
}

func TestCheckUsage_CreatesPeriodRowOnce(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, testPolicy(t, 10, 10), nil)
	ctx := context.Background()
	identity := quotadomain.UserIdentity("user-first-check")

	const callers = 10
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			decision, err := svc.CheckUsage(ctx, identity, tier.Free, baseTime)
			assert.NoError(t, err)
			assert.Equal(t, int64(10), decision.RemainingDaily)
		}()
	}
	wg.Wait()

	var rows []quotadomain.UsageRecord
	require.NoError(t, db.Where("identity_key = ?", identity.Key()).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].DailyCount)
	assert.Zero(t, rows[0].MonthlyCount)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), rows[0].PeriodStart.UTC())

	svc.RecordUsage(ctx, identity, tier.Free, baseTime)
	decision, err := svc.CheckUsage(ctx, identity, tier.Free, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(9), decision.RemainingDaily)
}
