package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/config"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 12
	maxHistoryLimit     = 100
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Repo     quotadomain.Repository
	Policy   tier.Source
	Notifier quotadomain.ThresholdNotifier `optional:"true"`
	Metrics  *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	repo      quotadomain.Repository
	policy    tier.Source
	notifier  quotadomain.ThresholdNotifier
	metrics   *obsmetrics.Metrics
	threshold int
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("quota.service"),

		genID:     p.GenID,
		repo:      p.Repo,
		policy:    p.Policy,
		notifier:  p.Notifier,
		metrics:   p.Metrics,
		threshold: p.Cfg.Quota.ThresholdPercent,
	}
}

func (s *Service) CheckUsage(ctx context.Context, identity quotadomain.Identity, t tier.Tier, now time.Time) (quotadomain.Decision, error) {
	if err := identity.Validate(); err != nil {
		return quotadomain.Decision{}, err
	}
	if s.db == nil {
		return quotadomain.Decision{}, quotadomain.ErrMissingDB
	}

	now = now.UTC()
	period := quotadomain.MonthlyPeriod(now)
	record, err := s.repo.GetOrCreate(ctx, s.db, s.newSeed(identity, now))
	if err != nil {
		s.metrics.RecordUsageFailure(ctx, "check")
		return quotadomain.Decision{}, err
	}

	decision := quotadomain.Evaluate(t, s.policy.Policy().Limits(t), record.DailyCountAt(now), record.MonthlyCount, now, period)
	s.metrics.RecordQuotaDecision(ctx, t.String(), decision.Allowed, string(decision.Reason))
	return decision, nil
}

func (s *Service) RecordUsage(ctx context.Context, identity quotadomain.Identity, t tier.Tier, now time.Time) {
	if err := identity.Validate(); err != nil {
		s.log.Warn("usage not recorded", zap.Error(err))
		return
	}
	if s.db == nil {
		s.log.Error("usage not recorded", zap.Error(quotadomain.ErrMissingDB))
		return
	}

	now = now.UTC()
	delta := quotadomain.Counts{Daily: 1, Monthly: 1}
	counts, err := s.repo.IncrementAtomic(ctx, s.db, s.newSeed(identity, now), delta)
	if err != nil {
		s.metrics.RecordUsageFailure(ctx, "record")
		s.log.Error("failed to record usage",
			zap.String("identity", identity.Key()),
			zap.String("tier", t.String()),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordUsage(ctx, t.String())

	s.notifyThreshold(ctx, identity, s.policy.Policy().Limits(t), counts, delta)
}

// notifyThreshold fires once per counter when the increment moved it across
// the configured percentage.
func (s *Service) notifyThreshold(ctx context.Context, identity quotadomain.Identity, limits tier.Limits, counts, delta quotadomain.Counts) {
	if s.notifier == nil || s.threshold <= 0 {
		return
	}

	highest := -1
	check := func(limit, after, inc int64) {
		if tier.IsUnlimited(limit) {
			return
		}
		before := quotadomain.PercentUsed(limit, after-inc)
		current := quotadomain.PercentUsed(limit, after)
		if before < s.threshold && current >= s.threshold && current > highest {
			highest = current
		}
	}
	check(limits.DailyLimit, counts.Daily, delta.Daily)
	check(limits.MonthlyLimit, counts.Monthly, delta.Monthly)

	if highest >= 0 {
		s.notifier.NotifyUsageThreshold(ctx, identity, highest)
	}
}

func (s *Service) MigrateAnonymousUsage(ctx context.Context, address, userID string, now time.Time) (quotadomain.MigrationResult, error) {
	from := quotadomain.AddressIdentity(address)
	to := quotadomain.UserIdentity(userID)
	if err := from.Validate(); err != nil {
		return quotadomain.MigrationResult{}, err
	}
	if err := to.Validate(); err != nil {
		return quotadomain.MigrationResult{}, err
	}
	if s.db == nil {
		return quotadomain.MigrationResult{}, quotadomain.ErrMissingDB
	}

	now = now.UTC()
	result := quotadomain.MigrationResult{From: from, To: to}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := s.repo.FindForUpdate(ctx, tx, from, quotadomain.MonthlyPeriod(now))
		if err != nil {
			return err
		}
		if source == nil {
			return nil
		}

		moved := quotadomain.Counts{Daily: source.DailyCountAt(now), Monthly: source.MonthlyCount}
		if moved.IsZero() {
			return nil
		}

		ok, err := s.repo.MarkMigrated(ctx, tx, source, to, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if _, err := s.repo.IncrementAtomic(ctx, tx, s.newSeed(to, now), moved); err != nil {
			return err
		}
		result.Moved = moved
		result.Migrated = true
		return nil
	})
	if err != nil {
		s.metrics.RecordUsageFailure(ctx, "migrate")
		return quotadomain.MigrationResult{}, err
	}

	s.metrics.RecordUsageMigration(ctx, result.Migrated)
	if result.Migrated {
		s.log.Info("anonymous usage migrated",
			zap.String("from", from.Key()),
			zap.String("to", to.Key()),
			zap.Int64("daily", result.Moved.Daily),
			zap.Int64("monthly", result.Moved.Monthly),
		)
	}
	return result, nil
}

func (s *Service) CurrentUsage(ctx context.Context, identity quotadomain.Identity, now time.Time) (quotadomain.Counts, quotadomain.Period, error) {
	if err := identity.Validate(); err != nil {
		return quotadomain.Counts{}, quotadomain.Period{}, err
	}
	if s.db == nil {
		return quotadomain.Counts{}, quotadomain.Period{}, quotadomain.ErrMissingDB
	}

	now = now.UTC()
	period := quotadomain.MonthlyPeriod(now)
	record, err := s.repo.Find(ctx, s.db, identity, period)
	if err != nil {
		return quotadomain.Counts{}, quotadomain.Period{}, err
	}
	if record == nil {
		return quotadomain.Counts{}, period, nil
	}
	return quotadomain.Counts{Daily: record.DailyCountAt(now), Monthly: record.MonthlyCount}, period, nil
}

func (s *Service) History(ctx context.Context, identity quotadomain.Identity, limit int) ([]quotadomain.UsageRecord, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if s.db == nil {
		return nil, quotadomain.ErrMissingDB
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	records, err := s.repo.ListHistory(ctx, s.db, identity, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []quotadomain.UsageRecord{}
	}
	return records, nil
}

func (s *Service) newSeed(identity quotadomain.Identity, now time.Time) *quotadomain.UsageRecord {
	period := quotadomain.MonthlyPeriod(now)
	record := &quotadomain.UsageRecord{
		ID:          s.genID.Generate(),
		IdentityKey: identity.Key(),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		LastReset:   quotadomain.DayStart(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if identity.UserID != "" {
		userID := identity.UserID
		record.UserID = &userID
	} else {
		address := identity.NetworkAddress
		record.NetworkAddress = &address
	}
	return record
}
