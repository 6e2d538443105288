// Package gate enforces usage limits and tier entitlements at request time.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/quotaguard/internal/apperror"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrUnavailable is returned by fail-closed checks whose dependencies failed.
var ErrUnavailable = errors.New("entitlements_unavailable")

type Params struct {
	fx.In

	Log           *zap.Logger
	Cfg           config.Config
	Clock         clock.Clock
	Usage         quotadomain.Service
	Subscriptions subscriptiondomain.Service
	Policy        tier.Source
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Gate struct {
	log     *zap.Logger
	clock   clock.Clock
	usage   quotadomain.Service
	subs    subscriptiondomain.Service
	policy  tier.Source
	failure FailurePolicy
	metrics *obsmetrics.Metrics
}

func New(p Params) *Gate {
	failure := DefaultFailurePolicy()
	if !p.Cfg.Quota.UsageFailOpen {
		failure.Usage = FailClosed
	}
	return NewGate(p.Log, p.Clock, p.Usage, p.Subscriptions, p.Policy, failure, p.Metrics)
}

func NewGate(log *zap.Logger, clk clock.Clock, usage quotadomain.Service, subs subscriptiondomain.Service, policy tier.Source, failure FailurePolicy, metrics *obsmetrics.Metrics) *Gate {
	return &Gate{
		log:     log.Named("gate"),
		clock:   clk,
		usage:   usage,
		subs:    subs,
		policy:  policy,
		failure: failure,
		metrics: metrics,
	}
}

func (g *Gate) FailurePolicy() FailurePolicy { return g.failure }

// EffectiveTier returns anonymous for address identities and the subscription
// tier, with any due downgrade applied, for users.
func (g *Gate) EffectiveTier(ctx context.Context, identity quotadomain.Identity) (tier.Tier, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}
	if identity.IsAnonymous() {
		return tier.Anonymous, nil
	}
	return g.subs.EffectiveTier(ctx, identity.UserID, g.clock.Now())
}

// CheckUsage returns the decision together with a *apperror.QuotaExceededError
// when a limit has been reached.
func (g *Gate) CheckUsage(ctx context.Context, identity quotadomain.Identity) (quotadomain.Decision, error) {
	t, err := g.EffectiveTier(ctx, identity)
	if err != nil {
		if apperror.IsValidation(err) {
			return quotadomain.Decision{}, err
		}
		return g.usageFailure(ctx, identity, tier.Free, err)
	}

	decision, err := g.usage.CheckUsage(ctx, identity, t, g.clock.Now())
	if err != nil {
		if apperror.IsValidation(err) {
			return quotadomain.Decision{}, err
		}
		return g.usageFailure(ctx, identity, t, err)
	}

	if !decision.Allowed {
		return decision, &apperror.QuotaExceededError{
			Reason:           string(decision.Reason),
			Tier:             decision.Tier.String(),
			RemainingDaily:   decision.RemainingDaily,
			RemainingMonthly: decision.RemainingMonthly,
			ResetAt:          decision.ResetAt,
		}
	}
	return decision, nil
}

func (g *Gate) usageFailure(ctx context.Context, identity quotadomain.Identity, t tier.Tier, cause error) (quotadomain.Decision, error) {
	if g.failure.Usage == FailClosed {
		return quotadomain.Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}

	g.metrics.RecordGateFailOpen(ctx, "usage")
	logger.WithContext(ctx, g.log).Warn("usage check failed, allowing request",
		zap.String("identity", identity.Key()),
		zap.Error(cause),
	)
	return quotadomain.Decision{
		Allowed:          true,
		Tier:             t,
		RemainingDaily:   -1,
		RemainingMonthly: -1,
		ResetAt:          quotadomain.NextDayStart(g.clock.Now()),
		Degraded:         true,
	}, nil
}

// RecordUsage counts one completed operation. It never fails the caller.
func (g *Gate) RecordUsage(ctx context.Context, identity quotadomain.Identity) {
	t, err := g.EffectiveTier(ctx, identity)
	if err != nil {
		if apperror.IsValidation(err) {
			return
		}
		// The tier only selects the threshold limits; the count itself is tier independent.
		logger.WithContext(ctx, g.log).Warn("tier lookup failed while recording usage",
			zap.String("identity", identity.Key()),
			zap.Error(err),
		)
		t = tier.Free
	}
	g.usage.RecordUsage(ctx, identity, t, g.clock.Now())
}

func (g *Gate) MigrateAnonymousUsage(ctx context.Context, address, userID string) (quotadomain.MigrationResult, error) {
	return g.usage.MigrateAnonymousUsage(ctx, address, userID, g.clock.Now())
}

func (g *Gate) HasFeature(t tier.Tier, feature string) bool {
	return g.policy.Policy().HasFeature(t, feature)
}

// RequireFeature returns *apperror.FeatureNotAvailableError when the effective
// tier lacks feature. The error names the lowest tier that grants it.
func (g *Gate) RequireFeature(ctx context.Context, identity quotadomain.Identity, feature string) error {
	feature = strings.TrimSpace(feature)
	if feature == "" {
		return apperror.NewValidation("feature", "invalid_feature", "feature is required")
	}

	t, err := g.EffectiveTier(ctx, identity)
	if err != nil {
		return g.entitlementFailure(ctx, "feature", g.failure.Feature, identity, err)
	}
	if g.HasFeature(t, feature) {
		return nil
	}

	denied := &apperror.FeatureNotAvailableError{Feature: feature, Tier: t.String()}
	if upgrade, ok := g.policy.Policy().MinimumTierFor(feature); ok && upgrade.Rank() > t.Rank() {
		denied.UpgradeTo = upgrade.String()
	}
	return denied
}

func (g *Gate) RequireTier(ctx context.Context, identity quotadomain.Identity, minimum tier.Tier) error {
	if !minimum.Valid() {
		return apperror.NewValidation("tier", "invalid_tier", "unknown tier "+minimum.String())
	}

	t, err := g.EffectiveTier(ctx, identity)
	if err != nil {
		return g.entitlementFailure(ctx, "tier", g.failure.Tier, identity, err)
	}
	if t.AtLeast(minimum) {
		return nil
	}
	return &apperror.FeatureNotAvailableError{Tier: t.String(), UpgradeTo: minimum.String()}
}

// FileSizeFeature names the file size ceiling in denials.
const FileSizeFeature = "file_size"

// CheckFileSize denies uploads above the effective tier's file size ceiling.
// The error names the lowest tier whose ceiling admits size.
func (g *Gate) CheckFileSize(ctx context.Context, identity quotadomain.Identity, size int64) error {
	if size < 0 {
		return apperror.NewValidation("size", "invalid_size", "size must not be negative")
	}

	t, err := g.EffectiveTier(ctx, identity)
	if err != nil {
		return g.entitlementFailure(ctx, FileSizeFeature, g.failure.Feature, identity, err)
	}
	policy := g.policy.Policy()
	if policy.Limits(t).AllowsFileSize(size) {
		return nil
	}

	denied := &apperror.FeatureNotAvailableError{Feature: FileSizeFeature, Tier: t.String()}
	for _, candidate := range tier.All() {
		if candidate.Rank() > t.Rank() && policy.Limits(candidate).AllowsFileSize(size) {
			denied.UpgradeTo = candidate.String()
			break
		}
	}
	return denied
}

func (g *Gate) entitlementFailure(ctx context.Context, check string, mode FailureMode, identity quotadomain.Identity, cause error) error {
	if apperror.IsValidation(cause) {
		return cause
	}
	if mode == FailClosed {
		logger.WithContext(ctx, g.log).Warn("entitlement check failed, denying request",
			zap.String("check", check),
			zap.String("identity", identity.Key()),
			zap.Error(cause),
		)
		return fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}

	g.metrics.RecordGateFailOpen(ctx, check)
	logger.WithContext(ctx, g.log).Warn("entitlement check failed, allowing request",
		zap.String("check", check),
		zap.String("identity", identity.Key()),
		zap.Error(cause),
	)
	return nil
}
