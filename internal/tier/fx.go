package tier

import (
	"github.com/smallbiznis/quotaguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tier.policy",
	fx.Provide(NewSource),
)

func NewSource(cfg config.Config, log *zap.Logger) (Source, error) {
	policy, err := LoadPolicy(cfg.TierPolicyPath)
	if err != nil {
		return nil, err
	}
	log.Named("tier.policy").Info("tier policy loaded",
		zap.String("path", cfg.TierPolicyPath),
		zap.Int64("free_daily_limit", policy.Limits(Free).DailyLimit),
		zap.Int64("free_monthly_limit", policy.Limits(Free).MonthlyLimit),
	)
	return NewStaticSource(policy), nil
}
