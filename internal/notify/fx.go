package notify

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	obsmetrics "github.com/smallbiznis/quotaguard/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaguard/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	fx.Provide(New),
	fx.Provide(func(d *Dispatcher) quotadomain.ThresholdNotifier { return d }),
	fx.Invoke(runDispatcher),
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
	Redis   *redis.Client       `optional:"true"`
}

func New(p Params) *Dispatcher {
	handlers := []Handler{NewLogHandler(p.Log)}
	if p.Redis != nil && p.Cfg.Quota.NotifyRedisChannel != "" {
		handlers = append(handlers, NewRedisPublisher(p.Redis, p.Cfg.Quota.NotifyRedisChannel))
	}
	return NewDispatcher(p.Log, p.Clock, p.Metrics, p.Cfg.Quota.NotifyQueueSize, p.Cfg.Quota.NotifyWorkers, handlers...)
}

func runDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: d.Stop,
	})
}
