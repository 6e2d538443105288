package cache

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
	fx.Provide(New),
)

// NewRedisClient returns nil when REDIS_ADDR is unset.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

type Params struct {
	fx.In

	Cfg    config.Config
	Clock  clock.Clock
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

func New(p Params) (Cache, error) {
	switch p.Cfg.Cache.Backend {
	case "", BackendMemory:
		return NewMemoryCache(p.Cfg.Cache.Size, p.Clock), nil
	case BackendRedis:
		if p.Client == nil {
			return nil, fmt.Errorf("%w: redis backend requires REDIS_ADDR", ErrUnknownKind)
		}
		p.Log.Named("cache").Info("using redis cache", zap.String("prefix", p.Cfg.Cache.KeyPrefix))
		return NewRedisCache(p.Client, p.Cfg.Cache.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, p.Cfg.Cache.Backend)
	}
}
