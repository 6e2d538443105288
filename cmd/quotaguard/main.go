package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaguard/internal/cache"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/gate"
	"github.com/smallbiznis/quotaguard/internal/identity"
	"github.com/smallbiznis/quotaguard/internal/migration"
	"github.com/smallbiznis/quotaguard/internal/notify"
	"github.com/smallbiznis/quotaguard/internal/observability"
	"github.com/smallbiznis/quotaguard/internal/payment"
	"github.com/smallbiznis/quotaguard/internal/quota"
	"github.com/smallbiznis/quotaguard/internal/server"
	"github.com/smallbiznis/quotaguard/internal/subscription"
	"github.com/smallbiznis/quotaguard/internal/tier"
	"github.com/smallbiznis/quotaguard/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,

		// Functional Domains
		tier.Module,
		notify.Module,
		quota.Module,
		payment.Module,
		subscription.Module,
		identity.Module,
		gate.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
