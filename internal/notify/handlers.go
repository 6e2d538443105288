package notify

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogHandler writes each warning to the structured log.
type LogHandler struct {
	log *zap.Logger
}

func NewLogHandler(log *zap.Logger) *LogHandler {
	return &LogHandler{log: log.Named("notify.log")}
}

func (h *LogHandler) Name() string { return "log" }

func (h *LogHandler) Handle(_ context.Context, event ThresholdEvent) error {
	h.log.Info("usage threshold crossed",
		zap.String("notification_id", event.ID),
		zap.String("identity", event.Identity.Key()),
		zap.Int("percent_used", event.PercentUsed),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

// RedisPublisher fans warnings out to subscribers of a Redis channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Handle(ctx context.Context, event ThresholdEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal threshold event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}
