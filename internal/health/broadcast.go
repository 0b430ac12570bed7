package health

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/routeros-fleet/controlplane/internal/log"
)

// ResourceUpdated is the lightweight notification pushed to subscribers
// after a health check. It deliberately carries no measurements — only
// the URI, an etag, and a status hint — so subscribers re-fetch the full
// payload if interested and the health path stays decoupled from
// subscriber count.
type ResourceUpdated struct {
	URI        string `json:"uri"`
	ETag       string `json:"etag"`
	StatusHint string `json:"status_hint"`
}

// Broadcaster fans a ResourceUpdated out to whoever is listening.
// Implementations must be fire-and-forget: a broadcast failure never
// fails the health check that triggered it.
type Broadcaster interface {
	Broadcast(ctx context.Context, deviceID string, update ResourceUpdated)
}

// RedisBroadcaster publishes to a per-device pub/sub channel. A gateway
// can bridge the channel to SSE without this core knowing.
type RedisBroadcaster struct {
	client *redis.Client
	log    *log.PrefixLogger
}

func NewRedisBroadcaster(client *redis.Client, logger *log.PrefixLogger) *RedisBroadcaster {
	if logger == nil {
		logger = log.NewPrefixLogger("health-broadcast")
	}
	return &RedisBroadcaster{client: client, log: logger}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, deviceID string, update ResourceUpdated) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	channel := fmt.Sprintf("device:%s:health", deviceID)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.log.WithError(err).Warnf("health broadcast to %s failed", channel)
	}
}
