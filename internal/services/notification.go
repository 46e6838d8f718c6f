package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// NotificationDispatcher informs a party of a settlement or contract event.
// Delivery is best-effort: a failure must never roll back a committed
// settlement.
type NotificationDispatcher interface {
	Notify(ctx context.Context, accountID, eventType string, payload map[string]interface{}) error
}

// NotificationEvent is the queued message shape consumed by the delivery
// workers (push/SMS, out of scope here).
type NotificationEvent struct {
	AccountID string                 `json:"account_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

const notificationQueue = "notification_queue"

// RedisDispatcher pushes notification events onto a Redis list for the
// delivery workers to drain.
type RedisDispatcher struct {
	redis *redis.Client
}

func NewRedisDispatcher(redisClient *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{redis: redisClient}
}

func (d *RedisDispatcher) Notify(ctx context.Context, accountID, eventType string, payload map[string]interface{}) error {
	event := NotificationEvent{
		AccountID: accountID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return d.redis.RPush(ctx, notificationQueue, string(data)).Err()
}

// NoopDispatcher logs and drops events. Used when Redis is unavailable.
type NoopDispatcher struct{}

func (NoopDispatcher) Notify(_ context.Context, accountID, eventType string, _ map[string]interface{}) error {
	log.Printf("[NOTIFY] Dropping %s event for account %s (no dispatcher backend)", eventType, accountID)
	return nil
}

// NewDispatcher picks the Redis-backed dispatcher when a client is available.
func NewDispatcher(redisClient *redis.Client) NotificationDispatcher {
	if redisClient == nil {
		return NoopDispatcher{}
	}
	return NewRedisDispatcher(redisClient)
}

// context5s bounds fire-and-forget dispatches so a slow queue cannot pile up
// goroutines behind it.
func context5s() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
