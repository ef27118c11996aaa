package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// ChannelPrefix prefixes the per-doctor Redis Pub/Sub channel.
const ChannelPrefix = "clinic:schedule:"

func Channel(doctorID string) string { return ChannelPrefix + doctorID }

// NewRedisClient parses a redis:// URL and returns a client.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisPing is a health check for the Redis connection.
func RedisPing(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// RedisSink publishes events on the doctor's channel so every instance can
// relay them to its own websocket clients.
type RedisSink struct {
	rdb *redis.Client
}

func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func (s *RedisSink) Publish(ctx context.Context, ev websocket.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, Channel(ev.DoctorID), data).Err()
}

// RedisRelay subscribes to every doctor channel and republishes received
// events into the local sink, normally the websocket hub.
type RedisRelay struct {
	rdb    *redis.Client
	local  websocket.EventPublisher
	logger zerolog.Logger
}

func NewRedisRelay(rdb *redis.Client, local websocket.EventPublisher, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:    rdb,
		local:  local,
		logger: logger.With().Str("component", "redis_relay").Logger(),
	}
}

// Run relays messages until ctx is done. A dropped subscription is retried
// after a second.
func (r *RedisRelay) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := r.subscribe(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("redis subscription lost")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (r *RedisRelay) subscribe(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info().Str("pattern", ChannelPrefix+"*").Msg("relaying schedule events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			r.handle(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, channel, payload string) {
	var ev websocket.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("discarding malformed event")
		return
	}
	// The channel is authoritative for the doctor.
	if id := strings.TrimPrefix(channel, ChannelPrefix); id != channel && id != ev.DoctorID {
		ev.DoctorID = id
		ev.Topic = websocket.DoctorTopic(id)
	}
	if err := r.local.Publish(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("channel", channel).Msg("local delivery failed")
	}
}
