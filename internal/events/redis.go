package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const publishTimeout = 2 * time.Second

// RedisSink mirrors bus events onto a Redis Pub/Sub channel so other
// processes can follow the active call.
type RedisSink struct {
	rdb     *redis.Client
	channel string
	log     zerolog.Logger
}

// NewRedisSink parses url and prepares a client. No connection is made
// until the first publish.
func NewRedisSink(url, channel string, log zerolog.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSink{rdb: redis.NewClient(opts), channel: channel, log: log}, nil
}

func (s *RedisSink) Channel() string { return s.channel }

// Ping checks the server is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Run publishes every event from ch until ch closes or ctx is done.
// Publish failures are logged and the event is dropped.
func (s *RedisSink) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Publish(ctx, ev); err != nil {
				s.log.Warn().Err(err).Str("type", ev.Type).Str("call_id", ev.CallID).Msg("redis publish failed")
			}
		}
	}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return s.rdb.Publish(pctx, s.channel, string(data)).Err()
}

func (s *RedisSink) Close() error { return s.rdb.Close() }

// Encode is the wire form shared by the Redis, SSE and WebSocket feeds.
func Encode(ev Event) ([]byte, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}
