package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream holding compliance entries
const DefaultStream = "audit:pre_execution"

// RedisStreamSink appends entries to a Redis stream. The id returned by
// XADD is the confirmation.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
}

// NewRedisStreamSink creates a stream sink
func NewRedisStreamSink(client redis.UniversalClient, stream string) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream}
}

func (s *RedisStreamSink) Name() string { return "redis:" + s.stream }

func (s *RedisStreamSink) Emit(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"entry":     string(data),
			"kind":      string(e.Kind),
			"operation": e.OperationID,
			"hash":      e.Hash,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	if id == "" {
		return fmt.Errorf("xadd %s: no entry id returned", s.stream)
	}
	return nil
}

// LastHash returns the hash of the newest entry, or "" for an empty stream
func (s *RedisStreamSink) LastHash(ctx context.Context) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	h, _ := msgs[0].Values["hash"].(string)
	return h, nil
}

func (s *RedisStreamSink) Entries(ctx context.Context) ([]Entry, error) {
	msgs, err := s.client.XRange(ctx, s.stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["entry"].(string)
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry %s: %w", m.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
