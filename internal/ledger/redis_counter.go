package ledger

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	spendKeyPrefix  = "budget:spend:"
	opsKeyPrefix    = "budget:ops:"
	warnedKeyPrefix = "budget:warned:"

	// Day keys outlive their day so a late sweep still finds them
	counterTTL = 48 * time.Hour
)

// reserveScript performs the conditional increment in one round trip.
// KEYS[1]=spend KEYS[2]=ops; ARGV[1]=amount micros ARGV[2]=limit micros ARGV[3]=ttl seconds
var reserveScript = redis.NewScript(`
	local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
	local ops = tonumber(redis.call("GET", KEYS[2]) or "0")
	local amt = tonumber(ARGV[1])
	local lim = tonumber(ARGV[2])
	if cur == nil or ops == nil then
		return redis.error_reply("corrupt budget counter")
	end
	if cur >= lim or cur + amt > lim then
		return {0, cur, ops}
	end
	cur = redis.call("INCRBY", KEYS[1], amt)
	ops = redis.call("INCR", KEYS[2])
	redis.call("EXPIRE", KEYS[1], ARGV[3])
	redis.call("EXPIRE", KEYS[2], ARGV[3])
	return {1, cur, ops}
`)

// RedisCounter keeps budget counters in Redis so that every instance shares
// one atomic view of a user's spend
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter creates a Redis-backed counter
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

func spendKey(userID, day string) string  { return spendKeyPrefix + userID + ":" + day }
func opsKey(userID, day string) string    { return opsKeyPrefix + userID + ":" + day }
func warnedKey(userID, day string) string { return warnedKeyPrefix + userID + ":" + day }

func (c *RedisCounter) Reserve(ctx context.Context, userID, day string, amount, limit float64) (Reservation, error) {
	vals, err := reserveScript.Run(ctx, c.client,
		[]string{spendKey(userID, day), opsKey(userID, day)},
		toMicros(amount), toMicros(limit), int64(counterTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("budget reserve for %s: %w", userID, err)
	}
	if len(vals) != 3 {
		return Reservation{}, fmt.Errorf("budget reserve for %s: unexpected reply %v", userID, vals)
	}

	return Reservation{
		Allowed:    vals[0] == 1,
		Spend:      fromMicros(vals[1]),
		Operations: vals[2],
	}, nil
}

func (c *RedisCounter) Spend(ctx context.Context, userID, day string) (float64, int64, error) {
	vals, err := c.client.MGet(ctx, spendKey(userID, day), opsKey(userID, day)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("budget read for %s: %w", userID, err)
	}

	micros, err := counterValue(vals[0])
	if err != nil {
		return 0, 0, fmt.Errorf("budget spend for %s is corrupt: %w", userID, err)
	}
	ops, err := counterValue(vals[1])
	if err != nil {
		return 0, 0, fmt.Errorf("budget operation count for %s is corrupt: %w", userID, err)
	}
	return fromMicros(micros), ops, nil
}

// counterValue parses an MGET reply; a missing key counts as zero
func counterValue(v any) (int64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(s, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}

func (c *RedisCounter) MarkWarned(ctx context.Context, userID, day string) (bool, error) {
	return c.client.SetNX(ctx, warnedKey(userID, day), time.Now().UTC().Unix(), counterTTL).Result()
}

func (c *RedisCounter) Sweep(ctx context.Context, currentDay string) (int, error) {
	removed := 0
	for _, prefix := range []string{spendKeyPrefix, opsKeyPrefix, warnedKeyPrefix} {
		iter := c.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
		var stale []string
		for iter.Next(ctx) {
			key := iter.Val()
			i := strings.LastIndex(key, ":")
			if i < 0 || key[i+1:] >= currentDay {
				continue
			}
			stale = append(stale, key)
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("budget sweep scan: %w", err)
		}
		if len(stale) == 0 {
			continue
		}
		if err := c.client.Del(ctx, stale...).Err(); err != nil {
			return removed, fmt.Errorf("budget sweep delete: %w", err)
		}
		if prefix == spendKeyPrefix {
			removed += len(stale)
		}
	}

	if removed > 0 {
		log.Printf("🧹 [LEDGER] Swept %d stale budget counters before %s", removed, currentDay)
	}
	return removed, nil
}
