package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis-backed broker.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PollInterval time.Duration
}

// redisBroker keeps pending refs on a list, in-flight payloads in a hash
// keyed by receipt, lease expiries in a zset, and delayed retries in a
// second zset scored by their not-before instant.
type redisBroker struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedis builds a broker on the given redis instance.
func NewRedis(opts RedisOptions) Broker {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "vidforge"
	}
	pollInterval := opts.PollInterval
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &redisBroker{client: client, prefix: prefix, pollInterval: pollInterval}
}

func (b *redisBroker) pendingKey() string    { return b.prefix + ":pending" }
func (b *redisBroker) inflightKey() string   { return b.prefix + ":inflight" }
func (b *redisBroker) visibilityKey() string { return b.prefix + ":visibility" }
func (b *redisBroker) delayedKey() string    { return b.prefix + ":delayed" }

func (b *redisBroker) Enqueue(ctx context.Context, ref Ref) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode ref: %w", err)
	}
	if err := b.client.LPush(ctx, b.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", ref.JobKey, err)
	}
	return nil
}

func (b *redisBroker) Dequeue(ctx context.Context, owner string, visibility time.Duration) (*Delivery, error) {
	for {
		if err := b.promoteDelayed(ctx, time.Now()); err != nil {
			return nil, err
		}

		values, err := b.client.BRPop(ctx, b.pollInterval, b.pendingKey()).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		payload := values[1]
		var ref Ref
		if err := json.Unmarshal([]byte(payload), &ref); err != nil {
			return nil, fmt.Errorf("decode pending payload: %w", err)
		}

		receipt := uuid.NewString()
		expiry := float64(time.Now().Add(visibility).UnixMilli())
		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, b.inflightKey(), receipt, payload)
		pipe.ZAdd(ctx, b.visibilityKey(), redis.Z{Score: expiry, Member: receipt})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("lease %s: %w", ref.JobKey, err)
		}

		return &Delivery{Ref: ref, Receipt: receipt, LeasedBy: owner}, nil
	}
}

func (b *redisBroker) Ack(ctx context.Context, delivery *Delivery) error {
	if delivery == nil {
		return fmt.Errorf("ack: delivery is required")
	}
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.inflightKey(), delivery.Receipt)
	pipe.ZRem(ctx, b.visibilityKey(), delivery.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", delivery.JobKey, err)
	}
	return nil
}

func (b *redisBroker) Nack(ctx context.Context, delivery *Delivery, delay time.Duration) error {
	if delivery == nil {
		return fmt.Errorf("nack: delivery is required")
	}
	payload, err := b.client.HGet(ctx, b.inflightKey(), delivery.Receipt).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("nack %s: %w", delivery.JobKey, err)
	}

	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.inflightKey(), delivery.Receipt)
	pipe.ZRem(ctx, b.visibilityKey(), delivery.Receipt)
	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		pipe.ZAdd(ctx, b.delayedKey(), redis.Z{Score: score, Member: payload})
	} else {
		pipe.LPush(ctx, b.pendingKey(), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack %s: %w", delivery.JobKey, err)
	}
	return nil
}

func (b *redisBroker) Extend(ctx context.Context, delivery *Delivery, visibility time.Duration) error {
	if delivery == nil {
		return fmt.Errorf("extend: delivery is required")
	}
	expiry := float64(time.Now().Add(visibility).UnixMilli())
	changed, err := b.client.ZAddArgs(ctx, b.visibilityKey(), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: expiry, Member: delivery.Receipt}},
	}).Result()
	if err != nil {
		return fmt.Errorf("extend %s: %w", delivery.JobKey, err)
	}
	if changed == 0 {
		// XX updated nothing: the receipt either left the zset or kept
		// the same score. Only the former means the lease is gone.
		if err := b.client.ZScore(ctx, b.visibilityKey(), delivery.Receipt).Err(); err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrLeaseLost, delivery.JobKey)
		} else if err != nil {
			return fmt.Errorf("extend %s: %w", delivery.JobKey, err)
		}
	}
	return nil
}

func (b *redisBroker) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	receipts, err := b.client.ZRangeByScore(ctx, b.visibilityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}

	reclaimed := 0
	for _, receipt := range receipts {
		payload, err := b.client.HGet(ctx, b.inflightKey(), receipt).Result()
		if err == redis.Nil {
			b.client.ZRem(ctx, b.visibilityKey(), receipt)
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("requeue expired: %w", err)
		}
		pipe := b.client.TxPipeline()
		pipe.LPush(ctx, b.pendingKey(), payload)
		pipe.HDel(ctx, b.inflightKey(), receipt)
		pipe.ZRem(ctx, b.visibilityKey(), receipt)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("requeue expired: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// promoteDelayed moves due retry payloads back onto the pending list.
func (b *redisBroker) promoteDelayed(ctx context.Context, now time.Time) error {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	payloads, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	for _, payload := range payloads {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.delayedKey(), payload)
		pipe.LPush(ctx, b.pendingKey(), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
	}
	return nil
}

func (b *redisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBroker) Close() error {
	return b.client.Close()
}
