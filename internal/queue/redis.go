package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const taskField = "task"

// StreamOptions configures a RedisStream.
type StreamOptions struct {
	Stream   string // default "tasks"
	Group    string // default "workers"
	Consumer string // default "worker-1"
	// Block bounds a single XREADGROUP wait.
	Block time.Duration
	// ReclaimIdle is how long a delivered but unacknowledged message may sit
	// before another consumer claims it.
	ReclaimIdle     time.Duration
	ReclaimInterval time.Duration
	PromoteInterval time.Duration
	TaskTimeout     time.Duration
	Retry           RetryPolicy
	Clock           clockwork.Clock
	Log             zerolog.Logger
}

// RedisStream is a durable queue on a Redis stream with a consumer group.
// Messages are acknowledged only after their handler returns; failed
// attempts are parked in a sorted set keyed by due time and moved back to
// the stream when due.
type RedisStream struct {
	rdb  redis.UniversalClient
	mux  *Mux
	opts StreamOptions
}

// NewRedisStream builds a stream queue. Zero options get defaults.
func NewRedisStream(rdb redis.UniversalClient, mux *Mux, opts StreamOptions) *RedisStream {
	if opts.Stream == "" {
		opts.Stream = "tasks"
	}
	if opts.Group == "" {
		opts.Group = "workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-1"
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = 5 * time.Minute
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = time.Minute
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &RedisStream{rdb: rdb, mux: mux, opts: opts}
}

func (q *RedisStream) delayedKey() string { return q.opts.Stream + ":delayed" }

// EnsureGroup creates the stream and consumer group when missing.
func (q *RedisStream) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue implements Enqueuer.
func (q *RedisStream) Enqueue(ctx context.Context, taskType string, payload any) error {
	t, err := NewTask(taskType, payload, q.opts.Clock.Now())
	if err != nil {
		return err
	}
	return q.add(ctx, t)
}

func (q *RedisStream) add(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{taskField: string(raw)},
	}).Err()
}

// schedule parks t until at.
func (q *RedisStream) schedule(ctx context.Context, t Task, at time.Time) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(at.UnixMilli()), Member: string(raw)}).Err()
}

// PromoteDue moves parked tasks whose due time has passed back onto the
// stream. ZREM decides ownership, so concurrent promoters never duplicate.
func (q *RedisStream) PromoteDue(ctx context.Context) (int, error) {
	now := q.opts.Clock.Now().UnixMilli()
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, raw := range due {
		n, err := q.rdb.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue
		}
		if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: q.opts.Stream,
			Values: map[string]any{taskField: raw},
		}).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Run consumes the stream until ctx is cancelled. It also promotes delayed
// retries and reclaims messages abandoned by crashed consumers.
func (q *RedisStream) Run(ctx context.Context) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}
	go q.housekeeping(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    10,
			Block:    q.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) || (err != nil && ctx.Err() != nil) {
			continue
		}
		if err != nil {
			q.opts.Log.Error().Err(err).Msg("read stream")
			select {
			case <-ctx.Done():
			case <-q.opts.Clock.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.handle(ctx, msg)
			}
		}
	}
}

func (q *RedisStream) housekeeping(ctx context.Context) {
	promote := q.opts.Clock.NewTicker(q.opts.PromoteInterval)
	reclaim := q.opts.Clock.NewTicker(q.opts.ReclaimInterval)
	defer promote.Stop()
	defer reclaim.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.Chan():
			if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				q.opts.Log.Warn().Err(err).Msg("promote delayed tasks")
			}
		case <-reclaim.Chan():
			if _, err := q.Reclaim(ctx); err != nil && ctx.Err() == nil {
				q.opts.Log.Warn().Err(err).Msg("reclaim stale tasks")
			}
		}
	}
}

// Reclaim takes over messages left pending longer than ReclaimIdle and
// processes them in this consumer.
func (q *RedisStream) Reclaim(ctx context.Context) (int, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.ReclaimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		q.handle(ctx, msg)
	}
	return len(msgs), nil
}

// handle runs one stream message and acknowledges it. A failed attempt is
// parked for retry before the ack so a crash in between re-delivers instead
// of losing it.
func (q *RedisStream) handle(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[taskField].(string)
	var t Task
	if !ok || json.Unmarshal([]byte(raw), &t) != nil {
		q.opts.Log.Error().Str("stream_id", msg.ID).Msg("malformed task; dropping")
		q.ack(ctx, msg.ID)
		return
	}

	delay, retry := run(ctx, q.mux.Dispatch, q.opts.Retry, q.opts.TaskTimeout, t, q.opts.Log)
	if retry {
		t.Attempt++
		if err := q.schedule(ctx, t, q.opts.Clock.Now().Add(delay)); err != nil {
			// Leave it pending; Reclaim will deliver it again.
			q.opts.Log.Error().Err(err).Str("task_id", t.ID).Msg("schedule retry")
			return
		}
	}
	q.ack(ctx, msg.ID)
}

func (q *RedisStream) ack(ctx context.Context, id string) {
	if err := q.rdb.XAck(ctx, q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		q.opts.Log.Warn().Err(err).Str("stream_id", id).Msg("ack")
	}
}
