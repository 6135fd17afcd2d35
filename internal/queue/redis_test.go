package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStream(t *testing.T, m *Mux, retry RetryPolicy) (*RedisStream, *redis.Client, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	q := NewRedisStream(rdb, m, StreamOptions{Stream: "t", Retry: retry, Clock: clock, Log: zerolog.Nop()})
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q, rdb, clock
}

// drain reads whatever is currently deliverable without blocking.
func drain(t *testing.T, q *RedisStream) int {
	t.Helper()
	ctx := context.Background()
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    10,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	require.NoError(t, err)
	n := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			q.handle(ctx, msg)
			n++
		}
	}
	return n
}

func TestRedisStream_EnsureGroupIdempotent(t *testing.T) {
	q, _, _ := newStream(t, NewMux(), DefaultRetryPolicy())
	assert.NoError(t, q.EnsureGroup(context.Background()))
}

func TestRedisStream_DeliverAck(t *testing.T) {
	var got []string
	m := NewMux()
	m.Handle(TypeIndexKnowledge, func(_ context.Context, tk Task) error {
		var p struct{ ID string }
		if err := tk.Decode(&p); err != nil {
			return err
		}
		got = append(got, p.ID)
		return nil
	})
	q, rdb, _ := newStream(t, m, DefaultRetryPolicy())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TypeIndexKnowledge, struct{ ID string }{"lr-1"}))
	assert.Equal(t, 1, drain(t, q))
	assert.Equal(t, []string{"lr-1"}, got)

	pending, err := rdb.XPending(ctx, "t", q.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisStream_FailedAttemptIsDelayedThenRetried(t *testing.T) {
	attempts := []int{}
	m := NewMux()
	m.Handle(TypeSendEmail, func(_ context.Context, tk Task) error {
		attempts = append(attempts, tk.Attempt)
		if tk.Attempt == 1 {
			return errors.New("smtp down")
		}
		return nil
	})
	retry := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Minute}
	q, rdb, clock := newStream(t, m, retry)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TypeSendEmail, map[string]string{"message_id": "m"}))
	require.Equal(t, 1, drain(t, q))

	n, err := rdb.ZCard(ctx, q.delayedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "failed task parked")

	moved, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved, "not yet due")

	clock.Advance(time.Minute)
	moved, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	require.Equal(t, 1, drain(t, q))
	assert.Equal(t, []int{1, 2}, attempts)

	n, err = rdb.ZCard(ctx, q.delayedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedisStream_DropsAfterMaxAttempts(t *testing.T) {
	m := NewMux()
	m.Handle(TypeNotifyEmail, func(context.Context, Task) error { return errors.New("nope") })
	q, rdb, _ := newStream(t, m, RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TypeNotifyEmail, nil))
	require.Equal(t, 1, drain(t, q))

	n, err := rdb.ZCard(ctx, q.delayedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	pending, err := rdb.XPending(ctx, "t", q.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisStream_MalformedMessageIsAcked(t *testing.T) {
	q, rdb, _ := newStream(t, NewMux(), DefaultRetryPolicy())
	ctx := context.Background()
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "t", Values: map[string]any{"task": "{not json"}}).Err())

	require.Equal(t, 1, drain(t, q))
	pending, err := rdb.XPending(ctx, "t", q.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}
