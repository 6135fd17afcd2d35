// Package queue runs best-effort background work (outbound email,
// notification email, knowledge indexing) with at-least-once delivery.
//
// Handlers must be idempotent: a task may run again after a crash, a lost
// acknowledgement or a failed attempt. Failed attempts are retried with
// exponential backoff until MaxAttempts, then dropped with an error log.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-support-handoff/internal/observability"
)

// Task types.
const (
	TypeSendEmail      = "email.send"
	TypeNotifyEmail    = "email.notify"
	TypeIndexKnowledge = "knowledge.index"
)

// ErrNoHandler is returned when a task type has no registered handler.
var ErrNoHandler = errors.New("no handler for task type")

// ErrPermanent wraps errors that must not be retried.
var ErrPermanent = errors.New("permanent task failure")

// Task is the unit of work carried by every queue implementation.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrPermanent, t.Type, err)
	}
	return nil
}

// NewTask builds a first-attempt task for payload.
func NewTask(taskType string, payload any, now time.Time) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return Task{ID: uuid.NewString(), Type: taskType, Payload: raw, Attempt: 1, EnqueuedAt: now.UTC()}, nil
}

// Enqueuer accepts tasks for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any) error
}

// Handler executes one task attempt.
type Handler func(ctx context.Context, t Task) error

// Mux routes tasks to handlers by type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMux() *Mux { return &Mux{handlers: make(map[string]Handler)} }

// Handle registers h for taskType, replacing any previous handler.
func (m *Mux) Handle(taskType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = h
}

// Dispatch runs the handler registered for t.Type.
func (m *Mux) Dispatch(ctx context.Context, t Task) error {
	m.mu.RLock()
	h, ok := m.handlers[t.Type]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %w %q", ErrPermanent, ErrNoHandler, t.Type)
	}
	return h(ctx, t)
}

// RetryPolicy decides whether and when a failed attempt runs again.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries five times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 5 * time.Minute}
}

// Delay returns how long to wait before attempt+1, and false when the task
// has exhausted its attempts or failed permanently.
func (p RetryPolicy) Delay(attempt int, err error) (time.Duration, bool) {
	if errors.Is(err, ErrPermanent) {
		return 0, false
	}
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	if attempt >= limit {
		return 0, false
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d, true
}

// run executes one attempt with a per-task deadline and reports the outcome.
// It returns the retry delay and whether a retry should be scheduled.
func run(ctx context.Context, d func(context.Context, Task) error, policy RetryPolicy, timeout time.Duration, t Task, log zerolog.Logger) (time.Duration, bool) {
	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := d(tctx, t)
	if err == nil {
		observability.Tasks.WithLabelValues(t.Type, "ok").Inc()
		return 0, false
	}
	delay, retry := policy.Delay(t.Attempt, err)
	lg := log.With().Str("task_id", t.ID).Str("task_type", t.Type).Int("attempt", t.Attempt).Logger()
	if retry {
		observability.Tasks.WithLabelValues(t.Type, "retry").Inc()
		lg.Warn().Err(err).Dur("retry_in", delay).Msg("task failed; retrying")
		return delay, true
	}
	observability.Tasks.WithLabelValues(t.Type, "dead").Inc()
	lg.Error().Err(err).Msg("task failed; giving up")
	return 0, false
}
