package scheduledqueue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/metrics"
	"github.com/kumocorp/engine/internal/retry"
)

// QueueConfig mirrors the fields spec.md §6's get_queue_config callback
// returns, cached per queue with a TTL or epoch marker.
type QueueConfig struct {
	MaxAge           time.Duration
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	EgressPool       string
	Protocol         string
	MaxMessageRate   float64
}

// ConfigResolver is the spec.md §6 get_queue_config policy callback,
// parameterized by the queue's identity components.
type ConfigResolver func(queueName string) (QueueConfig, error)

// Promoter admits a due message into a Ready Queue (spec.md §4.6). It
// returns false when admission is refused (ready queue full, rate
// throttle, etc.), in which case the message is re-inserted with a
// short randomized delay rather than bounced.
type Promoter interface {
	Promote(ctx context.Context, h *message.Handle, cfg QueueConfig) (admitted bool, err error)
}

// BounceLogger records an AdminBounce/Bounce event and removes the
// message from spool. Supplied by internal/logbus + internal/spool at
// wiring time.
type BounceLogger interface {
	Bounce(ctx context.Context, h *message.Handle, classification, reason string) error
}

// Queue is one Scheduled Queue, identified by its canonical queue name.
type Queue struct {
	Name string

	mu       sync.Mutex
	strategy Strategy

	suspendedUntil time.Time
	suspended      bool

	cfgMu     sync.Mutex
	cfg       QueueConfig
	cfgLoaded bool

	resolveCfg ConfigResolver
	logger     *logging.Logger
}

// NewQueue constructs a Queue using strategy for ordering.
func NewQueue(name string, strategy Strategy, resolveCfg ConfigResolver, logger *logging.Logger) *Queue {
	return &Queue{
		Name:       name,
		strategy:   strategy,
		resolveCfg: resolveCfg,
		logger:     logger.WithFields("component", "scheduler", "queue", name),
	}
}

// Config returns the queue's cached configuration, resolving via
// callback on first use.
func (q *Queue) Config() (QueueConfig, error) {
	q.cfgMu.Lock()
	defer q.cfgMu.Unlock()
	if q.cfgLoaded {
		return q.cfg, nil
	}
	cfg, err := q.resolveCfg(q.Name)
	if err != nil {
		return QueueConfig{}, err
	}
	q.cfg = cfg
	q.cfgLoaded = true
	return cfg, nil
}

// InvalidateConfig forces the next Config() call to re-resolve, used
// when an epoch marker changes.
func (q *Queue) InvalidateConfig() {
	q.cfgMu.Lock()
	defer q.cfgMu.Unlock()
	q.cfgLoaded = false
}

// Insert adds a message to the queue, ordered by its current due_at.
func (q *Queue) Insert(h *message.Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.strategy.Insert(h)
	metrics.ScheduledQueueDepth.WithLabelValues(q.Name).Set(float64(q.strategy.Len()))
}

// Remove drops a message by id, e.g. for a rebind that moves it to a
// different queue.
func (q *Queue) Remove(id message.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ok := q.strategy.Remove(id)
	metrics.ScheduledQueueDepth.WithLabelValues(q.Name).Set(float64(q.strategy.Len()))
	return ok
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.strategy.Len()
}

// Suspend marks the queue suspended until until; the tick maintainer
// stops promoting its messages.
func (q *Queue) Suspend(until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suspended = true
	q.suspendedUntil = until
}

// Resume cancels a suspension immediately.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suspended = false
}

// IsSuspended reports whether the queue is currently suspended,
// auto-clearing an expired suspension.
func (q *Queue) IsSuspended(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.suspended {
		return false
	}
	if !q.suspendedUntil.IsZero() && !now.Before(q.suspendedUntil) {
		q.suspended = false
		return false
	}
	return true
}

// jitterDelay returns a small randomized re-insertion delay, per
// spec.md §4.5's "due_at = now + small_random_delay" refusal rule.
func jitterDelay() time.Duration {
	return time.Duration(100+rand.Intn(900)) * time.Millisecond
}

// Tick processes every due message: suspended queues are skipped
// entirely; expired messages are bounced via bouncer; otherwise each
// due message is offered to promoter, re-inserted with jitter on
// refusal.
func (q *Queue) Tick(ctx context.Context, now time.Time, promoter Promoter, bouncer BounceLogger) {
	if q.IsSuspended(now) {
		return
	}

	q.mu.Lock()
	due := q.strategy.PopDue(now)
	q.mu.Unlock()
	if len(due) == 0 {
		return
	}

	cfg, err := q.Config()
	if err != nil {
		q.logger.Error("config resolution failed", "error", err.Error())
		// Can't safely promote without config; re-insert for next tick.
		q.mu.Lock()
		for _, h := range due {
			q.strategy.Insert(h)
		}
		q.mu.Unlock()
		return
	}

	for _, h := range due {
		if retry.IsExpired(now, h.ExpiresAt()) {
			if bouncer != nil {
				if err := bouncer.Bounce(ctx, h, "Expired", "message expired before delivery"); err != nil {
					q.logger.Error("expiration bounce failed", "id", string(h.ID()), "error", err.Error())
				}
			}
			metrics.MessagesExpired.Inc()
			continue
		}

		admitted, err := promoter.Promote(ctx, h, cfg)
		if err != nil {
			q.logger.Error("promotion error", "id", string(h.ID()), "error", err.Error())
		}
		if !admitted {
			_ = h.SetDueAt(ctx, now.Add(jitterDelay()))
			q.mu.Lock()
			q.strategy.Insert(h)
			q.mu.Unlock()
			continue
		}
	}

	q.mu.Lock()
	metrics.ScheduledQueueDepth.WithLabelValues(q.Name).Set(float64(q.strategy.Len()))
	q.mu.Unlock()
}

// AdminBounce removes every currently-queued message, logging an
// AdminBounce record for each via bouncer, per spec.md §4.5.
func (q *Queue) AdminBounce(ctx context.Context, reason string, bouncer BounceLogger) (int, error) {
	q.mu.Lock()
	all := q.strategy.PopDue(farFuture())
	q.mu.Unlock()

	for _, h := range all {
		if err := bouncer.Bounce(ctx, h, "AdminBounce", reason); err != nil {
			q.logger.Error("admin bounce failed", "id", string(h.ID()), "error", err.Error())
		}
		metrics.RecordAdminAction("bounce")
	}
	metrics.ScheduledQueueDepth.WithLabelValues(q.Name).Set(0)
	return len(all), nil
}

func farFuture() time.Time {
	return time.Now().AddDate(100, 0, 0)
}

// Drain removes every currently-queued message regardless of due_at and
// offers each to fn. Messages for which fn returns false are re-inserted
// into this queue unchanged; fn is responsible for re-homing messages it
// claims (true) — e.g. internal/admincontrol's rebind and xfer
// operations, which insert the handle into a different queue themselves.
func (q *Queue) Drain(fn func(h *message.Handle) bool) int {
	q.mu.Lock()
	all := q.strategy.PopDue(farFuture())
	q.mu.Unlock()

	claimed := 0
	var keep []*message.Handle
	for _, h := range all {
		if fn(h) {
			claimed++
		} else {
			keep = append(keep, h)
		}
	}

	q.mu.Lock()
	for _, h := range keep {
		q.strategy.Insert(h)
	}
	metrics.ScheduledQueueDepth.WithLabelValues(q.Name).Set(float64(q.strategy.Len()))
	q.mu.Unlock()
	return claimed
}
