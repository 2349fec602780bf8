package scheduledqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
)

type fakePromoter struct {
	mu      sync.Mutex
	admit   bool
	admitted []message.ID
}

func (p *fakePromoter) Promote(ctx context.Context, h *message.Handle, cfg QueueConfig) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.admit {
		p.admitted = append(p.admitted, h.ID())
	}
	return p.admit, nil
}

type recordingBouncer struct {
	mu      sync.Mutex
	reasons []string
	ids     []message.ID
}

func (b *recordingBouncer) Bounce(ctx context.Context, h *message.Handle, classification, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reasons = append(b.reasons, classification+":"+reason)
	b.ids = append(b.ids, h.ID())
	return nil
}

func staticResolver(cfg QueueConfig) ConfigResolver {
	return func(string) (QueueConfig, error) { return cfg, nil }
}

func TestQueueInsertAndLen(t *testing.T) {
	q := NewQueue("t@example.com@smtp", NewSkipListStrategy(),
		staticResolver(QueueConfig{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}),
		logging.Default())
	h := newHandle("m1", time.Now())
	q.Insert(h)
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueueSuspendAndResume(t *testing.T) {
	q := NewQueue("q", NewSkipListStrategy(), staticResolver(QueueConfig{}), logging.Default())
	now := time.Now()
	q.Suspend(now.Add(time.Hour))
	if !q.IsSuspended(now) {
		t.Error("expected queue to be suspended")
	}
	q.Resume()
	if q.IsSuspended(now) {
		t.Error("expected queue to no longer be suspended after Resume")
	}
}

func TestQueueSuspensionAutoExpires(t *testing.T) {
	q := NewQueue("q", NewSkipListStrategy(), staticResolver(QueueConfig{}), logging.Default())
	now := time.Now()
	q.Suspend(now.Add(-time.Second))
	if q.IsSuspended(now) {
		t.Error("expected expired suspension to auto-clear")
	}
}

func TestQueueConfigCachedUntilInvalidated(t *testing.T) {
	calls := 0
	resolver := func(string) (QueueConfig, error) {
		calls++
		return QueueConfig{RetryInterval: time.Minute}, nil
	}
	q := NewQueue("q", NewSkipListStrategy(), resolver, logging.Default())
	if _, err := q.Config(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Config(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected cached config resolution, got %d calls", calls)
	}
	q.InvalidateConfig()
	if _, err := q.Config(); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected re-resolution after invalidate, got %d calls", calls)
	}
}

func TestQueueTickPromotesDueMessage(t *testing.T) {
	q := NewQueue("q", NewSkipListStrategy(),
		staticResolver(QueueConfig{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}),
		logging.Default())
	now := time.Now()
	q.Insert(newHandle("due", now.Add(-time.Second)))
	q.Insert(newHandle("future", now.Add(time.Hour)))

	p := &fakePromoter{admit: true}
	q.Tick(context.Background(), now, p, nil)

	if len(p.admitted) != 1 || p.admitted[0] != "due" {
		t.Errorf("expected exactly 'due' promoted, got %v", p.admitted)
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 message (future) remaining, got %d", q.Len())
	}
}

func TestQueueTickReinsertsOnRefusal(t *testing.T) {
	q := NewQueue("q", NewSkipListStrategy(),
		staticResolver(QueueConfig{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}),
		logging.Default())
	now := time.Now()
	q.Insert(newHandle("due", now.Add(-time.Second)))

	p := &fakePromoter{admit: false}
	q.Tick(context.Background(), now, p, nil)

	if q.Len() != 1 {
		t.Errorf("expected message re-inserted after refusal, Len() = %d", q.Len())
	}
}

func TestQueueTickExpiresStaleMessage(t *testing.T) {
	q := NewQueue("q", NewSkipListStrategy(),
		staticResolver(QueueConfig{RetryInterval: time.Minute, MaxRetryInterval: time.Hour}),
		logging.Default())
	now := time.Now()
	h := message.New(message.ID("stale"), message.Meta{
		DueAt:     now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	}, nil, nil)
	q.Insert(h)

	bouncer := &recordingBouncer{}
	p := &fakePromoter{admit: true}
	q.Tick(context.Background(), now, p, bouncer)

	if len(bouncer.reasons) != 1 || bouncer.reasons[0] != "Expired:message expired before delivery" {
		t.Errorf("expected one Expired bounce, got %v", bouncer.reasons)
	}
	if len(p.admitted) != 0 {
		t.Error("expired message must not be promoted")
	}
}

func TestQueueAdminBounceDrainsAll(t *testing.T) {
	q := NewQueue("q", NewSkipListStrategy(), staticResolver(QueueConfig{}), logging.Default())
	now := time.Now()
	q.Insert(newHandle("a", now))
	q.Insert(newHandle("b", now.Add(time.Hour)))

	bouncer := &recordingBouncer{}
	n, err := q.AdminBounce(context.Background(), "operator request", bouncer)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 bounced, got %d", n)
	}
	if q.Len() != 0 {
		t.Errorf("expected queue empty after admin bounce, Len() = %d", q.Len())
	}
}
