package scheduledqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/queuename"
)

// StrategyKind selects which Strategy implementation new queues use.
type StrategyKind int

const (
	StrategySingletonTimerWheel StrategyKind = iota
	StrategyTimerWheel
	StrategySkipList
)

type entry struct {
	queue *Queue
	attrs queuename.Attributes
}

// Manager owns every Scheduled Queue in the process, keyed by queue
// name, and drives their ticks.
type Manager struct {
	mu      sync.RWMutex
	queues  map[string]*entry
	kind    StrategyKind
	wheel   *SingletonTimerWheelStrategy // shared only when kind == StrategySingletonTimerWheel
	resolve ConfigResolver
	logger  *logging.Logger

	tickStop chan struct{}
	tickWg   sync.WaitGroup
}

// NewManager constructs a Manager using the given default strategy kind
// for newly-created queues.
func NewManager(kind StrategyKind, resolve ConfigResolver, logger *logging.Logger) *Manager {
	m := &Manager{
		queues:  make(map[string]*entry),
		kind:    kind,
		resolve: resolve,
		logger:  logger.WithFields("component", "scheduler"),
	}
	if kind == StrategySingletonTimerWheel {
		m.wheel = NewSingletonTimerWheelStrategy(time.Second)
	}
	return m
}

func (m *Manager) newStrategy() Strategy {
	switch m.kind {
	case StrategyTimerWheel:
		return NewTimerWheelStrategy(time.Second)
	case StrategySkipList:
		return NewSkipListStrategy()
	default:
		return m.wheel
	}
}

// QueueFor returns the Queue for attrs, creating it (and deriving its
// canonical name) on first reference.
func (m *Manager) QueueFor(attrs queuename.Attributes) *Queue {
	name := queuename.Derive(attrs)

	m.mu.RLock()
	e, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return e.queue
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.queues[name]; ok {
		return e.queue
	}
	q := NewQueue(name, m.newStrategy(), m.resolve, m.logger)
	m.queues[name] = &entry{queue: q, attrs: attrs}
	return q
}

// QueueByName returns the Queue already registered under name, if any.
// Used by callers (e.g. a Ready Queue's Requeue) that only have a
// message's QueueName() in hand and not its originating Attributes —
// internal/queuename's grammar cannot always be inverted back into
// Attributes, but every such message necessarily came from a Queue this
// Manager already created.
func (m *Manager) QueueByName(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.queues[name]
	if !ok {
		return nil, false
	}
	return e.queue, true
}

// Rebind moves a message's owning queue when its metadata changes its
// derived queue name (spec.md §4.4): the caller removes the message
// from oldAttrs' queue and calls QueueFor(newAttrs).Insert on the same
// handle.
func (m *Manager) Rebind(oldAttrs, newAttrs queuename.Attributes, idRemover func(q *Queue) bool) (*Queue, bool) {
	oldQueue := m.QueueFor(oldAttrs)
	removed := idRemover(oldQueue)
	newQueue := m.QueueFor(newAttrs)
	return newQueue, removed
}

// SuspendPattern selects which queues a suspend/bounce operation
// targets, per spec.md §4.5: by domain/tenant/campaign, or by exact
// queue name.
type SuspendPattern struct {
	Domain        string
	Tenant        string
	Campaign      string
	ExactName     string
}

func (p SuspendPattern) matches(name string, attrs queuename.Attributes) bool {
	if p.ExactName != "" {
		return name == p.ExactName
	}
	if p.Domain != "" && attrs.Domain != p.Domain {
		return false
	}
	if p.Tenant != "" && attrs.Tenant != p.Tenant {
		return false
	}
	if p.Campaign != "" && attrs.Campaign != p.Campaign {
		return false
	}
	return p.Domain != "" || p.Tenant != "" || p.Campaign != ""
}

// Suspend suspends every queue matching pattern until until, returning
// how many queues were affected.
func (m *Manager) Suspend(pattern SuspendPattern, until time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for name, e := range m.queues {
		if pattern.matches(name, e.attrs) {
			e.queue.Suspend(until)
			n++
		}
	}
	return n
}

// Resume cancels suspension on every queue matching pattern.
func (m *Manager) Resume(pattern SuspendPattern) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for name, e := range m.queues {
		if pattern.matches(name, e.attrs) {
			e.queue.Resume()
			n++
		}
	}
	return n
}

// AdminBounce drains every queue matching pattern, logging reason for
// each removed message via bouncer.
func (m *Manager) AdminBounce(ctx context.Context, pattern SuspendPattern, reason string, bouncer BounceLogger) (int, error) {
	m.mu.RLock()
	var matched []*Queue
	for name, e := range m.queues {
		if pattern.matches(name, e.attrs) {
			matched = append(matched, e.queue)
		}
	}
	m.mu.RUnlock()

	total := 0
	for _, q := range matched {
		n, err := q.AdminBounce(ctx, reason, bouncer)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Drain removes every currently-queued message from every queue matching
// pattern, offering each to fn along with the owning queue's derivation
// attributes. Used by internal/admincontrol's rebind and xfer operations,
// which need to know each message's originating queue identity to decide
// its new home.
func (m *Manager) Drain(pattern SuspendPattern, fn func(h *message.Handle, attrs queuename.Attributes) bool) int {
	m.mu.RLock()
	type match struct {
		queue *Queue
		attrs queuename.Attributes
	}
	var matched []match
	for name, e := range m.queues {
		if pattern.matches(name, e.attrs) {
			matched = append(matched, match{queue: e.queue, attrs: e.attrs})
		}
	}
	m.mu.RUnlock()

	total := 0
	for _, mm := range matched {
		attrs := mm.attrs
		total += mm.queue.Drain(func(h *message.Handle) bool {
			return fn(h, attrs)
		})
	}
	return total
}

// Names returns every currently-registered queue name, for admin/status
// inspection.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// QueueNamesMatchingSuffix returns queue names containing substr, a
// convenience helper for operator tooling built on top of the exact
// queue-name grammar (spec.md §4.4).
func (m *Manager) QueueNamesMatchingSuffix(substr string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name := range m.queues {
		if strings.Contains(name, substr) {
			out = append(out, name)
		}
	}
	return out
}

// Run starts a background tick loop calling Tick on every registered
// queue at interval, until Stop is called.
func (m *Manager) Run(ctx context.Context, interval time.Duration, promoter Promoter, bouncer BounceLogger) {
	m.tickStop = make(chan struct{})
	m.tickWg.Add(1)
	go func() {
		defer m.tickWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.tickStop:
				return
			case now := <-ticker.C:
				m.tickAll(ctx, now, promoter, bouncer)
			}
		}
	}()
}

func (m *Manager) tickAll(ctx context.Context, now time.Time, promoter Promoter, bouncer BounceLogger) {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, e := range m.queues {
		queues = append(queues, e.queue)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		q.Tick(ctx, now, promoter, bouncer)
	}
}

// Stop halts the tick loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickWg.Wait()
	}
}
