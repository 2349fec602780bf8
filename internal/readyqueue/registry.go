package readyqueue

import (
	"context"
	"sync"
	"time"

	"github.com/kumocorp/engine/internal/dnsresolver"
	"github.com/kumocorp/engine/internal/egress"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/shaping"
	"github.com/kumocorp/engine/internal/throttle"
)

// Factory builds the per-queue collaborators (shaping path, MX set,
// egress source) a Registry needs to lazily create a Queue on first
// reference.
type Factory struct {
	Dialer       Dialer
	Requeue      Requeue
	Bouncer      Bouncer
	Leases       throttle.LeaseManager
	ConnRate     throttle.GCRA
	MsgRate      throttle.GCRA
	ShapingCfg   *shaping.Config
	Resolver     *dnsresolver.Resolver
	Sources      func(name string) (*egress.Source, error)
	Logger       *logging.Logger
	ReapInterval time.Duration // default 5 minutes per spec.md §4.6
}

// Registry lazily creates and idle-reaps Ready Queues keyed by Key.
type Registry struct {
	mu      sync.Mutex
	queues  map[Key]*Queue
	factory Factory

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry constructs a Registry from factory. Its background
// idle-reaper starts only when Run is called.
func NewRegistry(factory Factory) *Registry {
	if factory.ReapInterval <= 0 {
		factory.ReapInterval = 5 * time.Minute
	}
	return &Registry{queues: make(map[Key]*Queue), factory: factory}
}

// QueueFor resolves (creating if necessary) the Ready Queue for key,
// resolving its shaping path and MX set via the Factory's callbacks.
func (r *Registry) QueueFor(key Key) (*Queue, error) {
	r.mu.Lock()
	if q, ok := r.queues[key]; ok {
		r.mu.Unlock()
		return q, nil
	}
	r.mu.Unlock()

	path, err := r.factory.ShapingCfg.Resolve(key.Site, key.Source)
	if err != nil {
		return nil, err
	}
	mx, err := r.factory.Resolver.ResolveMX(context.Background(), key.Site)
	if err != nil {
		return nil, err
	}
	source, err := r.factory.Sources(key.Source)
	if err != nil {
		return nil, err
	}

	q := NewQueue(key, path, mx, source, r.factory.Leases, r.factory.ConnRate, r.factory.MsgRate,
		r.factory.Dialer, r.factory.Requeue, r.factory.Bouncer, r.factory.Logger)

	r.mu.Lock()
	if existing, ok := r.queues[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.queues[key] = q
	r.mu.Unlock()
	return q, nil
}

// Run starts the background idle-reap loop.
func (r *Registry) Run(ctx context.Context) {
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.factory.ReapInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case now := <-ticker.C:
				r.reap(now)
			}
		}
	}()
}

func (r *Registry) reap(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, q := range r.queues {
		if q.ReapIfIdle(now, r.factory.ReapInterval) {
			delete(r.queues, key)
		}
	}
}

// Stop halts the idle-reap loop.
func (r *Registry) Stop() {
	if r.stop != nil {
		close(r.stop)
		r.wg.Wait()
	}
}

// Len reports how many Ready Queues are currently live, for admin status.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}
