// Package readyqueue implements spec.md §4.6: the per-(source, site,
// protocol) Ready Queue and its egress-path dispatcher — a bounded FIFO
// of immediately-dispatchable messages, gated by connection/rate limits
// from internal/throttle, with host selection over a resolved MX set.
//
// Grounded on the teacher's internal/smtp/delivery.go Engine/worker pool
// shape (bounded concurrency, per-connection loop, WaitGroup-tracked
// workers) generalized from a single flat worker pool into one
// dispatcher per (source, site) tuple.
package readyqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/kumocorp/engine/internal/dnsresolver"
	"github.com/kumocorp/engine/internal/egress"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/metrics"
	"github.com/kumocorp/engine/internal/retry"
	"github.com/kumocorp/engine/internal/shaping"
	"github.com/kumocorp/engine/internal/throttle"
)

// ErrQueueFull is returned by Admit when max_ready is already reached.
var ErrQueueFull = errors.New("readyqueue: queue is at max_ready capacity")

// Session is an established SMTP/LMTP session capable of delivering one
// or more messages, supplied by internal/smtpclient.
type Session interface {
	// Deliver attempts to deliver h, returning the classified result, the
	// peer response detail, and an error only for states the caller
	// cannot classify (e.g. a bug). A non-nil error should be treated as
	// TransientFailure by callers.
	Deliver(ctx context.Context, h *message.Handle) (retry.Result, retry.Response, error)
	// Close ends the session cleanly (QUIT).
	Close(ctx context.Context) error
}

// Dialer opens a Session to one candidate host/address, honoring the
// resolved shaping path (TLS discipline, timeouts, pipelining, etc.).
type Dialer interface {
	Dial(ctx context.Context, host string, addr net.IP, source *egress.Source, path shaping.ResolvedPath) (Session, error)
}

// Requeue returns a message to its Scheduled Queue with an updated
// due_at, implemented by internal/scheduledqueue at wiring time.
type Requeue interface {
	Requeue(ctx context.Context, h *message.Handle, due time.Time) error
}

// Bouncer logs a terminal Bounce/Expiration/Delivery outcome and removes
// the message from spool, implemented by internal/logbus+internal/spool.
type Bouncer interface {
	Deliver(ctx context.Context, h *message.Handle, resp retry.Response) error
	Bounce(ctx context.Context, h *message.Handle, classification, reason string) error
}

// Key identifies a Ready Queue: (egress_source_name, site_name, protocol).
type Key struct {
	Source   string
	Site     string
	Protocol string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.Site, k.Protocol)
}

// Queue is one Ready Queue and its dispatcher state.
type Queue struct {
	key Key

	mu        sync.Mutex
	fifo      []*message.Handle
	lastBusy  time.Time

	path shaping.ResolvedPath
	mx   *dnsresolver.MXResult

	leases   throttle.LeaseManager
	connRate throttle.GCRA
	msgRate  throttle.GCRA

	egressSource *egress.Source
	dialer       Dialer
	requeue      Requeue
	bouncer      Bouncer
	logger       *logging.Logger
	schedule     retry.Schedule

	deliveredOnConn map[string]int // keyed by a synthetic connection token, reset per dial
}

// SetSchedule overrides the retry schedule used to compute due_at for
// transiently-failed messages; callers wire this from the owning
// Scheduled Queue's resolved QueueConfig.
func (q *Queue) SetSchedule(s retry.Schedule) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.schedule = s
}

// NewQueue constructs a Ready Queue. path and mx are snapshotted at
// construction; callers refresh them via SetPath/SetMX as shaping/DNS
// state changes.
func NewQueue(key Key, path shaping.ResolvedPath, mx *dnsresolver.MXResult, source *egress.Source,
	leases throttle.LeaseManager, connRate, msgRate throttle.GCRA, dialer Dialer, requeue Requeue, bouncer Bouncer, logger *logging.Logger) *Queue {
	return &Queue{
		key:          key,
		path:         path,
		mx:           mx,
		egressSource: source,
		leases:       leases,
		connRate:     connRate,
		msgRate:      msgRate,
		dialer:       dialer,
		requeue:      requeue,
		bouncer:      bouncer,
		logger:       logger.WithFields("component", "dispatch", "queue", key.String()),
		lastBusy:     time.Now(),
	}
}

// SetPath updates the shaping configuration in effect, e.g. after a
// hot-reload epoch bump.
func (q *Queue) SetPath(path shaping.ResolvedPath) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.path = path
}

// Admit appends h to the FIFO if under max_ready, applying the
// message-rate GCRA; returns ErrQueueFull or a throttle rejection on
// refusal, per spec.md §4.6 (caller re-inserts into the Scheduled Queue
// with a short delay on either).
func (q *Queue) Admit(ctx context.Context, h *message.Handle) error {
	q.mu.Lock()
	path := q.path
	full := len(q.fifo) >= path.MaxReady
	q.mu.Unlock()
	if full {
		return ErrQueueFull
	}

	if q.msgRate != nil {
		ok, wait, err := q.msgRate.Allow(ctx, "msg:"+q.key.String(), path.MaxMessageRate, 1)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: retry after %v", throttle.ErrThrottled, wait)
		}
	}

	q.mu.Lock()
	q.fifo = append(q.fifo, h)
	q.lastBusy = time.Now()
	q.mu.Unlock()
	metrics.ReadyQueueDepth.WithLabelValues(q.key.Source, q.key.Site).Set(float64(q.Len()))
	return nil
}

// Len reports the current FIFO depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

func (q *Queue) pop() (*message.Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return nil, false
	}
	h := q.fifo[0]
	q.fifo = q.fifo[1:]
	q.lastBusy = time.Now()
	return h, true
}

// IdleSince reports how long the queue has been empty, for the reaper.
func (q *Queue) IdleSince(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) > 0 {
		return 0
	}
	return now.Sub(q.lastBusy)
}

// filterSkipHosts applies the skip_hosts CIDR filter to a host's
// resolved addresses, per spec.md §4.6.
func filterSkipHosts(addrs []net.IP, skipHosts []string) []net.IP {
	if len(skipHosts) == 0 {
		return addrs
	}
	var nets []*net.IPNet
	for _, cidr := range skipHosts {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	var out []net.IP
	for _, ip := range addrs {
		skip := false
		for _, n := range nets {
			if n.Contains(ip) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, ip)
		}
	}
	return out
}

// candidateHosts orders mx.Hosts for one dispatch attempt: ascending
// preference level, randomized within a level (spec.md §4.6 host
// selection), filtered through skip_hosts.
func candidateHosts(mx *dnsresolver.MXResult, skipHosts []string) []dnsresolver.MXHost {
	byPref := make(map[uint16][]dnsresolver.MXHost)
	var prefs []uint16
	for _, h := range mx.Hosts {
		filtered := filterSkipHosts(h.Addresses, skipHosts)
		if len(filtered) == 0 {
			continue
		}
		h.Addresses = filtered
		if _, ok := byPref[h.Preference]; !ok {
			prefs = append(prefs, h.Preference)
		}
		byPref[h.Preference] = append(byPref[h.Preference], h)
	}
	sortUint16(prefs)

	var out []dnsresolver.MXHost
	for _, p := range prefs {
		group := byPref[p]
		rand.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		out = append(out, group...)
	}
	return out
}

func sortUint16(s []uint16) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// RunDispatcher runs one connection-lease-bound dispatcher loop:
// acquire a lease, select a host, dial, send up to
// max_deliveries_per_connection messages (max_message_rate is applied
// earlier, in Admit), release the lease. It returns as soon as the FIFO
// is empty, the delivery limit is reached, or the lease, connection
// rate or every dial attempt fails.
func (q *Queue) RunDispatcher(ctx context.Context) {
	q.mu.Lock()
	path := q.path
	mx := q.mx
	q.mu.Unlock()

	lease, err := q.leases.Acquire(ctx, "conn:"+q.key.String(), path.ConnectionLimit, 30*time.Second)
	if err != nil {
		return
	}
	defer lease.Release(ctx)

	if q.connRate != nil {
		ok, _, err := q.connRate.Allow(ctx, "connrate:"+q.key.String(), path.MaxConnectionRate, 1)
		if err != nil || !ok {
			return
		}
	}

	hosts := candidateHosts(mx, path.SkipHosts)
	var session Session
	var connectedHost string
	for _, host := range hosts {
		for _, addr := range host.Addresses {
			s, derr := q.dialer.Dial(ctx, host.Host, addr, q.egressSource, path)
			if derr != nil {
				metrics.RecordError("dispatch", "connect")
				continue
			}
			session = s
			connectedHost = host.Host
			break
		}
		if session != nil {
			break
		}
	}
	if session == nil {
		q.logger.Warn("no reachable host for dispatch", "site", q.key.Site)
		return
	}
	defer session.Close(ctx)
	metrics.RecordConnection(q.key.Source, q.key.Site)
	defer metrics.ReleaseConnection(q.key.Source, q.key.Site)

	delivered := 0
	for delivered < path.MaxDeliveriesPerConnection {
		h, ok := q.pop()
		if !ok {
			break
		}

		start := time.Now()
		result, resp, derr := session.Deliver(ctx, h)
		duration := time.Since(start).Seconds()

		switch result {
		case retry.Ok:
			metrics.RecordDelivery(q.key.Site, true, duration)
			if q.bouncer != nil {
				if err := q.bouncer.Deliver(ctx, h, resp); err != nil {
					q.logger.Error("delivery log/spool-remove failed", "error", err.Error())
				}
			}
			delivered++
		case retry.PermanentFailure:
			metrics.RecordBounce(resp.Classification)
			if q.bouncer != nil {
				if err := q.bouncer.Bounce(ctx, h, resp.Classification, resp.Content); err != nil {
					q.logger.Error("bounce log/spool-remove failed", "error", err.Error())
				}
			}
		case retry.Expired:
			metrics.MessagesExpired.Inc()
			if q.bouncer != nil {
				if err := q.bouncer.Bounce(ctx, h, "Expired", "expired during dispatch"); err != nil {
					q.logger.Error("expiration bounce failed", "error", err.Error())
				}
			}
		default: // TransientFailure, or an unclassified delivery error
			metrics.RecordDelivery(q.key.Site, false, duration)
			metrics.DeliveryRetries.WithLabelValues(q.key.String()).Inc()
			if derr != nil {
				q.logger.Warn("delivery error treated as transient", "error", derr.Error(), "host", connectedHost)
			}
			n, _ := h.IncrementAttempts(ctx)
			q.mu.Lock()
			sched := q.schedule
			q.mu.Unlock()
			due := sched.NextDueAt(time.Now(), n)
			if q.requeue != nil {
				if err := q.requeue.Requeue(ctx, h, due); err != nil {
					q.logger.Error("requeue failed", "error", err.Error())
				}
			}
			// A transient error on the session closes it cleanly and
			// stops sending further messages on this connection; any
			// remaining popped messages already went back to
			// scheduling above.
			return
		}
	}
}

// ReapIfIdle discards a queue's dispatcher resources once it has been
// empty for reapAfter, per spec.md §4.6 ("discarded and recreated
// lazily"); the caller (a registry) is responsible for dropping its
// reference after this returns true.
func (q *Queue) ReapIfIdle(now time.Time, reapAfter time.Duration) bool {
	return q.IdleSince(now) >= reapAfter
}
