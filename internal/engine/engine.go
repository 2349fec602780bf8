// Package engine wires the durable spool, Scheduled Queue manager, Ready
// Queue registries, policy callbacks, and log event bus into the single
// process that accepts, schedules, and delivers outbound mail (spec.md
// §4, §5, §6).
//
// Grounded on the teacher's internal/smtp/delivery.Engine: the same
// ctx/cancel/WaitGroup shape, the same Start/Stop lifecycle, and the
// same "one goroutine loop per subsystem, tracked by one WaitGroup"
// discipline, generalized from a single flat worker pool plus one Redis
// queue into the dual-tier Scheduled/Ready queue architecture.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kumocorp/engine/internal/admincontrol"
	"github.com/kumocorp/engine/internal/config"
	"github.com/kumocorp/engine/internal/dnsresolver"
	"github.com/kumocorp/engine/internal/egress"
	"github.com/kumocorp/engine/internal/logbus"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/maildirtarget"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/metrics"
	"github.com/kumocorp/engine/internal/policy"
	"github.com/kumocorp/engine/internal/queuename"
	"github.com/kumocorp/engine/internal/readyqueue"
	"github.com/kumocorp/engine/internal/scheduledqueue"
	"github.com/kumocorp/engine/internal/shaping"
	"github.com/kumocorp/engine/internal/sitename"
	"github.com/kumocorp/engine/internal/smtpclient"
	"github.com/kumocorp/engine/internal/spool"
	"github.com/kumocorp/engine/internal/throttle"
)

// PromoteTickInterval is how often the Scheduled Queue manager sweeps
// for due messages, per spec.md §4.5's maintainer timer.
const PromoteTickInterval = 1 * time.Second

// Deps are the policy-provided callbacks and collaborators an Engine
// needs but cannot construct itself; New wraps the config-driven pieces
// and leaves these to the caller (cmd/kumo-engine), mirroring the
// teacher's NewEngine(cfg, queue, dkim, logger) split between
// process-owned infrastructure and caller-supplied policy.
type Deps struct {
	QueueConfig   scheduledqueue.ConfigResolver
	EgressSource  egress.SourceResolver
	EgressPool    egress.PoolResolver
	ListenerInfo  policy.ListenerDomainFunc
	LogFilter     policy.LogFilterFunc
	MTASTSFetch   smtpclient.PolicyFetcher
}

// Engine is the outbound delivery process: one Scheduled Queue manager
// feeding two protocol-specific Ready Queue registries (SMTP, LMTP),
// backed by a durable spool and a fanned-out log event bus.
type Engine struct {
	cfg    *config.Config
	logger *logging.Logger

	spool     *spool.Spool
	scheduled *scheduledqueue.Manager
	ready     map[smtpclient.Protocol]*readyqueue.Registry
	egress    *egress.Registry
	shaping   *shaping.Config
	resolver  *dnsresolver.Resolver
	bus       *logbus.Bus
	admin     *admincontrol.Controller
	bouncer   *terminalLogger
	dkim      *policy.DKIMSignerPool

	connRate throttle.GCRA
	msgRate  throttle.GCRA
	leases   throttle.LeaseManager

	webhookClient *http.Client
	maildir       *maildirtarget.Target

	adminAPI      *AdminAPI
	metricsServer *MetricsServer

	redisClient *redis.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New constructs an Engine from cfg, opening the spool and DNS resolver
// and wiring every internal collaborator. It does not start any
// background goroutine; call Start for that.
func New(cfg *config.Config, deps Deps, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Default()
	}
	sp, err := spool.New(cfg.Spool.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: opening spool: %w", err)
	}

	dnsCfg := dnsresolver.DefaultConfig()
	if cfg.DNS.Nameserver != "" {
		dnsCfg.Nameserver = cfg.DNS.Nameserver
	}
	if cfg.DNS.MaxConcurrentResolves > 0 {
		dnsCfg.MaxConcurrentResolves = cfg.DNS.MaxConcurrentResolves
	}
	if d, perr := policy.ParseDuration("dns.negative_ttl", orDefault(cfg.DNS.NegativeTTL, "5m")); perr == nil {
		dnsCfg.NegativeTTL = d
	}
	if d, perr := policy.ParseDuration("dns.resolution_time_budget", orDefault(cfg.DNS.ResolutionTimeBudget, "5s")); perr == nil {
		dnsCfg.ResolutionTimeBudget = d
	}
	resolver, err := dnsresolver.New(dnsCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: constructing resolver: %w", err)
	}

	shapingTTL, err := policy.ParseDuration("shaping.callback_ttl", orDefault(cfg.Shaping.CallbackTTL, "60s"))
	if err != nil {
		return nil, err
	}
	shapingCfg, err := shaping.New(cfg.Shaping.Paths, cfg.Shaping.HotReload, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: loading shaping documents: %w", err)
	}

	backoff := policy.NewBackoff(time.Second, time.Minute)
	sourceResolver := deps.EgressSource
	if sourceResolver == nil {
		sourceResolver = func(name string) (*egress.Source, error) {
			return nil, fmt.Errorf("engine: no egress source resolver configured for %q", name)
		}
	}
	egressReg := egress.NewRegistry(
		policy.MemoizeEgressSource(sourceResolver, shapingTTL, backoff),
		deps.EgressPool,
		shapingTTL,
	)

	var connRate, msgRate throttle.GCRA
	var leases throttle.LeaseManager
	var redisClient *redis.Client
	if cfg.Cluster.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.Cluster.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("engine: parsing cluster.redis_url: %w", perr)
		}
		redisClient = redis.NewClient(opts)
		connRate = throttle.NewRedisGCRA(redisClient, cfg.Cluster.Prefix)
		msgRate = throttle.NewRedisGCRA(redisClient, cfg.Cluster.Prefix)
		leases = throttle.NewRedisLeaseManager(redisClient, cfg.Cluster.Prefix, 2*time.Minute)
	} else {
		connRate = throttle.NewLocalGCRA()
		msgRate = throttle.NewLocalGCRA()
		leases = throttle.NewLocalLeaseManager()
	}

	bus := logbus.New(logger)

	queueCfgResolver := deps.QueueConfig
	if queueCfgResolver == nil {
		queueCfgResolver = func(string) (scheduledqueue.QueueConfig, error) {
			return scheduledqueue.QueueConfig{RetryInterval: time.Minute, MaxRetryInterval: time.Hour, MaxAge: 3 * 24 * time.Hour}, nil
		}
	}
	memoizedQueueCfg := policy.MemoizeQueueConfig(queueCfgResolver, shapingTTL, backoff)
	scheduled := scheduledqueue.NewManager(scheduledqueue.StrategySkipList, memoizedQueueCfg, logger)

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		spool:       sp,
		scheduled:   scheduled,
		ready:       make(map[smtpclient.Protocol]*readyqueue.Registry),
		egress:      egressReg,
		shaping:     shapingCfg,
		resolver:    resolver,
		bus:         bus,
		connRate:    connRate,
		msgRate:     msgRate,
		leases:      leases,
		redisClient:   redisClient,
		dkim:          policy.NewDKIMSignerPool(),
		webhookClient: &http.Client{Timeout: 15 * time.Second},
	}

	if cfg.Maildir.Enabled {
		dirMode, err := maildirtarget.ParseMode(cfg.Maildir.DirMode, 0o750)
		if err != nil {
			return nil, err
		}
		fileMode, err := maildirtarget.ParseMode(cfg.Maildir.FileMode, 0o640)
		if err != nil {
			return nil, err
		}
		target, err := maildirtarget.New(maildirtarget.Config{
			PathTemplate: cfg.Maildir.PathTemplate,
			DirMode:      dirMode,
			FileMode:     fileMode,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("engine: constructing maildir target: %w", err)
		}
		e.maildir = target
	}

	bouncer := &terminalLogger{engine: e}
	e.bouncer = bouncer
	e.admin = admincontrol.New(scheduled, bouncer, bus, cfg.Node.NodeID, logger)

	if err := wireLogBus(e, cfg.LogBus, deps.LogFilter, logger); err != nil {
		return nil, err
	}

	brokenTLS := smtpclient.NewBrokenTLSCache(30 * time.Minute)
	var mtaSTS *smtpclient.MTASTSCache
	if cfg.MTASTS.Enabled {
		mtaSTS = smtpclient.NewMTASTSCache(deps.MTASTSFetch, 5*time.Minute)
	}

	for _, proto := range []smtpclient.Protocol{smtpclient.ProtocolSMTP, smtpclient.ProtocolLMTP} {
		dialer := smtpclient.NewDialer(smtpclient.DefaultConfig(), proto, resolver, mtaSTS, brokenTLS, smtpclient.NopTracer{}, logger)
		e.ready[proto] = readyqueue.NewRegistry(readyqueue.Factory{
			Dialer:     dialer,
			Requeue:    &requeuer{engine: e},
			Bouncer:    bouncer,
			Leases:     leases,
			ConnRate:   connRate,
			MsgRate:    msgRate,
			ShapingCfg: shapingCfg,
			Resolver:   resolver,
			Sources:    egressReg.Source,
			Logger:     logger,
		})
	}

	return e, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Start launches the Scheduled Queue promotion timer and every Ready
// Queue registry's idle reaper, in that order — promotion must be live
// before any Ready Queue can usefully receive messages.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	promoter := &promoter{engine: e}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduled.Run(e.ctx, PromoteTickInterval, promoter, e.bouncer)
	}()

	for proto, reg := range e.ready {
		reg := reg
		proto := proto
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.logger.InfoContext(e.ctx, "ready queue registry started", "protocol", string(proto))
			reg.Run(e.ctx)
		}()
	}

	if e.cfg.Admin.Enabled {
		e.adminAPI = NewAdminAPI(e)
		e.adminAPI.Start(e.cfg.Admin.Listen)
	}
	if e.cfg.Metrics.Enabled {
		e.metricsServer = NewMetricsServer()
		e.metricsServer.Start(e.cfg.Metrics.Listen, func(err error) {
			e.logger.ErrorContext(e.ctx, "metrics server failed", err)
		})
	}
}

// Stop performs the soft-drain shutdown sequence (spec.md §5): it stops
// admitting new promotions by cancelling the context, then waits up to
// timeout for in-flight dispatchers and the promotion loop to finish,
// mirroring the teacher's cleanup()'s reverse-order, timeout-bounded
// shutdown in cmd/mailserver/main.go.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.scheduled.Stop()
	for _, reg := range e.ready {
		reg.Stop()
	}
	if e.adminAPI != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.adminAPI.Stop(shutdownCtx)
		cancel()
	}
	if e.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.metricsServer.Stop(shutdownCtx)
		cancel()
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("engine shutdown timed out waiting for in-flight work", "timeout", timeout)
	}

	if e.redisClient != nil {
		_ = e.redisClient.Close()
	}
	return e.bus.Close()
}

// Enqueue accepts a freshly-received message into the spool and its
// Scheduled Queue, per spec.md §4.1/§4.4. data is the full RFC 5322
// message; attrs identifies the destination queue.
func (e *Engine) Enqueue(ctx context.Context, id message.ID, sender string, recipients []string, data []byte, attrs queuename.Attributes, dueAt, expiresAt time.Time) (*message.Handle, error) {
	if err := e.spool.StoreData(ctx, id, data); err != nil {
		return nil, fmt.Errorf("engine: storing message data: %w", err)
	}
	meta := message.Meta{
		EnvelopeSender:     sender,
		EnvelopeRecipients: recipients,
		DueAt:              dueAt,
		ExpiresAt:          expiresAt,
		QueueName:          queuename.Derive(attrs),
		CreatedAt:          dueAt,
	}
	if err := e.spool.StoreMeta(ctx, id, meta); err != nil {
		return nil, fmt.Errorf("engine: storing message metadata: %w", err)
	}
	h := message.New(id, meta, e.spool, e.spool)
	e.scheduled.QueueFor(attrs).Insert(h)
	metrics.MessagesReceived.Inc()
	e.bus.Publish(ctx, logbus.Record{
		Kind:      logbus.KindReception,
		MessageID: string(id),
		Sender:    sender,
		Timestamp: time.Now(),
		NodeID:    e.cfg.Node.NodeID,
	})
	return h, nil
}

// LivenessState is the result of a liveness_probe call (spec.md §6).
type LivenessState string

const (
	LivenessOK         LivenessState = "ok"
	LivenessOverloaded LivenessState = "overloaded"
)

// LivenessProbe reports whether the engine should keep accepting new
// mail: overloaded once the spool has been marked full by a soft/hard
// memory-limit breach.
func (e *Engine) LivenessProbe() LivenessState {
	if e.spool.IsFull() {
		return LivenessOverloaded
	}
	return LivenessOK
}

// SetSpoolFull toggles whether the spool refuses new StoreData calls,
// invoked by the caller's memory-limit monitor (spec.md §4.1).
func (e *Engine) SetSpoolFull(full bool) {
	e.spool.SetFull(full)
	metrics.SetMemoryLimitState(full)
}

// Admin returns the operator control surface for bounce/suspend/resume/
// rebind/xfer (spec.md §4.10).
func (e *Engine) Admin() *admincontrol.Controller { return e.admin }

// Scheduled exposes the Scheduled Queue manager, for enumeration tools.
func (e *Engine) Scheduled() *scheduledqueue.Manager { return e.scheduled }

// Spool exposes the durable spool, for the enumerate-spool CLI.
func (e *Engine) Spool() *spool.Spool { return e.spool }

// Bus exposes the log event bus so callers can register additional
// consumers before Start.
func (e *Engine) Bus() *logbus.Bus { return e.bus }

// DKIM exposes the signer pool so callers can register signing keys.
func (e *Engine) DKIM() *policy.DKIMSignerPool { return e.dkim }

// RebuildFromSpool re-inserts every message left in the spool from a
// prior run into its Scheduled Queue, satisfying spec.md §8's "no
// silent loss": in-memory queue state is rebuilt, never assumed, at
// startup. Call this once, before Start.
//
// The Scheduled Queue identity a message belongs to is queuename.Parse's
// best-effort recovery of Attributes from the stored QueueName string,
// not the original Attributes that produced it — queuename.Derive has
// no true inverse (a lone Campaign-or-Tenant prefix token is
// irrecoverably ambiguous, and a RoutingDomain equal to Domain was
// never rendered at all). This only affects admin suspend/resume
// patterns matching on Campaign/Tenant immediately after a cold
// restart; delivery itself is unaffected, since Promote consults only
// the resolved QueueConfig's Protocol, never Attributes.
func (e *Engine) RebuildFromSpool(ctx context.Context) (int, error) {
	n := 0
	err := e.spool.Enumerate(ctx, func(entry spool.Entry) error {
		attrs := queuename.Parse(entry.Meta.QueueName)
		e.scheduled.QueueFor(attrs).Insert(message.New(entry.ID, entry.Meta, e.spool, e.spool))
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("engine: rebuilding scheduled queues from spool: %w", err)
	}
	return n, nil
}

// siteFor derives a Ready Queue site name from a recipient domain's MX
// set, per spec.md §4.6 (internal/sitename groups alternation MX hosts
// under one site so failover doesn't fragment a destination's egress
// state across N Ready Queues).
func (e *Engine) siteFor(ctx context.Context, domain string) (*dnsresolver.MXResult, string, error) {
	mx, err := e.resolver.ResolveMX(ctx, domain)
	if err != nil {
		return nil, "", err
	}
	return mx, sitename.Derive(mx.ByPref), nil
}

// dsnAttrs derives the Scheduled Queue identity a bounce notification
// addressed to recipient should file under.
func (e *Engine) dsnAttrs(recipient string) queuename.Attributes {
	return queuename.Attributes{Domain: domainOf(recipient), Protocol: "smtp"}
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[i+1:]
}
