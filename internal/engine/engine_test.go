package engine

import (
	"context"
	"testing"
	"time"

	"github.com/kumocorp/engine/internal/config"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/queuename"
	"github.com/kumocorp/engine/internal/scheduledqueue"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.NodeID = "test-node"
	cfg.Spool.DataDir = t.TempDir()
	cfg.Cluster.RedisURL = ""
	cfg.MTASTS.Enabled = false
	cfg.Shaping.Paths = nil
	cfg.Shaping.HotReload = false
	cfg.LogBus.FileDir = ""
	cfg.Admin.Enabled = false
	cfg.Metrics.Enabled = false
	return cfg
}

func testDeps() Deps {
	return Deps{
		QueueConfig: func(string) (scheduledqueue.QueueConfig, error) {
			return scheduledqueue.QueueConfig{RetryInterval: time.Minute, MaxRetryInterval: time.Hour, MaxAge: 3 * 24 * time.Hour}, nil
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t), testDeps(), logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewWiresBothProtocolRegistries(t *testing.T) {
	e := newTestEngine(t)
	if _, ok := e.ready["smtp"]; !ok {
		t.Fatal("expected an smtp ready queue registry")
	}
	if _, ok := e.ready["lmtp"]; !ok {
		t.Fatal("expected an lmtp ready queue registry")
	}
}

func TestEnqueueStoresAndSchedules(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	id := message.NewID(time.Now())
	attrs := queuename.Attributes{Domain: "example.com", Protocol: "smtp"}

	h, err := e.Enqueue(ctx, id, "sender@example.org", []string{"rcpt@example.com"}, []byte("hello"), attrs, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.ID() != id {
		t.Fatalf("handle id = %q, want %q", h.ID(), id)
	}

	data, err := e.spool.LoadData(ctx, id)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("spooled data = %q, want %q", data, "hello")
	}

	name := queuename.Derive(attrs)
	q, ok := e.scheduled.QueueByName(name)
	if !ok {
		t.Fatalf("expected queue %q to exist after Enqueue", name)
	}
	if q == nil {
		t.Fatal("QueueByName returned nil queue")
	}
}

func TestLivenessProbeReflectsSpoolFull(t *testing.T) {
	e := newTestEngine(t)
	if got := e.LivenessProbe(); got != LivenessOK {
		t.Fatalf("LivenessProbe = %v, want %v", got, LivenessOK)
	}
	e.SetSpoolFull(true)
	if got := e.LivenessProbe(); got != LivenessOverloaded {
		t.Fatalf("LivenessProbe = %v, want %v", got, LivenessOverloaded)
	}
	e.SetSpoolFull(false)
	if got := e.LivenessProbe(); got != LivenessOK {
		t.Fatalf("LivenessProbe = %v, want %v", got, LivenessOK)
	}
}

func TestRebuildFromSpoolReinsertsExistingEntries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	attrs := queuename.Attributes{Domain: "example.com", Protocol: "smtp"}

	id := message.NewID(time.Now())
	if _, err := e.Enqueue(ctx, id, "sender@example.org", []string{"rcpt@example.com"}, []byte("hello"), attrs, time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulate a cold restart: a fresh Manager with no in-memory queues,
	// backed by the same already-populated spool.
	fresh, err := New(testConfig(t), testDeps(), logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fresh.spool = e.spool

	n, err := fresh.RebuildFromSpool(ctx)
	if err != nil {
		t.Fatalf("RebuildFromSpool: %v", err)
	}
	if n != 1 {
		t.Fatalf("rebuilt %d entries, want 1", n)
	}

	name := queuename.Derive(attrs)
	if _, ok := fresh.scheduled.QueueByName(name); !ok {
		t.Fatalf("expected queue %q to exist after rebuild", name)
	}
}

func TestStartStopIsIdempotentAndDrains(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.Start(ctx)
	e.Start(ctx) // second call must be a no-op, not a double-start

	if err := e.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(2 * time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
