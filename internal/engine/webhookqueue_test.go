package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kumocorp/engine/internal/logbus"
	"github.com/kumocorp/engine/internal/retry"
)

func TestWebhookLogConsumerSpoolsBeforeReturning(t *testing.T) {
	e := newTestEngine(t)
	wc := newWebhookLogConsumer(e, "test-sink", "http://example.invalid/hook", nil)

	rec := logbus.Record{Kind: logbus.KindReception, MessageID: "orig-1", Timestamp: time.Now()}
	if err := wc.Consume(context.Background(), rec); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if _, ok := e.scheduled.QueueByName(WebhookQueueName); !ok {
		t.Fatal("expected the reserved webhook queue to exist after Consume")
	}
}

func TestWebhookLogConsumerNameAndAccept(t *testing.T) {
	e := newTestEngine(t)
	accept := func(r logbus.Record) bool { return r.Kind == logbus.KindBounce }
	wc := newWebhookLogConsumer(e, "only-bounces", "http://example.invalid/hook", accept)

	if wc.Name() != "webhook:only-bounces" {
		t.Fatalf("Name = %q, want %q", wc.Name(), "webhook:only-bounces")
	}
	if wc.Accept(logbus.Record{Kind: logbus.KindDelivery}) {
		t.Fatal("expected delivery records to be rejected by the bounces-only predicate")
	}
	if !wc.Accept(logbus.Record{Kind: logbus.KindBounce}) {
		t.Fatal("expected bounce records to be accepted")
	}
}

func TestDeliverWebhookClassifiesByStatus(t *testing.T) {
	e := newTestEngine(t)

	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer okSrv.Close()
	h := webhookHandle(t, e, "dw1", okSrv.URL)
	result, _ := e.deliverWebhook(context.Background(), h)
	if result != retry.Ok {
		t.Fatalf("result = %v, want Ok", result)
	}

	rejectSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer rejectSrv.Close()
	h2 := webhookHandle(t, e, "dw2", rejectSrv.URL)
	result, _ = e.deliverWebhook(context.Background(), h2)
	if result != retry.TransientFailure {
		t.Fatalf("result = %v, want TransientFailure", result)
	}

	h3 := webhookHandle(t, e, "dw3", "")
	result, resp := e.deliverWebhook(context.Background(), h3)
	if result != retry.PermanentFailure {
		t.Fatalf("result = %v, want PermanentFailure", result)
	}
	if resp.Classification != "NoSink" {
		t.Fatalf("classification = %q, want %q", resp.Classification, "NoSink")
	}
}
