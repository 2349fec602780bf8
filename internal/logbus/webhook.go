package logbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kumocorp/engine/internal/logging"
)

// WebhookConfig configures a WebhookConsumer.
type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	QueueDepth int // bounded channel capacity between Consume and the POST worker
}

// WebhookConsumer posts each accepted Record as JSON to a configured URL,
// per spec.md §4.9's optional network consumers. Consume itself never
// blocks on the network: records are handed to a bounded channel drained
// by a single background worker, matching the teacher's
// queue-then-worker-goroutine delivery shape (internal/smtp/delivery.go
// Engine.worker) generalized from SMTP delivery to an HTTP POST.
type WebhookConsumer struct {
	cfg    WebhookConfig
	client *http.Client
	logger *logging.Logger

	queue chan Record
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewWebhookConsumer starts the background POST worker.
func NewWebhookConsumer(cfg WebhookConfig, logger *logging.Logger) *WebhookConsumer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	w := &WebhookConsumer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithFields("component", "logbus", "consumer", "webhook"),
		queue:  make(chan Record, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *WebhookConsumer) Name() string { return "webhook" }

func (w *WebhookConsumer) Accept(Record) bool { return true }

// Consume enqueues rec for the background worker. If the queue is full
// the record is dropped and logged rather than blocking the delivery
// hot path, matching the Broadcaster drop-tolerance already established
// for internal/smtpclient's trace bus.
func (w *WebhookConsumer) Consume(ctx context.Context, rec Record) error {
	select {
	case w.queue <- rec:
		return nil
	default:
		return fmt.Errorf("logbus: webhook queue full, dropping record for message %s", rec.MessageID)
	}
}

func (w *WebhookConsumer) run() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.queue:
			w.post(rec)
		case <-w.done:
			return
		}
	}
}

func (w *WebhookConsumer) post(rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		w.logger.Error("marshal webhook record", "error", err.Error())
		return
	}
	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		w.logger.Error("build webhook request", "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook post failed", "error", err.Error(), "message_id", rec.MessageID)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook post rejected", "status", resp.StatusCode, "message_id", rec.MessageID)
	}
}

// Close stops the background worker. Queued-but-undelivered records are
// dropped; callers that need at-least-once delivery should route
// through the reserved `webhook` Scheduled Queue instead (spec.md §4.9).
func (w *WebhookConsumer) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
