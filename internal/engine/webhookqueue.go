package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kumocorp/engine/internal/logbus"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/queuename"
	"github.com/kumocorp/engine/internal/retry"
)

// webhookQueueAttrs is the reserved Scheduled Queue identity spec.md
// §4.9/§6 names `webhook`: a log consumer configured to route over the
// network is itself treated as a queued message, so it benefits from the
// engine's retry/backpressure model rather than a bespoke best-effort
// send. Named the same derived-not-literal way as
// internal/admincontrol's reserved xfer queue.
var webhookQueueAttrs = queuename.Attributes{Domain: "webhook", Protocol: "webhook"}

// WebhookQueueName is the reserved queue name webhookLogConsumer files
// records under.
var WebhookQueueName = queuename.Derive(webhookQueueAttrs)

const webhookSinkMetaKey = "webhook_sink_url"

// webhookLogConsumer adapts a logbus.Consumer into the reserved `webhook`
// Scheduled Queue: instead of sending over the network itself, it spools
// the record as a message and inserts it into webhookQueueAttrs' queue,
// returning only after that durable write completes — this is the
// "durable before Bus.Publish returns" guarantee spec.md §4.9 asks for,
// without internal/logbus depending upward on internal/scheduledqueue.
type webhookLogConsumer struct {
	engine *Engine
	name   string
	url    string
	accept logbus.PredicateFunc
}

func newWebhookLogConsumer(e *Engine, name, url string, accept logbus.PredicateFunc) *webhookLogConsumer {
	return &webhookLogConsumer{engine: e, name: name, url: url, accept: accept}
}

func (w *webhookLogConsumer) Name() string { return "webhook:" + w.name }

func (w *webhookLogConsumer) Accept(rec logbus.Record) bool {
	return w.accept == nil || w.accept(rec)
}

func (w *webhookLogConsumer) Consume(ctx context.Context, rec logbus.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("engine: marshaling log record for webhook %q: %w", w.name, err)
	}
	id := message.NewID(time.Now())
	if err := w.engine.spool.StoreData(ctx, id, payload); err != nil {
		return err
	}
	now := time.Now()
	meta := message.Meta{
		EnvelopeRecipients: []string{"webhook@" + w.name},
		DueAt:              now,
		ExpiresAt:          now.Add(24 * time.Hour),
		QueueName:          WebhookQueueName,
		CreatedAt:          now,
		Fields:             map[string]message.MetaValue{webhookSinkMetaKey: w.url},
	}
	if err := w.engine.spool.StoreMeta(ctx, id, meta); err != nil {
		return err
	}
	h := message.New(id, meta, w.engine.spool, w.engine.spool)
	w.engine.scheduled.QueueFor(webhookQueueAttrs).Insert(h)
	return nil
}

// deliverWebhook POSTs one log record payload to its sink URL,
// classifying the response the way spec.md §4.6's custom protocol
// describes: 2xx is Ok, 4xx is transient, everything else (5xx) is
// permanent. A connection failure (no response at all) is transient.
func (e *Engine) deliverWebhook(ctx context.Context, h *message.Handle) (retry.Result, retry.Response) {
	url, _ := h.MetaGet(webhookSinkMetaKey)
	urlStr, _ := url.(string)
	if urlStr == "" {
		return retry.PermanentFailure, retry.Response{Content: "webhook sink has no configured URL", Classification: "NoSink"}
	}

	data, err := h.LoadData(ctx)
	if err != nil {
		return retry.TransientFailure, retry.Response{Content: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, urlStr, bytes.NewReader(data))
	if err != nil {
		return retry.PermanentFailure, retry.Response{Content: err.Error(), Classification: "BadURL"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.webhookClient.Do(req)
	if err != nil {
		return retry.TransientFailure, retry.Response{Content: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return retry.Ok, retry.Response{Code: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.TransientFailure, retry.Response{Code: resp.StatusCode, Content: "webhook sink rejected record"}
	default:
		return retry.PermanentFailure, retry.Response{Code: resp.StatusCode, Content: "webhook sink error", Classification: "SinkError"}
	}
}
