package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kumocorp/engine/internal/admincontrol"
	"github.com/kumocorp/engine/internal/logbus"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/metrics"
	"github.com/kumocorp/engine/internal/retry"
)

// terminalLogger implements both scheduledqueue.BounceLogger and
// readyqueue.Bouncer: every terminal outcome (Delivery, Bounce,
// Expiration) is published to the log event bus before the message is
// removed from spool, per internal/spool.Spool.Remove's documented
// ordering invariant — log and spool must never diverge.
type terminalLogger struct {
	engine *Engine
}

// Deliver logs a successful delivery and releases the message from
// spool.
func (t *terminalLogger) Deliver(ctx context.Context, h *message.Handle, resp retry.Response) error {
	t.publish(ctx, h, logbus.KindDelivery, "", resp)
	metrics.MessagesSent.Inc()
	return t.remove(ctx, h)
}

// Bounce logs a permanent-failure classification and releases the
// message, optionally generating and delivering a DSN back to the
// envelope sender first (spec.md §4.8's "a bounce MAY generate a DSN
// routed back through the same engine").
func (t *terminalLogger) Bounce(ctx context.Context, h *message.Handle, classification, reason string) error {
	t.publish(ctx, h, logbus.KindBounce, classification, retry.Response{Content: reason, Classification: classification})
	metrics.MessagesBounced.WithLabelValues(classification).Inc()
	t.maybeGenerateDSN(ctx, h, classification, reason)
	return t.remove(ctx, h)
}

// maybeGenerateDSN enqueues a DSN back to the envelope sender, unless
// the sender itself is null or a postmaster/bounce address (loop
// prevention, per admincontrol.ShouldBounce).
func (t *terminalLogger) maybeGenerateDSN(ctx context.Context, h *message.Handle, classification, reason string) {
	sender := h.EnvelopeSender()
	if !admincontrol.ShouldBounce(sender) {
		return
	}
	gen := admincontrol.NewBounceGenerator(t.engine.cfg.Node.Hostname)
	dsn, err := gen.Generate(ctx, h, retry.Response{Content: reason, Classification: classification})
	if err != nil {
		t.engine.logger.ErrorContext(ctx, "failed to generate DSN", err, "message_id", string(h.ID()))
		return
	}
	dsnID := message.NewID(time.Now())
	if _, err := t.engine.Enqueue(ctx, dsnID, "", []string{sender}, dsn, t.engine.dsnAttrs(sender), time.Now(), time.Now().Add(48*time.Hour)); err != nil {
		t.engine.logger.ErrorContext(ctx, "failed to enqueue DSN", err, "message_id", string(dsnID))
	}
}

// publish records one terminal or transient event.
func (t *terminalLogger) publish(ctx context.Context, h *message.Handle, kind logbus.Kind, classification string, resp retry.Response) {
	t.engine.bus.Publish(ctx, logbus.Record{
		Kind:                 kind,
		MessageID:            string(h.ID()),
		Sender:               h.EnvelopeSender(),
		Recipients:           h.RecipientList(),
		QueueName:            h.QueueName(),
		Response:             logbus.PeerResponse{Code: resp.Code, EnhancedStatus: resp.EnhancedStatus, Content: resp.Content, Verb: resp.Verb},
		Timestamp:            time.Now(),
		CreatedAt:            h.CreatedAt(),
		NumAttempts:          h.NumAttempts(),
		BounceClassification: classification,
		NodeID:               t.engine.cfg.Node.NodeID,
		SessionID:            uuid.NewString(),
	})
}

func (t *terminalLogger) remove(ctx context.Context, h *message.Handle) error {
	return t.engine.spool.Remove(ctx, h.ID())
}
