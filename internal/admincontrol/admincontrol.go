// Package admincontrol implements spec.md §4.10: the bounce, suspend,
// rebind, and xfer operator controls, each wrapping
// internal/scheduledqueue.Manager and logging its own outcome to
// internal/logbus, per spec.md §4.10's "each control operation records
// its own log entries."
//
// Grounded on the teacher's internal/smtp/delivery/bounce.go DSN
// generator (kept here as bounce.go, adapted from a single-recipient
// failed-delivery notice into the operator-triggered AdminBounce case)
// and on the teacher's internal/resilience circuit-breaker state-machine
// style of small, independently testable operations over a shared
// registry.
package admincontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kumocorp/engine/internal/logbus"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/queuename"
	"github.com/kumocorp/engine/internal/scheduledqueue"
)

// xferAttrs is the reserved internal queue identity spec.md §4.10 drains
// xfer targets into. XferQueueName is derived from it rather than
// hardcoded so it always matches what Manager.QueueFor(xferAttrs) names
// the queue.
var xferAttrs = queuename.Attributes{Domain: ".xfer.kumomta.internal"}

// XferQueueName is the reserved queue name messages are filed under by
// Xfer.
var XferQueueName = queuename.Derive(xferAttrs)

// Controller exposes the five operator control operations over a
// Manager, publishing a summary Record for each invocation.
type Controller struct {
	manager *scheduledqueue.Manager
	bouncer scheduledqueue.BounceLogger
	bus     *logbus.Bus
	nodeID  string
	logger  *logging.Logger
}

// New constructs a Controller. bouncer is consulted for every message an
// AdminBounce/xfer-originated bounce removes from spool; bus receives one
// summary Record per control invocation in addition to whatever
// per-message records bouncer itself emits.
func New(manager *scheduledqueue.Manager, bouncer scheduledqueue.BounceLogger, bus *logbus.Bus, nodeID string, logger *logging.Logger) *Controller {
	return &Controller{
		manager: manager,
		bouncer: bouncer,
		bus:     bus,
		nodeID:  nodeID,
		logger:  logger.Admin(),
	}
}

// Bounce removes every message matching pattern, per spec.md §4.10: a
// time-windowed rule evaluated here (at admin invocation) and again by
// the dispatcher/scheduler at promotion/admission time so in-flight
// messages are also caught (that second evaluation point is
// internal/scheduledqueue/internal/readyqueue's responsibility, not
// this one).
func (c *Controller) Bounce(ctx context.Context, pattern scheduledqueue.SuspendPattern, reason string) (int, error) {
	n, err := c.manager.AdminBounce(ctx, pattern, reason, c.bouncer)
	c.publish(ctx, logbus.KindAdminBounce, reason, n, err)
	return n, err
}

// Suspend blocks promotion from Scheduled to Ready for every queue
// matching pattern until until.
func (c *Controller) Suspend(ctx context.Context, pattern scheduledqueue.SuspendPattern, until time.Time) int {
	n := c.manager.Suspend(pattern, until)
	c.publish(ctx, logbus.KindOOB, fmt.Sprintf("suspend until %s", until.Format(time.RFC3339)), n, nil)
	return n
}

// Resume cancels a suspension immediately for every queue matching
// pattern.
func (c *Controller) Resume(ctx context.Context, pattern scheduledqueue.SuspendPattern) int {
	n := c.manager.Resume(pattern)
	c.publish(ctx, logbus.KindOOB, "resume", n, nil)
	return n
}

// RebindPatch applies an operator-provided metadata patch (and
// optionally a policy callback reshaping the message further), and
// returns the attributes the message should be filed under afterward.
// Implementations call h.MetaSet for whatever fields the patch touches.
type RebindPatch func(ctx context.Context, h *message.Handle) (queuename.Attributes, error)

// Rebind applies patch to every message matching pattern. A message
// whose derived queue name is unchanged stays in place (metadata is
// still patched); one whose queue name changes is re-inserted into
// Manager.QueueFor(newAttrs). alwaysFlush forces the message's due_at to now
// regardless of whether its queue changed, per spec.md §4.10.
func (c *Controller) Rebind(ctx context.Context, pattern scheduledqueue.SuspendPattern, patch RebindPatch, alwaysFlush bool) (int, error) {
	var firstErr error
	n := c.manager.Drain(pattern, func(h *message.Handle, oldAttrs queuename.Attributes) bool {
		newAttrs, err := patch(ctx, h)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// Patch failed: put the message back under its original
			// identity rather than losing it.
			c.manager.QueueFor(oldAttrs).Insert(h)
			return true
		}

		if alwaysFlush {
			_ = h.SetDueAt(ctx, time.Now())
		}
		newName := queuename.Derive(newAttrs)
		if newName == queuename.Derive(oldAttrs) {
			c.manager.QueueFor(oldAttrs).Insert(h)
			return true
		}
		_ = h.SetQueueName(ctx, newName)
		c.manager.QueueFor(newAttrs).Insert(h)
		return true
	})

	c.publish(ctx, logbus.KindOOB, "rebind", n, firstErr)
	return n, firstErr
}

// Xfer drains every message matching pattern into the reserved
// XferQueueName, tagging each with the destination node's HTTP endpoint
// so whatever delivery target is wired to that queue name (spec.md
// §4.10: "transmits messages to another node's HTTP endpoint") knows
// where to send it. On the receiving node, scheduling (due_at,
// expires_at) is preserved as-is on the message metadata so it can be
// restored by re-inserting under the original attributes there.
func (c *Controller) Xfer(ctx context.Context, pattern scheduledqueue.SuspendPattern, targetNodeURL string) (int, error) {
	var firstErr error
	n := c.manager.Drain(pattern, func(h *message.Handle, _ queuename.Attributes) bool {
		if err := h.MetaSet(ctx, "xfer_target", targetNodeURL); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := h.MetaSet(ctx, "xfer_node_id", c.nodeID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		_ = h.SetQueueName(ctx, XferQueueName)
		c.manager.QueueFor(xferAttrs).Insert(h)
		return true
	})

	c.publish(ctx, logbus.KindOOB, "xfer to "+targetNodeURL, n, firstErr)
	return n, firstErr
}

func (c *Controller) publish(ctx context.Context, kind logbus.Kind, reason string, count int, err error) {
	if c.bus == nil {
		return
	}
	rec := logbus.Record{
		Kind:                 kind,
		BounceClassification: reason,
		NumAttempts:          count,
		NodeID:               c.nodeID,
		SessionID:            uuid.NewString(),
		Timestamp:            time.Now(),
	}
	if err != nil {
		rec.Response.Content = err.Error()
	}
	c.bus.Publish(ctx, rec)
	c.logger.InfoContext(ctx, "admin control operation completed", "kind", string(kind), "reason", reason, "count", count)
}
