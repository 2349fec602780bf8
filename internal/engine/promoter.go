package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kumocorp/engine/internal/message"
	"github.com/kumocorp/engine/internal/readyqueue"
	"github.com/kumocorp/engine/internal/retry"
	"github.com/kumocorp/engine/internal/scheduledqueue"
	"github.com/kumocorp/engine/internal/smtpclient"
)

// promoter implements scheduledqueue.Promoter: it resolves the Ready
// Queue a due message belongs in (egress source, site, protocol) and
// admits it there, per spec.md §4.5/§4.6.
type promoter struct {
	engine *Engine
}

func (p *promoter) Promote(ctx context.Context, h *message.Handle, cfg scheduledqueue.QueueConfig) (bool, error) {
	switch cfg.Protocol {
	case "webhook":
		return p.promoteWebhook(ctx, h, cfg)
	case "maildir":
		return p.promoteMaildir(ctx, h, cfg)
	}

	proto := smtpclient.Protocol(cfg.Protocol)
	if proto == "" {
		proto = smtpclient.ProtocolSMTP
	}
	reg, ok := p.engine.ready[proto]
	if !ok {
		return false, fmt.Errorf("engine: no ready queue registry for protocol %q", cfg.Protocol)
	}

	var sourceName string
	if cfg.EgressPool != "" {
		src, err := p.engine.egress.SelectSource(cfg.EgressPool)
		if err != nil {
			return false, err
		}
		sourceName = src.Name
	}

	domain := domainOf(h.Recipient())
	_, site, err := p.engine.siteFor(ctx, domain)
	if err != nil {
		return false, err
	}

	if signer := p.engine.dkim.SignerFor(domainOf(h.EnvelopeSender())); signer != nil {
		if err := h.DKIMSign(ctx, signer); err != nil {
			return false, err
		}
	}

	key := readyqueue.Key{Source: sourceName, Site: site, Protocol: string(proto)}
	rq, err := reg.QueueFor(key)
	if err != nil {
		return false, err
	}
	rq.SetSchedule(retry.Schedule{RetryInterval: cfg.RetryInterval, MaxRetryInterval: cfg.MaxRetryInterval})

	if err := rq.Admit(ctx, h); err != nil {
		if err == readyqueue.ErrQueueFull {
			return false, nil
		}
		return false, nil // throttle rejection: re-insert with jittered delay, not a hard error
	}
	return true, nil
}

// promoteWebhook delivers a reserved `webhook` queue message directly,
// bypassing the Ready Queue registries: a webhook sink has a single
// fixed endpoint rather than an MX set, making the host-selection/site-
// derivation half of the Ready Queue architecture moot for it. Every
// outcome is handled (delivered, bounced, or re-inserted with an
// updated due_at) before returning, so the caller always reports
// admitted=true — Tick must never re-insert this handle itself, since
// doing so would overwrite the due_at set below.
func (p *promoter) promoteWebhook(ctx context.Context, h *message.Handle, cfg scheduledqueue.QueueConfig) (bool, error) {
	result, resp := p.engine.deliverWebhook(ctx, h)
	switch result {
	case retry.Ok:
		return true, p.engine.bouncer.Deliver(ctx, h, resp)
	case retry.PermanentFailure, retry.Expired:
		return true, p.engine.bouncer.Bounce(ctx, h, resp.Classification, resp.Content)
	default:
		n, err := h.IncrementAttempts(ctx)
		if err != nil {
			return false, err
		}
		schedule := retry.Schedule{RetryInterval: cfg.RetryInterval, MaxRetryInterval: cfg.MaxRetryInterval}
		due := schedule.NextDueAt(time.Now(), n)
		if retry.IsExpired(due, h.ExpiresAt()) {
			return true, p.engine.bouncer.Bounce(ctx, h, "Expired", "webhook sink retry window exceeded")
		}
		if err := h.SetDueAt(ctx, due); err != nil {
			return false, err
		}
		p.engine.scheduled.QueueFor(webhookQueueAttrs).Insert(h)
		return true, nil
	}
}

// promoteMaildir delivers a message routed to the reserved `maildir`
// protocol directly to disk, bypassing the Ready Queue registries the
// same way promoteWebhook bypasses them for network sinks: a local
// Maildir write has no MX set or site to resolve. Unlike webhook
// messages, maildir-routed messages keep their ordinary Scheduled
// Queue identity (derived from the recipient domain) rather than a
// reserved one, since they're regular outbound mail that happens to be
// configured for on-disk delivery, not engine-internal bookkeeping.
func (p *promoter) promoteMaildir(ctx context.Context, h *message.Handle, cfg scheduledqueue.QueueConfig) (bool, error) {
	if p.engine.maildir == nil {
		return true, p.engine.bouncer.Bounce(ctx, h, "NoMaildirTarget", "maildir delivery target is not configured")
	}

	writeErr := p.engine.maildir.Deliver(ctx, h, h.Recipient())
	if writeErr == nil {
		return true, p.engine.bouncer.Deliver(ctx, h, retry.Response{Code: 250, Content: "delivered to maildir"})
	}

	n, err := h.IncrementAttempts(ctx)
	if err != nil {
		return false, err
	}
	schedule := retry.Schedule{RetryInterval: cfg.RetryInterval, MaxRetryInterval: cfg.MaxRetryInterval}
	due := schedule.NextDueAt(time.Now(), n)
	if retry.IsExpired(due, h.ExpiresAt()) {
		return true, p.engine.bouncer.Bounce(ctx, h, "MaildirWriteFailed", writeErr.Error())
	}
	if err := h.SetDueAt(ctx, due); err != nil {
		return false, err
	}
	q, ok := p.engine.scheduled.QueueByName(h.QueueName())
	if !ok {
		return false, fmt.Errorf("engine: maildir retry: no scheduled queue named %q", h.QueueName())
	}
	q.Insert(h)
	return true, nil
}

// requeuer implements readyqueue.Requeue, returning a transiently-failed
// message to its Scheduled Queue with an updated due_at.
type requeuer struct {
	engine *Engine
}

func (r *requeuer) Requeue(ctx context.Context, h *message.Handle, due time.Time) error {
	if err := h.SetDueAt(ctx, due); err != nil {
		return err
	}
	q, ok := r.engine.scheduled.QueueByName(h.QueueName())
	if !ok {
		return fmt.Errorf("engine: requeue: no scheduled queue named %q", h.QueueName())
	}
	q.Insert(h)
	return nil
}
