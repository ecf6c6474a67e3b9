package payment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

type unitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// EventApplier applies a verified, first-seen provider event. It runs inside
// the transaction that recorded the event id.
type EventApplier interface {
	ApplyPaymentEvent(ctx context.Context, ev *WebhookEvent) error
}

type WebhookMetrics interface {
	ObserveWebhook(provider, outcome string)
}

// WebhookProcessor verifies, deduplicates and applies provider callbacks.
type WebhookProcessor struct {
	gateways  *Registry
	uow       unitOfWork
	processed processedTracker
	applier   EventApplier
	logger    *logging.Logger
	metrics   WebhookMetrics
}

func NewWebhookProcessor(gateways *Registry, uow unitOfWork, processed processedTracker, applier EventApplier, logger *logging.Logger, metrics WebhookMetrics) *WebhookProcessor {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookProcessor{
		gateways:  gateways,
		uow:       uow,
		processed: processed,
		applier:   applier,
		logger:    logger,
		metrics:   metrics,
	}
}

// Process handles one delivery. A signature failure never mutates anything.
// The event id is recorded as the first statement of the transaction, so a
// redelivery racing the original either waits on the insert or sees the row.
func (p *WebhookProcessor) Process(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error) {
	gw, err := p.gateways.Get(provider)
	if err != nil {
		return "", err
	}

	signature := headers.Get(gw.WebhookSignatureHeader())
	if !gw.VerifyWebhookSignature(payload, signature) {
		p.logger.Warn("webhook signature rejected", "provider", gw.Name())
		p.observe(gw.Name(), "rejected")
		return "", ErrWebhookSignatureInvalid
	}

	ev, err := gw.ParseWebhookEvent(payload, headers)
	if err != nil {
		p.observe(gw.Name(), "malformed")
		return "", err
	}

	if ev.Type == EventIgnored {
		p.logger.Debug("webhook event ignored", "provider", ev.Provider, "event", ev.RawType, "event_id", ev.EventID)
		p.observe(gw.Name(), string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	// Redeliveries of settled events skip the transaction. The insert below
	// stays authoritative when two deliveries race past this read.
	seen, err := p.processed.AlreadyProcessed(ctx, ev.Provider, ev.EventID)
	if err != nil {
		p.logger.Warn("webhook dedup read failed", "provider", ev.Provider, "event_id", ev.EventID, "error", err)
	} else if seen {
		p.logger.Debug("webhook redelivery skipped", "provider", ev.Provider, "event_id", ev.EventID)
		p.observe(gw.Name(), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	outcome := OutcomeApplied
	err = p.uow.WithinTx(ctx, func(ctx context.Context) error {
		fresh, err := p.processed.MarkProcessed(ctx, ev.Provider, ev.EventID)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = OutcomeDuplicate
			return nil
		}
		return p.applier.ApplyPaymentEvent(ctx, ev)
	})
	if err != nil {
		p.observe(gw.Name(), "error")
		return "", fmt.Errorf("apply %s event %s: %w", ev.Provider, ev.EventID, err)
	}

	p.logger.Info("webhook processed",
		"provider", ev.Provider,
		"event_id", ev.EventID,
		"event", ev.Type,
		"order_id", ev.ProviderOrderID,
		"outcome", outcome,
	)
	p.observe(gw.Name(), string(outcome))
	return outcome, nil
}

func (p *WebhookProcessor) observe(provider, outcome string) {
	if p.metrics != nil {
		p.metrics.ObserveWebhook(provider, outcome)
	}
}
