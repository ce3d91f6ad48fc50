package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"sketchcredits/internal/entitlement"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/store"
)

// Receipt is what the webhook caller learns about one delivery.
type Receipt struct {
	EventID   string              `json:"event_id"`
	Status    string              `json:"status"`
	Outcome   entitlement.Outcome `json:"outcome,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Duplicate bool                `json:"duplicate,omitempty"`
}

// SignatureHeader names the request header the configured processor signs with.
func (s *Service) SignatureHeader() string {
	return s.processor.SignatureHeader()
}

// Receive authenticates, parses and applies one processor notification.
// Nothing is parsed or stored before the signature checks out.
func (s *Service) Receive(ctx context.Context, body []byte, signature string) (Receipt, error) {
	start := time.Now()
	provider := s.processor.Name()

	if err := s.processor.Verify(body, signature); err != nil {
		s.Metrics.ObserveWebhook(provider, "invalid_signature", time.Since(start))
		if !errors.Is(err, ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return Receipt{}, err
	}
	ev, err := s.processor.Parse(body)
	if err != nil {
		s.Metrics.ObserveWebhook(provider, "malformed", time.Since(start))
		log.Printf("[WARN] malformed %s webhook: %v", provider, err)
		if !errors.Is(err, ErrMalformedPayload) {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return Receipt{}, err
	}

	rec := models.PaymentEvent{
		ID:         ev.EventID(),
		Provider:   provider,
		Type:       ev.EventType(),
		Payload:    body,
		Signature:  signature,
		ReceivedAt: s.now(),
		Status:     models.EventReceived,
	}
	receipt, err := s.apply(ctx, rec, ev)
	outcome := string(receipt.Outcome)
	switch {
	case err != nil:
		outcome = models.EventFailed
	case receipt.Duplicate:
		outcome = "duplicate"
	}
	s.Metrics.ObserveWebhook(provider, outcome, time.Since(start))
	return receipt, err
}

// Replay re-applies a stored event from its recorded payload. The payload was
// verified when it first arrived and cannot change afterwards.
func (s *Service) Replay(ctx context.Context, eventID string) (Receipt, error) {
	rec, err := s.store.GetPaymentEvent(ctx, eventID)
	if err != nil {
		return Receipt{}, err
	}
	if rec.Settled() {
		return Receipt{EventID: rec.ID, Status: rec.Status, Duplicate: true}, nil
	}
	if rec.Provider != s.processor.Name() {
		return Receipt{}, fmt.Errorf("%w: event %s came from %s", ErrInvalidRequest, rec.ID, rec.Provider)
	}
	ev, err := s.processor.Parse(rec.Payload)
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := s.apply(ctx, rec, ev)
	if err != nil {
		return receipt, err
	}
	if receipt.Outcome == entitlement.OutcomeInconsistent {
		return receipt, fmt.Errorf("%w: %s", ErrInconsistent, receipt.Reason)
	}
	return receipt, nil
}

// apply dedups and applies ev in one store transaction, then dispatches its effects.
func (s *Service) apply(ctx context.Context, rec models.PaymentEvent, ev payment.Event) (Receipt, error) {
	res, err := s.store.ApplyEvent(ctx, rec, payment.TargetOf(ev), func(st entitlement.State) (entitlement.Result, error) {
		return entitlement.Apply(st, ev, s.plans, s.now())
	})
	if err != nil {
		log.Printf("[ERROR] apply %s event %s: %v", rec.Provider, rec.ID, err)
		return Receipt{EventID: rec.ID, Status: models.EventFailed}, fmt.Errorf("apply event %s: %w", rec.ID, err)
	}
	if res.Duplicate {
		log.Printf("[INFO] duplicate %s event %s already %s", rec.Provider, rec.ID, res.Event.Status)
		return Receipt{EventID: rec.ID, Status: res.Event.Status, Duplicate: true}, nil
	}

	out := res.Result
	switch out.Outcome {
	case entitlement.OutcomeInconsistent:
		log.Printf("[WARN] %s event %s (%s) inconsistent for account %q: %s",
			rec.Provider, rec.ID, ev.EventType(), res.Event.AccountID, out.Reason)
	case entitlement.OutcomeIgnored:
		log.Printf("[INFO] %s event %s ignored: %s", rec.Provider, rec.ID, out.Reason)
	default:
		log.Printf("[INFO] %s event %s (%s) %s for account %s",
			rec.Provider, rec.ID, ev.EventType(), out.Outcome, res.Event.AccountID)
	}
	s.dispatch(ctx, out.Effects)
	return Receipt{
		EventID: rec.ID,
		Status:  store.EventStatus(out.Outcome),
		Outcome: out.Outcome,
		Reason:  out.Reason,
	}, nil
}

// dispatch notifies after commit. Failures are logged, never returned.
func (s *Service) dispatch(ctx context.Context, effects []entitlement.Effect) {
	if len(effects) == 0 {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Notifier.Notify(notifyCtx, effects); err != nil {
		log.Printf("[WARN] notification failed: %v", err)
	}
}
