package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
)

// Subscription is the account's view of its recurring plan.
type Subscription struct {
	Reference   string     `json:"subscription_ref,omitempty"`
	PlanID      *string    `json:"plan_id"`
	Status      string     `json:"status"`
	PeriodStart *time.Time `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end"`
	Lifetime    bool       `json:"lifetime"`
}

func subscriptionOf(e models.LedgerEntry) Subscription {
	return Subscription{
		Reference:   e.SubscriptionRef,
		PlanID:      e.PlanID,
		Status:      e.Status,
		PeriodStart: e.PeriodStart,
		PeriodEnd:   e.PeriodEnd,
		Lifetime:    e.Lifetime,
	}
}

// GetSubscription returns the subscription state recorded in the ledger.
func (s *Service) GetSubscription(ctx context.Context, account models.Account) (Subscription, error) {
	if account.ID == "" {
		return Subscription{}, ErrUnauthenticated
	}
	e, err := s.store.Read(ctx, account.ID)
	if err != nil {
		return Subscription{}, err
	}
	return subscriptionOf(e), nil
}

// CancelSubscription asks the processor to stop renewing the account's
// active subscription. Credits stay until the paid period ends; the ledger
// moves to cancelled when the processor's webhook arrives.
func (s *Service) CancelSubscription(ctx context.Context, account models.Account) (Subscription, error) {
	if account.ID == "" {
		return Subscription{}, ErrUnauthenticated
	}
	e, err := s.store.Read(ctx, account.ID)
	if err != nil {
		return Subscription{}, err
	}
	switch {
	case e.SubscriptionRef == "":
		return Subscription{}, fmt.Errorf("%w: account has no subscription", ErrNoSubscription)
	case e.Status == models.LedgerStatusCancelled:
		// already scheduled; answer the same way the first call did
		return subscriptionOf(e), nil
	case e.Status != models.LedgerStatusActive:
		return Subscription{}, fmt.Errorf("%w: subscription is %s", ErrNoSubscription, e.Status)
	}

	providerCtx := ctx
	if s.config.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		providerCtx, cancel = context.WithTimeout(ctx, s.config.ProviderTimeout)
		defer cancel()
	}
	if err := s.processor.CancelSubscription(providerCtx, e.SubscriptionRef); err != nil {
		log.Printf("[WARN] cancel subscription %s for account %s failed: %v", e.SubscriptionRef, account.ID, err)
		switch {
		case errors.Is(err, payment.ErrUnknownSubscription):
			return Subscription{}, fmt.Errorf("%w: %v", ErrNoSubscription, err)
		case errors.Is(err, ErrProviderUnavailable):
			return Subscription{}, err
		default:
			return Subscription{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}
	log.Printf("[INFO] cancellation of subscription %s requested by account %s", e.SubscriptionRef, account.ID)
	return subscriptionOf(e), nil
}
