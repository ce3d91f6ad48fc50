package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"sketchcredits/internal/catalog"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/store"

	"github.com/google/uuid"
)

// Checkout is the result of starting a purchase. Free plans are granted on
// the spot and carry the resulting Entry instead of a checkout URL.
type Checkout struct {
	CheckoutURL string              `json:"checkout_url,omitempty"`
	PurchaseID  string              `json:"purchase_id,omitempty"`
	Free        bool                `json:"free,omitempty"`
	Entry       *models.LedgerEntry `json:"entry,omitempty"`
}

// InitiateCheckout grants free plans directly. For paid plans it records the
// pending purchase before calling the processor and removes it again when
// the processor cannot be reached.
func (s *Service) InitiateCheckout(ctx context.Context, account models.Account, planID string) (Checkout, error) {
	if account.ID == "" {
		return Checkout{}, ErrUnauthenticated
	}
	plan, err := s.plans.Lookup(planID)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	if catalog.IsFree(plan) {
		entry, granted, err := s.store.GrantFreeTier(ctx, account.ID, plan)
		if err != nil {
			return Checkout{}, fmt.Errorf("grant free tier: %w", err)
		}
		if granted {
			log.Printf("[INFO] free plan %s granted to account %s", plan.ID, account.ID)
		}
		s.Metrics.IncCheckout(plan.ID, "free")
		return Checkout{Free: true, Entry: &entry}, nil
	}

	now := s.now()
	purchase := models.PendingPurchase{
		ID:          uuid.NewString(),
		AccountID:   account.ID,
		PlanID:      plan.ID,
		AmountCents: plan.PriceCents,
		Currency:    plan.Currency,
		Status:      models.PurchasePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePendingPurchase(ctx, purchase); err != nil {
		return Checkout{}, fmt.Errorf("create pending purchase: %w", err)
	}

	providerCtx := ctx
	if s.config.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		providerCtx, cancel = context.WithTimeout(ctx, s.config.ProviderTimeout)
		defer cancel()
	}
	sess, err := s.processor.CreateCheckout(providerCtx, payment.CheckoutRequest{
		Plan:       plan,
		Account:    account,
		PurchaseID: purchase.ID,
		SuccessURL: s.config.CheckoutSuccessURL,
		CancelURL:  s.config.CheckoutCancelURL,
	})
	if err != nil {
		s.rollbackPurchase(ctx, purchase.ID)
		s.Metrics.IncCheckout(plan.ID, "failed")
		log.Printf("[WARN] checkout for account %s plan %s failed: %v", account.ID, plan.ID, err)
		if !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return Checkout{}, err
	}

	// webhooks match on purchase_id metadata too, so a failed attach is not fatal
	if sess.Reference != "" {
		if err := s.store.AttachProviderReference(ctx, purchase.ID, sess.Reference); err != nil {
			log.Printf("[WARN] attach provider reference %s to purchase %s: %v", sess.Reference, purchase.ID, err)
		}
	}
	s.Metrics.IncCheckout(plan.ID, "created")
	log.Printf("[INFO] checkout %s created for account %s plan %s", purchase.ID, account.ID, plan.ID)
	return Checkout{CheckoutURL: sess.URL, PurchaseID: purchase.ID}, nil
}

// rollbackPurchase runs even when the request context is gone.
func (s *Service) rollbackPurchase(ctx context.Context, purchaseID string) {
	err := s.store.DeletePendingPurchase(context.WithoutCancel(ctx), purchaseID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrPurchaseSettled):
		// a webhook settled it while the processor call was failing
		log.Printf("[WARN] purchase %s settled before rollback, keeping it", purchaseID)
	default:
		log.Printf("[ERROR] rollback pending purchase %s: %v", purchaseID, err)
	}
}
