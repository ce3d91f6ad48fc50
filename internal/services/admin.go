package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"sketchcredits/internal/models"
	"sketchcredits/internal/store"
)

// ListInconsistencies returns flagged accounts, oldest flag first.
func (s *Service) ListInconsistencies(ctx context.Context) ([]models.LedgerEntry, error) {
	return s.store.ListFlagged(ctx)
}

// ClearInconsistency removes the operator flag once the account was reviewed.
func (s *Service) ClearInconsistency(ctx context.Context, accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if err := s.store.ClearFlag(ctx, accountID); err != nil {
		return err
	}
	log.Printf("[INFO] inconsistency flag cleared for account %s", accountID)
	return nil
}

// GrantCredits adds credits by hand, journaled as manual_credit. The
// reference makes a retried grant a duplicate instead of a second grant.
func (s *Service) GrantCredits(ctx context.Context, accountID string, amount int, reference string) (models.LedgerEntry, error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(reference) == "" {
		return models.LedgerEntry{}, fmt.Errorf("%w: account id and reference are required", ErrInvalidRequest)
	}
	entry, err := s.store.Credit(ctx, accountID, amount, models.ReasonManualCredit, reference)
	if err != nil {
		return entry, invalidAmount(err)
	}
	log.Printf("[INFO] operator granted %d credits to account %s (ref %s)", amount, accountID, reference)
	return entry, nil
}

// ListEvents lists stored payment events, optionally filtered by status.
func (s *Service) ListEvents(ctx context.Context, status string, limit int) ([]models.PaymentEvent, error) {
	switch status {
	case "", models.EventReceived, models.EventApplied, models.EventIgnored, models.EventInconsistent, models.EventFailed:
	default:
		return nil, fmt.Errorf("%w: unknown event status %q", ErrInvalidRequest, status)
	}
	return s.store.ListEvents(ctx, status, store.ClampLimit(limit))
}
