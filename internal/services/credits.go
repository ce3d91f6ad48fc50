package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"sketchcredits/internal/models"
)

// ConsumeCredits debits n credits for an external caller. A non-empty
// requestID makes the debit idempotent per account.
func (s *Service) ConsumeCredits(ctx context.Context, accountID string, n int, requestID string) (models.LedgerEntry, error) {
	if strings.TrimSpace(accountID) == "" {
		return models.LedgerEntry{}, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	if n <= 0 {
		return models.LedgerEntry{}, fmt.Errorf("%w: credits must be positive", ErrInvalidRequest)
	}
	entry, err := s.store.Debit(ctx, accountID, n, requestID)
	switch {
	case err == nil:
		s.Metrics.ObserveDebit("ok", n)
		return entry, nil
	case errors.Is(err, ErrInsufficientCredits):
		s.Metrics.ObserveDebit("insufficient", n)
		return entry, fmt.Errorf("%w: %d remaining, %d requested", ErrInsufficientCredits, entry.RemainingCredits, n)
	case errors.Is(err, ErrDuplicateRequest):
		s.Metrics.ObserveDebit("duplicate", n)
		return entry, fmt.Errorf("%w: request %s already charged", ErrDuplicateRequest, requestID)
	default:
		s.Metrics.ObserveDebit("error", n)
		return entry, invalidAmount(err)
	}
}

// Generation is the charge taken before a stylization request is forwarded.
type Generation struct {
	RequestID      string             `json:"request_id"`
	StyleID        string             `json:"style_id"`
	CreditsCharged int                `json:"credits_charged"`
	Entry          models.LedgerEntry `json:"entry"`
}

// ChargeGeneration debits the per-generation price for the signed-in account.
func (s *Service) ChargeGeneration(ctx context.Context, account models.Account, styleID, requestID string) (Generation, error) {
	if account.ID == "" {
		return Generation{}, ErrUnauthenticated
	}
	if strings.TrimSpace(styleID) == "" || strings.TrimSpace(requestID) == "" {
		return Generation{}, fmt.Errorf("%w: style_id and request_id are required", ErrInvalidRequest)
	}
	cost := s.config.CreditsPerGeneration
	if cost <= 0 {
		cost = 1
	}
	entry, err := s.ConsumeCredits(ctx, account.ID, cost, requestID)
	if err != nil {
		return Generation{}, err
	}
	log.Printf("[INFO] generation %s (%s) charged %d credits to account %s", requestID, styleID, cost, account.ID)
	return Generation{RequestID: requestID, StyleID: styleID, CreditsCharged: cost, Entry: entry}, nil
}
