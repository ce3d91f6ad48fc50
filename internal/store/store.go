// Package store defines the ledger persistence contract. Every mutation of a
// ledger entry goes through one of these methods, serialized per account.
package store

import (
	"context"
	"errors"
	"time"

	"sketchcredits/internal/entitlement"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
)

var (
	ErrInsufficientCredits = entitlement.ErrInsufficientCredits
	ErrInvalidAmount       = entitlement.ErrInvalidAmount
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrNotFound            = errors.New("not found")
	ErrPurchaseSettled     = errors.New("purchase already settled")
)

// ApplyFunc computes the new state for an event from the locked current state.
type ApplyFunc func(entitlement.State) (entitlement.Result, error)

// ApplyResult reports what ApplyEvent persisted. Duplicate is set when the
// event had already settled and nothing was touched.
type ApplyResult struct {
	Event     models.PaymentEvent
	Result    entitlement.Result
	Duplicate bool
}

type Store interface {
	Read(ctx context.Context, accountID string) (models.LedgerEntry, error)
	Debit(ctx context.Context, accountID string, amount int, reference string) (models.LedgerEntry, error)
	Credit(ctx context.Context, accountID string, amount int, reason, reference string) (models.LedgerEntry, error)
	// GrantFreeTier grants a free plan's allowance for the current billing
	// period. It is a no-op returning the current entry when the account was
	// already granted this period or is on another live plan.
	GrantFreeTier(ctx context.Context, accountID string, plan models.PlanDefinition) (models.LedgerEntry, bool, error)

	CreatePendingPurchase(ctx context.Context, p models.PendingPurchase) error
	AttachProviderReference(ctx context.Context, purchaseID, reference string) error
	DeletePendingPurchase(ctx context.Context, purchaseID string) error
	GetPendingPurchase(ctx context.Context, purchaseID string) (models.PendingPurchase, error)
	ListPendingPurchases(ctx context.Context, accountID string) ([]models.PendingPurchase, error)

	// ApplyEvent dedups on rec.ID, locks the account the target resolves to,
	// runs fn and persists its result atomically. When fn or persistence
	// fails the event is recorded as failed and the error returned.
	ApplyEvent(ctx context.Context, rec models.PaymentEvent, target payment.Target, fn ApplyFunc) (ApplyResult, error)
	GetPaymentEvent(ctx context.Context, eventID string) (models.PaymentEvent, error)
	ListEvents(ctx context.Context, status string, limit int) ([]models.PaymentEvent, error)

	ExpirePendingPurchases(ctx context.Context, cutoff time.Time) (int, error)
	ExpireLapsedEntries(ctx context.Context, now time.Time) (int, error)
	// RenewFreeTier resets the allowance of every free plan entry whose
	// period ended by now.
	RenewFreeTier(ctx context.Context, plan models.PlanDefinition, now time.Time) (int, error)

	ListFlagged(ctx context.Context) ([]models.LedgerEntry, error)
	ClearFlag(ctx context.Context, accountID string) error
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error)

	Ping(ctx context.Context) error
	Close()
}

// ClampLimit bounds list sizes requested over the API.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// EventStatus maps an engine outcome to the status the event row settles in.
func EventStatus(o entitlement.Outcome) string {
	switch o {
	case entitlement.OutcomeIgnored:
		return models.EventIgnored
	case entitlement.OutcomeInconsistent:
		return models.EventInconsistent
	default:
		return models.EventApplied
	}
}
