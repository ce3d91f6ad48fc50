package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sketchcredits/internal/catalog"
	"sketchcredits/internal/config"
	"sketchcredits/internal/identity"
	"sketchcredits/internal/metrics"
	"sketchcredits/internal/models"
	"sketchcredits/internal/notify"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/store"
)

// Errors surfaced to callers. The aliases keep errors.Is working across the
// package boundary without wrapping twice.
var (
	ErrUnauthenticated     = identity.ErrUnauthenticated
	ErrInvalidPlan         = errors.New("invalid plan")
	ErrInvalidSignature    = payment.ErrInvalidSignature
	ErrMalformedPayload    = payment.ErrMalformedPayload
	ErrInsufficientCredits = store.ErrInsufficientCredits
	ErrInconsistent        = errors.New("payment event inconsistent with local state")
	ErrProviderUnavailable = payment.ErrProviderUnavailable
	ErrNotFound            = store.ErrNotFound
	ErrInvalidRequest      = errors.New("invalid request")
	ErrDuplicateRequest    = store.ErrDuplicateRequest
	ErrNoSubscription      = errors.New("no active subscription")
)

type Service struct {
	store     store.Store
	plans     *catalog.Catalog
	processor payment.Processor
	config    config.Config

	// Notifier receives the effects of every committed event. Defaults to notify.Noop.
	Notifier notify.Notifier
	// Metrics may be nil.
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// New builds a Service. A nil processor disables checkouts and webhooks.
func New(st store.Store, plans *catalog.Catalog, processor payment.Processor, cfg config.Config) *Service {
	if processor == nil {
		processor = payment.Noop{}
	}
	return &Service{
		store:     st,
		plans:     plans,
		processor: processor,
		config:    cfg,
		Notifier:  notify.Noop{},
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) now() time.Time {
	return s.Now().UTC()
}

// ListPlans returns the catalog in declared order.
func (s *Service) ListPlans() []models.PlanDefinition {
	return s.plans.List()
}

// GetCredits returns the account's ledger entry, a zero entry when it has none.
func (s *Service) GetCredits(ctx context.Context, account models.Account) (models.LedgerEntry, error) {
	if account.ID == "" {
		return models.LedgerEntry{}, ErrUnauthenticated
	}
	return s.store.Read(ctx, account.ID)
}

func (s *Service) ListTransactions(ctx context.Context, account models.Account, limit int) ([]models.CreditTransaction, error) {
	if account.ID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.ListTransactions(ctx, account.ID, limit)
}

// ListPurchases returns every purchase the account started, newest first.
func (s *Service) ListPurchases(ctx context.Context, account models.Account) ([]models.PendingPurchase, error) {
	if account.ID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.ListPendingPurchases(ctx, account.ID)
}

// Ping reports whether the ledger store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func invalidAmount(err error) error {
	if errors.Is(err, store.ErrInvalidAmount) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return err
}
