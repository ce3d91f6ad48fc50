package services

import (
	"context"
	"log"
	"time"

	"sketchcredits/internal/catalog"

	"golang.org/x/sync/errgroup"
)

type ReconcileReport struct {
	ExpiredPurchases int `json:"expired_purchases"`
	ExpiredEntries   int `json:"expired_entries"`
	RenewedFree      int `json:"renewed_free"`
}

// Reconcile expires pending purchases older than the configured TTL and
// cancelled subscriptions whose paid period has ended, then resets free plan
// allowances whose month is over.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	now := s.now()
	ttl := s.config.PendingPurchaseTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	var report ReconcileReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.ExpirePendingPurchases(gctx, now.Add(-ttl))
		report.ExpiredPurchases = n
		return err
	})
	g.Go(func() error {
		n, err := s.store.ExpireLapsedEntries(gctx, now)
		report.ExpiredEntries = n
		return err
	})
	err := g.Wait()
	s.Metrics.AddReconciled("pending_purchase", report.ExpiredPurchases)
	s.Metrics.AddReconciled("ledger_entry", report.ExpiredEntries)
	if err != nil {
		return report, err
	}

	// after the lapse sweep so expired subscribers are not mistaken for free users
	for _, plan := range s.plans.List() {
		if !catalog.IsFree(plan) || !plan.Recurring() {
			continue
		}
		n, err := s.store.RenewFreeTier(ctx, plan, now)
		report.RenewedFree += n
		if err != nil {
			s.Metrics.AddReconciled("free_renewal", report.RenewedFree)
			return report, err
		}
	}
	s.Metrics.AddReconciled("free_renewal", report.RenewedFree)
	return report, nil
}

// Reconciler runs Reconcile on a fixed interval until its context ends.
type Reconciler struct {
	svc      *Service
	interval time.Duration
}

// NewReconciler falls back to a 10 minute interval when none is configured.
func NewReconciler(svc *Service, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reconciler{svc: svc, interval: interval}
}

// Run sweeps once immediately, then on every tick. It returns nil when ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.runOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	report, err := r.svc.Reconcile(ctx)
	if err != nil && ctx.Err() == nil {
		log.Printf("[ERROR] reconcile sweep failed: %v", err)
	}
	if report.ExpiredPurchases > 0 || report.ExpiredEntries > 0 || report.RenewedFree > 0 {
		log.Printf("[INFO] reconcile expired %d pending purchases and %d lapsed entries, renewed %d free allowances",
			report.ExpiredPurchases, report.ExpiredEntries, report.RenewedFree)
	}
}
