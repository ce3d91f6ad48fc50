// Package entitlement holds the pure credit arithmetic and the event
// transition rules. Nothing here performs I/O; stores call into it while
// holding the per-account lock.
package entitlement

import (
	"errors"
	"time"

	"sketchcredits/internal/models"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Grant adds a plan's credits to the entry and returns the change in remaining.
// One-time plans land in ExtraCredits or Lifetime so they outlive any
// subscription on the same account.
func Grant(e *models.LedgerEntry, plan models.PlanDefinition) int {
	if plan.Unlimited() {
		e.Unlimited = true
		if !plan.Recurring() {
			e.Lifetime = true
		}
		return 0
	}
	e.TotalCredits += plan.Credits
	if !plan.Recurring() {
		e.ExtraCredits += plan.Credits
	}
	e.Recompute()
	return plan.Credits
}

// Credit adds n credits outside of any plan.
func Credit(e *models.LedgerEntry, n int) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	e.TotalCredits += n
	e.ExtraCredits += n
	e.Recompute()
	return nil
}

// Debit consumes n credits. Unlimited entries record usage without touching
// the remaining balance.
func Debit(e *models.LedgerEntry, n int) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	if e.Unlimited {
		e.UsedCredits += n
		e.TotalCredits += n
		e.Recompute()
		return nil
	}
	if e.RemainingCredits < n {
		return ErrInsufficientCredits
	}
	e.UsedCredits += n
	e.Recompute()
	return nil
}

// ResetForPeriod replaces the plan part of the balance with a fresh grant.
// Unused plan credits do not roll over; extra credits are kept. Returns the
// change in remaining.
func ResetForPeriod(e *models.LedgerEntry, plan models.PlanDefinition) int {
	before := e.RemainingCredits
	extra := e.ExtraCredits
	if plan.Unlimited() {
		e.Unlimited = true
		e.TotalCredits, e.UsedCredits = extra, 0
	} else {
		e.TotalCredits, e.UsedCredits = plan.Credits+extra, 0
	}
	e.Recompute()
	return e.RemainingCredits - before
}

// Revoke takes back up to a plan's credits, never driving the balance below
// zero. A recurring plan only gives back plan credits. Returns the
// (non-positive) change in remaining.
func Revoke(e *models.LedgerEntry, plan models.PlanDefinition) int {
	if plan.Unlimited() {
		if !plan.Recurring() {
			e.Lifetime = false
		}
		e.Unlimited = e.Lifetime
		return 0
	}
	available := e.RemainingCredits
	if plan.Recurring() {
		available -= e.ExtraCredits
	}
	n := min(plan.Credits, max(available, 0))
	e.TotalCredits -= n
	if !plan.Recurring() {
		e.ExtraCredits = max(e.ExtraCredits-n, 0)
	}
	e.Recompute()
	return -n
}

// Expire ends the plan entitlement and zeroes the plan part of the balance.
// Extra credits and a lifetime grant stay. Returns the change in remaining.
func Expire(e *models.LedgerEntry, now time.Time) int {
	n := e.RemainingCredits - e.ExtraCredits
	e.TotalCredits -= n
	e.Recompute()
	EndPlan(e, now)
	return -n
}

// EndPlan closes the entry's current plan. An account holding a lifetime
// grant falls back to it instead of expiring.
func EndPlan(e *models.LedgerEntry, now time.Time) {
	e.Unlimited = e.Lifetime
	if e.Lifetime {
		e.Status = models.LedgerStatusActive
		e.PlanID = nil
		e.SubscriptionRef = ""
		e.PeriodStart, e.PeriodEnd = nil, nil
		return
	}
	e.Status = models.LedgerStatusExpired
	if e.PeriodEnd == nil || e.PeriodEnd.After(now) {
		end := now
		e.PeriodEnd = &end
	}
}

// GrantFree gives the free plan's allowance for the billing period containing
// now. It returns the change in remaining and the idempotency reference of the
// period, or ok=false when the account is not due a grant: it already has one
// for this period, or it is on another live plan.
func GrantFree(e *models.LedgerEntry, plan models.PlanDefinition, now time.Time) (delta int, reference string, ok bool) {
	start := now
	onPlan := e.PlanID != nil && *e.PlanID == plan.ID
	switch {
	case e.PlanID != nil && !onPlan && e.Status != models.LedgerStatusExpired:
		return 0, "", false
	case onPlan && e.PeriodStart != nil:
		if e.PeriodEnd == nil || now.Before(*e.PeriodEnd) {
			return 0, "", false
		}
		// keep the anchor day across skipped periods
		start = *e.PeriodEnd
		for end := NextPeriodEnd(plan.BillingPeriod, start); end != nil && !now.Before(*end); end = NextPeriodEnd(plan.BillingPeriod, start) {
			start = *end
		}
	}

	delta = ResetForPeriod(e, plan)
	id := plan.ID
	e.PlanID = &id
	e.PeriodStart, e.PeriodEnd = &start, NextPeriodEnd(plan.BillingPeriod, start)
	if e.Status == models.LedgerStatusExpired {
		e.Status = models.LedgerStatusNone
	}
	return delta, plan.ID + ":" + start.Format(time.RFC3339), true
}

// FreeTierDue reports whether the sweep should renew a free plan entry.
func FreeTierDue(e models.LedgerEntry, planID string, now time.Time) bool {
	if e.PlanID == nil || *e.PlanID != planID || e.PeriodEnd == nil || now.Before(*e.PeriodEnd) {
		return false
	}
	return e.Status == models.LedgerStatusNone || e.Status == models.LedgerStatusPending
}

// NextPeriodEnd returns the end of a billing period starting at start, or nil
// for periods that never end.
func NextPeriodEnd(period string, start time.Time) *time.Time {
	var end time.Time
	switch period {
	case models.BillingMonthly:
		end = start.AddDate(0, 1, 0)
	case models.BillingYearly:
		end = start.AddDate(1, 0, 0)
	default:
		return nil
	}
	return &end
}

// SettlePending drops a pending status back to none once no purchase is
// outstanding for the account.
func SettlePending(e *models.LedgerEntry, otherPending int) {
	if e.Status == models.LedgerStatusPending && otherPending == 0 && e.SubscriptionRef == "" {
		e.Status = models.LedgerStatusNone
	}
}
