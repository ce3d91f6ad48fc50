package entitlement

import (
	"errors"
	"fmt"
	"time"

	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
)

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeNoop         Outcome = "noop"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeInconsistent Outcome = "inconsistent"
)

// PlanLookup resolves the plan a purchase or ledger entry refers to.
type PlanLookup interface {
	Lookup(planID string) (models.PlanDefinition, error)
}

// State is everything the engine may read or change for one event.
// Purchase is nil when the store found no matching purchase. OtherPending
// counts the account's pending purchases excluding Purchase.
type State struct {
	Entry        models.LedgerEntry
	Purchase     *models.PendingPurchase
	OtherPending int
}

type EffectKind string

const (
	EffectPaymentConfirmed      EffectKind = "payment_confirmed"
	EffectPaymentFailed         EffectKind = "payment_failed"
	EffectPaymentRefunded       EffectKind = "payment_refunded"
	EffectSubscriptionCancelled EffectKind = "subscription_cancelled"
	EffectSubscriptionRenewed   EffectKind = "subscription_renewed"
	EffectInconsistent          EffectKind = "inconsistent"
)

// Effect is a side effect to dispatch once the new state is committed.
type Effect struct {
	Kind       EffectKind
	AccountID  string
	PlanID     string
	PurchaseID string
	EventID    string
	Email      string
	Credits    int
	Reason     string
}

// JournalEntry is one credit_transactions row the store writes with the state.
type JournalEntry struct {
	Delta         int
	Reason        string
	ReferenceType string
	ReferenceID   string
}

type Result struct {
	State   State
	Outcome Outcome
	Reason  string
	Effects []Effect
	Journal []JournalEntry
}

// Changed reports whether the store has to persist State.
func (r Result) Changed() bool {
	return r.Outcome == OutcomeApplied
}

var errNilEvent = errors.New("entitlement: nil event")

// Apply computes the effect of ev on st. It never mutates its input; on any
// unmet precondition the result is Inconsistent and State is st unchanged.
func Apply(st State, ev payment.Event, plans PlanLookup, now time.Time) (Result, error) {
	if ev == nil {
		return Result{}, errNilEvent
	}
	a := applier{in: st, out: cloneState(st), ev: ev, plans: plans, now: now.UTC()}
	if _, unknown := ev.(payment.Unknown); !unknown && st.Entry.AccountID == "" {
		return a.inconsistent("%s %s matches no account", ev.EventType(), ev.EventID()), nil
	}
	switch e := ev.(type) {
	case payment.PaymentSucceeded:
		return a.paymentSucceeded(e), nil
	case payment.PaymentFailed:
		return a.paymentFailed(e), nil
	case payment.PaymentRefunded:
		return a.paymentRefunded(), nil
	case payment.SubscriptionCreated:
		return a.subscriptionCreated(e), nil
	case payment.SubscriptionCancelled:
		return a.subscriptionCancelled(e), nil
	case payment.SubscriptionRenewed:
		return a.subscriptionRenewed(e), nil
	case payment.Unknown:
		return Result{State: st, Outcome: OutcomeIgnored, Reason: "unhandled event type " + e.ProviderType}, nil
	default:
		return Result{}, fmt.Errorf("entitlement: unsupported event %T", ev)
	}
}

type applier struct {
	in, out State
	ev      payment.Event
	plans   PlanLookup
	now     time.Time
	journal []JournalEntry
	effects []Effect
}

func cloneState(st State) State {
	out := st
	if st.Purchase != nil {
		p := *st.Purchase
		out.Purchase = &p
	}
	if st.Entry.PlanID != nil {
		id := *st.Entry.PlanID
		out.Entry.PlanID = &id
	}
	return out
}

func (a *applier) inconsistent(format string, args ...any) Result {
	reason := fmt.Sprintf(format, args...)
	return Result{
		State:   a.in,
		Outcome: OutcomeInconsistent,
		Reason:  reason,
		Effects: []Effect{{
			Kind:      EffectInconsistent,
			AccountID: a.in.Entry.AccountID,
			EventID:   a.ev.EventID(),
			Reason:    reason,
		}},
	}
}

func (a *applier) noop(reason string) Result {
	return Result{State: a.in, Outcome: OutcomeNoop, Reason: reason}
}

func (a *applier) applied() Result {
	a.out.Entry.UpdatedAt = a.now
	if a.out.Purchase != nil {
		a.out.Purchase.UpdatedAt = a.now
	}
	for i := range a.effects {
		a.effects[i].Email = a.ev.Meta().Email
	}
	return Result{State: a.out, Outcome: OutcomeApplied, Effects: a.effects, Journal: a.journal}
}

func (a *applier) record(delta int, reason string) {
	a.journal = append(a.journal, JournalEntry{
		Delta:         delta,
		Reason:        reason,
		ReferenceType: models.ReferenceEvent,
		ReferenceID:   a.ev.EventID(),
	})
}

// purchase checks the shared preconditions of purchase-scoped events.
func (a *applier) purchase() (*models.PendingPurchase, models.PlanDefinition, *Result) {
	p := a.out.Purchase
	if p == nil {
		r := a.inconsistent("no matching purchase for %s", a.ev.EventType())
		return nil, models.PlanDefinition{}, &r
	}
	if acct := a.ev.Meta().AccountID; acct != "" && acct != p.AccountID {
		r := a.inconsistent("event account %s does not own purchase %s", acct, p.ID)
		return nil, models.PlanDefinition{}, &r
	}
	if p.AccountID != a.out.Entry.AccountID {
		r := a.inconsistent("purchase %s loaded against ledger of %s", p.ID, a.out.Entry.AccountID)
		return nil, models.PlanDefinition{}, &r
	}
	plan, err := a.plans.Lookup(p.PlanID)
	if err != nil {
		r := a.inconsistent("purchase %s references unknown plan %s", p.ID, p.PlanID)
		return nil, models.PlanDefinition{}, &r
	}
	return p, plan, nil
}

func (a *applier) paymentSucceeded(e payment.PaymentSucceeded) Result {
	p, plan, bad := a.purchase()
	if bad != nil {
		return *bad
	}
	switch p.Status {
	case models.PurchasePending:
	case models.PurchaseConfirmed:
		return a.noop("purchase " + p.ID + " already confirmed")
	default:
		return a.inconsistent("payment succeeded for purchase %s in status %s", p.ID, p.Status)
	}

	entry := &a.out.Entry
	p.Status = models.PurchaseConfirmed
	if e.ProviderReference != "" && p.ProviderReference == "" {
		p.ProviderReference = e.ProviderReference
	}
	reason := models.ReasonPurchaseGrant
	switch {
	case !plan.Recurring() && subscribed(*entry):
		// the subscription keeps the plan and period; the grant goes to extra credits or lifetime
	case plan.Recurring():
		setPlan(entry, plan.ID)
		reason = models.ReasonSubscriptionGrant
		start := a.now
		if e.PeriodStart != nil {
			start = e.PeriodStart.UTC()
		}
		end := NextPeriodEnd(plan.BillingPeriod, start)
		if e.PeriodEnd != nil {
			t := e.PeriodEnd.UTC()
			end = &t
		}
		entry.PeriodStart, entry.PeriodEnd = &start, end
		if e.SubscriptionRef != "" {
			entry.SubscriptionRef = e.SubscriptionRef
		}
	default:
		setPlan(entry, plan.ID)
		start := a.now
		entry.PeriodStart, entry.PeriodEnd = &start, nil
	}
	delta := Grant(entry, plan)
	a.record(delta, reason)
	a.effects = append(a.effects, Effect{
		Kind:       EffectPaymentConfirmed,
		AccountID:  entry.AccountID,
		PlanID:     plan.ID,
		PurchaseID: p.ID,
		EventID:    e.ID,
		Credits:    plan.Credits,
	})
	return a.applied()
}

// subscribed reports whether a subscription currently owns the entry's plan
// and period.
func subscribed(e models.LedgerEntry) bool {
	if e.SubscriptionRef == "" {
		return false
	}
	return e.Status == models.LedgerStatusActive || e.Status == models.LedgerStatusCancelled
}

func setPlan(e *models.LedgerEntry, planID string) {
	e.PlanID = &planID
	e.Status = models.LedgerStatusActive
}

func (a *applier) paymentFailed(e payment.PaymentFailed) Result {
	p, plan, bad := a.purchase()
	if bad != nil {
		return *bad
	}
	switch p.Status {
	case models.PurchasePending:
	case models.PurchaseFailed:
		return a.noop("purchase " + p.ID + " already failed")
	default:
		return a.inconsistent("payment failed for purchase %s in status %s", p.ID, p.Status)
	}
	p.Status = models.PurchaseFailed
	SettlePending(&a.out.Entry, a.out.OtherPending)
	a.effects = append(a.effects, Effect{
		Kind:       EffectPaymentFailed,
		AccountID:  p.AccountID,
		PlanID:     plan.ID,
		PurchaseID: p.ID,
		EventID:    e.ID,
		Reason:     e.Reason,
	})
	return a.applied()
}

func (a *applier) paymentRefunded() Result {
	p, plan, bad := a.purchase()
	if bad != nil {
		return *bad
	}
	switch p.Status {
	case models.PurchaseConfirmed:
	case models.PurchaseRefunded:
		return a.noop("purchase " + p.ID + " already refunded")
	default:
		return a.inconsistent("refund for purchase %s in status %s", p.ID, p.Status)
	}
	entry := &a.out.Entry
	p.Status = models.PurchaseRefunded
	delta := Revoke(entry, plan)
	a.record(delta, models.ReasonRefundRevoke)
	if entry.PlanID != nil && *entry.PlanID == plan.ID {
		EndPlan(entry, a.now)
	}
	a.effects = append(a.effects, Effect{
		Kind:       EffectPaymentRefunded,
		AccountID:  entry.AccountID,
		PlanID:     plan.ID,
		PurchaseID: p.ID,
		EventID:    a.ev.EventID(),
		Credits:    -delta,
	})
	return a.applied()
}

func (a *applier) subscriptionCreated(e payment.SubscriptionCreated) Result {
	entry := &a.out.Entry
	if entry.SubscriptionRef == e.SubscriptionRef {
		return a.noop("subscription " + e.SubscriptionRef + " already attached")
	}
	switch entry.Status {
	case models.LedgerStatusActive, models.LedgerStatusCancelled:
		// the paid confirmation carries the replacement reference
		return a.noop("subscription attaches on payment confirmation")
	}
	entry.SubscriptionRef = e.SubscriptionRef
	entry.Status = models.LedgerStatusPending
	return a.applied()
}

func (a *applier) subscriptionCancelled(e payment.SubscriptionCancelled) Result {
	entry := &a.out.Entry
	if entry.SubscriptionRef != e.SubscriptionRef {
		return a.inconsistent("subscription %s is not attached to account %s", e.SubscriptionRef, entry.AccountID)
	}
	switch entry.Status {
	case models.LedgerStatusActive:
	case models.LedgerStatusCancelled:
		return a.noop("subscription " + e.SubscriptionRef + " already cancelled")
	default:
		return a.inconsistent("cancel for subscription %s while ledger is %s", e.SubscriptionRef, entry.Status)
	}
	entry.Status = models.LedgerStatusCancelled
	if e.PeriodEnd != nil {
		t := e.PeriodEnd.UTC()
		entry.PeriodEnd = &t
	}
	planID := ""
	if entry.PlanID != nil {
		planID = *entry.PlanID
	}
	a.effects = append(a.effects, Effect{
		Kind:      EffectSubscriptionCancelled,
		AccountID: entry.AccountID,
		PlanID:    planID,
		EventID:   e.ID,
	})
	return a.applied()
}

func (a *applier) subscriptionRenewed(e payment.SubscriptionRenewed) Result {
	entry := &a.out.Entry
	if entry.SubscriptionRef != e.SubscriptionRef {
		return a.inconsistent("subscription %s is not attached to account %s", e.SubscriptionRef, entry.AccountID)
	}
	if entry.Status != models.LedgerStatusActive {
		return a.inconsistent("renewal for subscription %s while ledger is %s", e.SubscriptionRef, entry.Status)
	}
	if entry.PlanID == nil {
		return a.inconsistent("renewal for subscription %s without a plan", e.SubscriptionRef)
	}
	plan, err := a.plans.Lookup(*entry.PlanID)
	if err != nil || !plan.Recurring() {
		return a.inconsistent("renewal for non-recurring plan %s", *entry.PlanID)
	}

	start := a.now
	switch {
	case e.PeriodStart != nil:
		start = e.PeriodStart.UTC()
	case entry.PeriodEnd != nil:
		start = *entry.PeriodEnd
	}
	if entry.PeriodStart != nil && !start.After(*entry.PeriodStart) {
		return a.noop("period starting " + start.Format(time.RFC3339) + " already granted")
	}
	end := NextPeriodEnd(plan.BillingPeriod, start)
	if e.PeriodEnd != nil {
		t := e.PeriodEnd.UTC()
		end = &t
	}

	delta := ResetForPeriod(entry, plan)
	entry.PeriodStart, entry.PeriodEnd = &start, end
	a.record(delta, models.ReasonRenewalReset)
	a.effects = append(a.effects, Effect{
		Kind:      EffectSubscriptionRenewed,
		AccountID: entry.AccountID,
		PlanID:    plan.ID,
		EventID:   e.ID,
		Credits:   plan.Credits,
	})
	return a.applied()
}
