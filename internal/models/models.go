package models

import "time"

// Account is a foreign reference to a user owned by the identity provider.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// UnlimitedCredits marks a plan whose grant has no upper bound.
const UnlimitedCredits = -1

type PlanDefinition struct {
	ID            string `json:"id" validate:"required,max=64"`
	Name          string `json:"name" validate:"required"`
	PriceCents    int64  `json:"price_cents" validate:"gte=0"`
	Currency      string `json:"currency" validate:"required,len=3"`
	BillingPeriod string `json:"billing_period" validate:"required,oneof=monthly yearly lifetime"`
	Credits       int    `json:"credits" validate:"gte=-1"`
}

func (p PlanDefinition) Unlimited() bool {
	return p.Credits == UnlimitedCredits
}

func (p PlanDefinition) Recurring() bool {
	return p.BillingPeriod == BillingMonthly || p.BillingPeriod == BillingYearly
}

type LedgerEntry struct {
	AccountID        string     `json:"account_id"`
	TotalCredits     int        `json:"total_credits"`
	UsedCredits      int        `json:"used_credits"`
	RemainingCredits int        `json:"remaining_credits"`
	Unlimited        bool       `json:"unlimited"`
	// ExtraCredits is the part of the balance bought once or credited by an
	// operator. It survives renewals and lapses and is spent last.
	ExtraCredits     int        `json:"extra_credits"`
	// Lifetime is set while a one-time unlimited purchase is in force.
	Lifetime         bool       `json:"lifetime"`
	PlanID           *string    `json:"plan_id"`
	Status           string     `json:"status"`
	SubscriptionRef  string     `json:"subscription_ref,omitempty"`
	PeriodStart      *time.Time `json:"period_start"`
	PeriodEnd        *time.Time `json:"period_end"`
	FlaggedAt        *time.Time `json:"flagged_at,omitempty"`
	FlagReason       string     `json:"flag_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type PendingPurchase struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	PlanID            string    `json:"plan_id"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PaymentEvent is the audit record of one inbound processor notification.
// Payload, Signature, Type and ReceivedAt never change after the first insert.
type PaymentEvent struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Type       string     `json:"type"`
	AccountID  string     `json:"account_id,omitempty"`
	Payload    []byte     `json:"-"`
	Signature  string     `json:"-"`
	ReceivedAt time.Time  `json:"received_at"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
}

type CreditTransaction struct {
	ID            int64     `json:"id"`
	AccountID     string    `json:"account_id"`
	Delta         int       `json:"delta"`
	Reason        string    `json:"reason"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	BillingMonthly  = "monthly"
	BillingYearly   = "yearly"
	BillingLifetime = "lifetime"
)

const (
	LedgerStatusNone      = "none"
	LedgerStatusPending   = "pending"
	LedgerStatusActive    = "active"
	LedgerStatusCancelled = "cancelled"
	LedgerStatusExpired   = "expired"
)

const (
	PurchasePending   = "pending"
	PurchaseConfirmed = "confirmed"
	PurchaseFailed    = "failed"
	PurchaseExpired   = "expired"
	PurchaseRefunded  = "refunded"
)

const (
	EventReceived     = "received"
	EventApplied      = "applied"
	EventIgnored      = "ignored"
	EventInconsistent = "inconsistent"
	EventFailed       = "failed"
)

const (
	ReasonFreeGrant         = "free_grant"
	ReasonPurchaseGrant     = "purchase_grant"
	ReasonSubscriptionGrant = "subscription_grant"
	ReasonRenewalReset      = "renewal_reset"
	ReasonRefundRevoke      = "refund_revoke"
	ReasonUsage             = "usage"
	ReasonPeriodExpiry      = "period_expiry"
	ReasonManualCredit      = "manual_credit"
)

const (
	ReferencePlan     = "plan"
	ReferencePurchase = "purchase"
	ReferenceEvent    = "payment_event"
	ReferenceUsage    = "usage"
	ReferenceSweep    = "reconcile"
	ReferenceOperator = "operator"
)

// Settled reports whether an event no longer needs processing.
func (e PaymentEvent) Settled() bool {
	switch e.Status {
	case EventApplied, EventIgnored, EventInconsistent:
		return true
	default:
		return false
	}
}

// Recompute restores the remaining = total - used invariant. Plan credits are
// spent before extra credits, so ExtraCredits is capped at the balance.
func (e *LedgerEntry) Recompute() {
	e.RemainingCredits = e.TotalCredits - e.UsedCredits
	if e.ExtraCredits > e.RemainingCredits {
		e.ExtraCredits = max(e.RemainingCredits, 0)
	}
}

// NewLedgerEntry returns the zero-value free tier entry for an account.
func NewLedgerEntry(accountID string, now time.Time) LedgerEntry {
	return LedgerEntry{
		AccountID: accountID,
		Status:    LedgerStatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
