// Package payment models payment-processor notifications and the outbound
// checkout capability. Each processor adapter translates its own wire format
// into the closed Event variant defined here.
package payment

import (
	"errors"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Canonical event types. Processor-specific names are kept in Base.ProviderType.
const (
	TypePaymentSucceeded      = "payment.succeeded"
	TypePaymentFailed         = "payment.failed"
	TypePaymentRefunded       = "payment.refunded"
	TypeSubscriptionCreated   = "subscription.created"
	TypeSubscriptionCancelled = "subscription.cancelled"
	TypeSubscriptionRenewed   = "subscription.renewed"
)

// Event is implemented only by the types in this file.
type Event interface {
	EventID() string
	EventType() string
	Meta() Base
	isEvent()
}

type Base struct {
	ID           string
	Type         string
	ProviderType string
	OccurredAt   time.Time
	AccountID    string
	// Email is the payer's address when the processor reports one.
	Email string
}

func (b Base) EventID() string   { return b.ID }
func (b Base) EventType() string { return b.Type }
func (b Base) Meta() Base        { return b }

type PaymentSucceeded struct {
	Base
	PurchaseID        string
	ProviderReference string
	SubscriptionRef   string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
}

type PaymentFailed struct {
	Base
	PurchaseID        string
	ProviderReference string
	Reason            string
}

type PaymentRefunded struct {
	Base
	PurchaseID        string
	ProviderReference string
}

type SubscriptionCreated struct {
	Base
	PurchaseID      string
	SubscriptionRef string
}

type SubscriptionCancelled struct {
	Base
	SubscriptionRef string
	PeriodEnd       *time.Time
}

type SubscriptionRenewed struct {
	Base
	SubscriptionRef string
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
}

// Unknown carries any event type this service does not act on.
type Unknown struct {
	Base
	Raw []byte
}

func (PaymentSucceeded) isEvent()      {}
func (PaymentFailed) isEvent()         {}
func (PaymentRefunded) isEvent()       {}
func (SubscriptionCreated) isEvent()   {}
func (SubscriptionCancelled) isEvent() {}
func (SubscriptionRenewed) isEvent()   {}
func (Unknown) isEvent()               {}

// Target lists the identifiers an event carries for locating local state.
type Target struct {
	PurchaseID        string
	ProviderReference string
	SubscriptionRef   string
	AccountID         string
}

func TargetOf(ev Event) Target {
	t := Target{AccountID: ev.Meta().AccountID}
	switch e := ev.(type) {
	case PaymentSucceeded:
		t.PurchaseID, t.ProviderReference, t.SubscriptionRef = e.PurchaseID, e.ProviderReference, e.SubscriptionRef
	case PaymentFailed:
		t.PurchaseID, t.ProviderReference = e.PurchaseID, e.ProviderReference
	case PaymentRefunded:
		t.PurchaseID, t.ProviderReference = e.PurchaseID, e.ProviderReference
	case SubscriptionCreated:
		t.PurchaseID, t.SubscriptionRef = e.PurchaseID, e.SubscriptionRef
	case SubscriptionCancelled:
		t.SubscriptionRef = e.SubscriptionRef
	case SubscriptionRenewed:
		t.SubscriptionRef = e.SubscriptionRef
	}
	return t
}
