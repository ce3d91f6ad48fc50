package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Stripe drives Checkout Sessions through an explicitly constructed client.
// Callers bound each call with their context.
type Stripe struct {
	api           *client.API
	webhookSecret string
	currency      string
}

func NewStripe(secretKey, webhookSecret, currency string) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{
		api:           api,
		webhookSecret: webhookSecret,
		currency:      strings.ToLower(currency),
	}
}

func (s *Stripe) Name() string            { return "stripe" }
func (s *Stripe) SignatureHeader() string { return "Stripe-Signature" }

func (s *Stripe) Verify(payload []byte, signatureHeader string) error {
	if s.webhookSecret == "" || strings.TrimSpace(signatureHeader) == "" {
		return ErrInvalidSignature
	}
	if err := webhook.ValidatePayload(payload, signatureHeader, s.webhookSecret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	md := checkoutMetadata(req)
	currency := s.currency
	if currency == "" {
		currency = strings.ToLower(req.Plan.Currency)
	}
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(currency),
		UnitAmount: stripe.Int64(req.Plan.PriceCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(req.Plan.Name),
		},
	}
	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.PurchaseID),
		Metadata:          md,
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{PriceData: priceData, Quantity: stripe.Int64(1)},
		},
	}
	if req.Account.Email != "" {
		params.CustomerEmail = stripe.String(req.Account.Email)
	}
	if req.Plan.Recurring() {
		interval := "month"
		if req.Plan.BillingPeriod == "yearly" {
			interval = "year"
		}
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(interval),
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: md}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: md}
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + req.PurchaseID)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, stripeError(err)
	}
	return CheckoutSession{URL: sess.URL, Reference: sess.ID}, nil
}

// CancelSubscription schedules the cancellation for the end of the paid
// period. The ledger changes once customer.subscription.updated arrives.
func (s *Stripe) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	if subscriptionRef == "" {
		return ErrUnknownSubscription
	}
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	params.SetIdempotencyKey("cancel-" + subscriptionRef)
	if _, err := s.api.Subscriptions.Update(subscriptionRef, params); err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownSubscription, subscriptionRef)
		}
		return stripeError(err)
	}
	return nil
}

func stripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: stripe error: type=%s code=%s message=%s",
			ErrProviderUnavailable, stripeErr.Type, stripeErr.Code, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func (s *Stripe) Parse(payload []byte) (Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.ID == "" || ev.Type == "" || ev.Data == nil {
		return nil, fmt.Errorf("%w: id, type and data are required", ErrMalformedPayload)
	}
	base := Base{ID: ev.ID, ProviderType: string(ev.Type)}
	if ev.Created > 0 {
		base.OccurredAt = time.Unix(ev.Created, 0).UTC()
	}
	unknown := func() (Event, error) {
		b := base
		b.Type = string(ev.Type)
		return Unknown{Base: b, Raw: payload}, nil
	}

	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if sess.ClientReferenceID == "" && sess.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without reference", ErrMalformedPayload)
		}
		base.AccountID = sess.Metadata["account_id"]
		base.Email = firstNonEmpty(sess.CustomerEmail, sess.Metadata["account_email"])
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			base.Email = sess.CustomerDetails.Email
		}
		switch ev.Type {
		case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
			// delayed payment methods complete the session before funds arrive
			if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
				return unknown()
			}
			base.Type = TypePaymentSucceeded
			out := PaymentSucceeded{Base: base, PurchaseID: sess.ClientReferenceID, ProviderReference: sess.ID}
			if sess.Subscription != nil {
				out.SubscriptionRef = sess.Subscription.ID
			}
			return out, nil
		case stripe.EventTypeCheckoutSessionExpired:
			base.Type = TypePaymentFailed
			return PaymentFailed{Base: base, PurchaseID: sess.ClientReferenceID, ProviderReference: sess.ID, Reason: "checkout_expired"}, nil
		default:
			base.Type = TypePaymentFailed
			return PaymentFailed{Base: base, PurchaseID: sess.ClientReferenceID, ProviderReference: sess.ID, Reason: "async_payment_failed"}, nil
		}

	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription without id", ErrMalformedPayload)
		}
		base.AccountID = sub.Metadata["account_id"]
		base.Email = sub.Metadata["account_email"]
		var periodEnd *time.Time
		if sub.CurrentPeriodEnd > 0 {
			t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			periodEnd = &t
		}
		switch {
		case ev.Type == stripe.EventTypeCustomerSubscriptionCreated:
			base.Type = TypeSubscriptionCreated
			return SubscriptionCreated{Base: base, PurchaseID: sub.Metadata["purchase_id"], SubscriptionRef: sub.ID}, nil
		case ev.Type == stripe.EventTypeCustomerSubscriptionDeleted, sub.CancelAtPeriodEnd:
			base.Type = TypeSubscriptionCancelled
			return SubscriptionCancelled{Base: base, SubscriptionRef: sub.ID, PeriodEnd: periodEnd}, nil
		default:
			return unknown()
		}

	case stripe.EventTypeInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle || inv.Subscription == nil || inv.Subscription.ID == "" {
			return unknown()
		}
		base.Email = inv.CustomerEmail
		base.Type = TypeSubscriptionRenewed
		out := SubscriptionRenewed{Base: base, SubscriptionRef: inv.Subscription.ID}
		// invoice.period_* covers the period just billed in arrears; the new
		// service period is on the subscription line item
		if period := servicePeriod(inv); period != nil {
			start, end := time.Unix(period.Start, 0).UTC(), time.Unix(period.End, 0).UTC()
			out.PeriodStart, out.PeriodEnd = &start, &end
		}
		return out, nil

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		// partial refunds leave the grant in place
		purchaseID := ch.Metadata["purchase_id"]
		if !ch.Refunded || purchaseID == "" {
			return unknown()
		}
		base.AccountID = ch.Metadata["account_id"]
		base.Email = firstNonEmpty(ch.ReceiptEmail, ch.Metadata["account_email"])
		base.Type = TypePaymentRefunded
		return PaymentRefunded{Base: base, PurchaseID: purchaseID}, nil

	default:
		return unknown()
	}
}

func servicePeriod(inv stripe.Invoice) *stripe.Period {
	if inv.Lines == nil {
		return nil
	}
	for _, line := range inv.Lines.Data {
		if line == nil || line.Period == nil || line.Period.End <= line.Period.Start || line.Period.Start <= 0 {
			continue
		}
		if line.Type == stripe.InvoiceLineItemTypeSubscription {
			return line.Period
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Processor = (*Stripe)(nil)
