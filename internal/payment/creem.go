package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const creemSignatureHeader = "creem-signature"

// Creem talks to the Creem REST API and decodes its webhooks.
type Creem struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	verifier   HMACVerifier
}

func NewCreem(apiKey, baseURL, webhookSecret string, timeout time.Duration) *Creem {
	return &Creem{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		verifier:   HMACVerifier{Secret: webhookSecret},
	}
}

func (c *Creem) Name() string            { return "creem" }
func (c *Creem) SignatureHeader() string { return creemSignatureHeader }

func (c *Creem) Verify(payload []byte, signatureHeader string) error {
	return c.verifier.Verify(payload, signatureHeader)
}

type creemCheckoutRequest struct {
	ProductID  string            `json:"product_id"`
	RequestID  string            `json:"request_id"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	Recurring  string            `json:"billing_period,omitempty"`
	SuccessURL string            `json:"success_url,omitempty"`
	CancelURL  string            `json:"cancel_url,omitempty"`
	Customer   creemCustomer     `json:"customer"`
	Metadata   map[string]string `json:"metadata"`
}

type creemCustomer struct {
	Email string `json:"email,omitempty"`
}

type creemCheckoutResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

func (c *Creem) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if c.APIKey == "" {
		return CheckoutSession{}, fmt.Errorf("%w: creem api key not configured", ErrProviderUnavailable)
	}
	body := creemCheckoutRequest{
		ProductID:  req.Plan.ID,
		RequestID:  req.PurchaseID,
		Amount:     req.Plan.PriceCents,
		Currency:   req.Plan.Currency,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Customer:   creemCustomer{Email: req.Account.Email},
		Metadata:   checkoutMetadata(req),
	}
	if req.Plan.Recurring() {
		body.Recurring = req.Plan.BillingPeriod
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return CheckoutSession{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/checkouts", bytes.NewReader(buf))
	if err != nil {
		return CheckoutSession{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CheckoutSession{}, fmt.Errorf("%w: creem checkout failed: status=%d body=%s", ErrProviderUnavailable, resp.StatusCode, string(respBody))
	}
	var out creemCheckoutResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: decode creem response: %v", ErrProviderUnavailable, err)
	}
	if out.ID == "" || out.CheckoutURL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: creem response missing checkout url", ErrProviderUnavailable)
	}
	return CheckoutSession{URL: out.CheckoutURL, Reference: out.ID}, nil
}

// CancelSubscription cancels at the end of the current period through
// POST /subscriptions/{id}/cancel.
func (c *Creem) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: creem api key not configured", ErrProviderUnavailable)
	}
	if subscriptionRef == "" {
		return ErrUnknownSubscription
	}
	endpoint := c.BaseURL + "/subscriptions/" + url.PathEscape(subscriptionRef) + "/cancel"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, subscriptionRef)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: creem cancel failed: status=%d body=%s", ErrProviderUnavailable, resp.StatusCode, string(respBody))
	}
	return nil
}

type creemEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt *time.Time      `json:"created_at"`
	Data      *creemEventData `json:"data"`
}

type creemEventData struct {
	PurchaseID     string     `json:"purchase_id"`
	Reference      string     `json:"reference"`
	AccountID      string     `json:"account_id"`
	CustomerEmail  string     `json:"customer_email"`
	SubscriptionID string     `json:"subscription_id"`
	Reason         string     `json:"reason"`
	PeriodStart    *time.Time `json:"period_start"`
	PeriodEnd      *time.Time `json:"period_end"`
}

func (c *Creem) Parse(payload []byte) (Event, error) {
	var raw creemEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrMalformedPayload)
	}
	base := Base{ID: raw.ID, Type: raw.Type, ProviderType: raw.Type}
	if raw.CreatedAt != nil {
		base.OccurredAt = raw.CreatedAt.UTC()
	}
	data := raw.Data
	if data == nil {
		data = &creemEventData{}
	}
	base.AccountID = data.AccountID
	base.Email = data.CustomerEmail

	needPurchase := func() error {
		if data.PurchaseID == "" && data.Reference == "" {
			return fmt.Errorf("%w: %s requires purchase_id or reference", ErrMalformedPayload, raw.Type)
		}
		return nil
	}
	needSubscription := func() error {
		if data.SubscriptionID == "" {
			return fmt.Errorf("%w: %s requires subscription_id", ErrMalformedPayload, raw.Type)
		}
		return nil
	}

	switch raw.Type {
	case TypePaymentSucceeded:
		if err := needPurchase(); err != nil {
			return nil, err
		}
		return PaymentSucceeded{Base: base, PurchaseID: data.PurchaseID, ProviderReference: data.Reference,
			SubscriptionRef: data.SubscriptionID, PeriodStart: data.PeriodStart, PeriodEnd: data.PeriodEnd}, nil
	case TypePaymentFailed:
		if err := needPurchase(); err != nil {
			return nil, err
		}
		return PaymentFailed{Base: base, PurchaseID: data.PurchaseID, ProviderReference: data.Reference, Reason: data.Reason}, nil
	case TypePaymentRefunded:
		if err := needPurchase(); err != nil {
			return nil, err
		}
		return PaymentRefunded{Base: base, PurchaseID: data.PurchaseID, ProviderReference: data.Reference}, nil
	case TypeSubscriptionCreated:
		if err := needSubscription(); err != nil {
			return nil, err
		}
		return SubscriptionCreated{Base: base, PurchaseID: data.PurchaseID, SubscriptionRef: data.SubscriptionID}, nil
	case TypeSubscriptionCancelled:
		if err := needSubscription(); err != nil {
			return nil, err
		}
		return SubscriptionCancelled{Base: base, SubscriptionRef: data.SubscriptionID, PeriodEnd: data.PeriodEnd}, nil
	case TypeSubscriptionRenewed:
		if err := needSubscription(); err != nil {
			return nil, err
		}
		return SubscriptionRenewed{Base: base, SubscriptionRef: data.SubscriptionID, PeriodStart: data.PeriodStart, PeriodEnd: data.PeriodEnd}, nil
	default:
		return Unknown{Base: base, Raw: payload}, nil
	}
}

var _ Processor = (*Creem)(nil)

// errNoProcessor is returned by Noop for every call.
var errNoProcessor = errors.New("no payment processor configured")

// Noop rejects every call; it backs deployments without payment credentials.
type Noop struct{}

func (Noop) Name() string            { return "none" }
func (Noop) SignatureHeader() string { return creemSignatureHeader }
func (Noop) Verify([]byte, string) error {
	return ErrInvalidSignature
}
func (Noop) Parse([]byte) (Event, error) {
	return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, errNoProcessor)
}
func (Noop) CreateCheckout(context.Context, CheckoutRequest) (CheckoutSession, error) {
	return CheckoutSession{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, errNoProcessor)
}
func (Noop) CancelSubscription(context.Context, string) error {
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, errNoProcessor)
}
