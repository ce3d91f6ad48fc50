package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"sketchcredits/internal/models"
)

var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrUnknownSubscription = errors.New("subscription unknown to payment provider")
)

type CheckoutRequest struct {
	Plan       models.PlanDefinition
	Account    models.Account
	PurchaseID string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type CheckoutSession struct {
	URL       string
	Reference string
}

// CheckoutCreator starts a purchase flow at the processor.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// Verifier authenticates a raw webhook body before anything parses it.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) error
}

// SubscriptionCanceller asks the processor to stop renewing a subscription.
// The ledger only changes when the processor confirms it with a webhook.
type SubscriptionCanceller interface {
	CancelSubscription(ctx context.Context, subscriptionRef string) error
}

type Parser interface {
	Parse(payload []byte) (Event, error)
}

// Processor is everything the service needs from one payment processor.
type Processor interface {
	CheckoutCreator
	SubscriptionCanceller
	Verifier
	Parser
	Name() string
	SignatureHeader() string
}

// HMACVerifier checks a hex-encoded HMAC-SHA256 of the raw body.
type HMACVerifier struct {
	Secret string
}

func (v HMACVerifier) Verify(payload []byte, signatureHeader string) error {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(v.Secret)
	if sig == "" || secret == "" {
		return ErrInvalidSignature
	}
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(Sign(payload, secret), decoded) {
		return ErrInvalidSignature
	}
	return nil
}

func Sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func SignHex(payload []byte, secret string) string {
	return hex.EncodeToString(Sign(payload, secret))
}

func checkoutMetadata(req CheckoutRequest) map[string]string {
	md := map[string]string{
		"purchase_id": req.PurchaseID,
		"account_id":  req.Account.ID,
		"plan_id":     req.Plan.ID,
	}
	if req.Account.Email != "" {
		md["account_email"] = req.Account.Email
	}
	for k, v := range req.Metadata {
		md[k] = v
	}
	return md
}
