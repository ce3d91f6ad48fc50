// Package notify delivers the side effects of committed ledger changes:
// receipts and failure notices to the payer, alerts to the operator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"

	"sketchcredits/internal/entitlement"
)

// Notifier is called after the ledger change behind effects has committed.
// Errors are reported but never undo that change.
type Notifier interface {
	Notify(ctx context.Context, effects []entitlement.Effect) error
}

type Noop struct{}

func (Noop) Notify(context.Context, []entitlement.Effect) error { return nil }

// Sender is the mail transport; ResendClient implements it.
type Sender interface {
	SendEmail(ctx context.Context, fromEmail, to, subject, htmlContent string) error
}

// EmailNotifier turns effects into mail. Payer mail goes to the address the
// processor reported; inconsistencies go to the operator.
type EmailNotifier struct {
	sender   Sender
	from     string
	operator string
}

func NewEmailNotifier(sender Sender, from, operator string) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: from, operator: operator}
}

func (n *EmailNotifier) Notify(ctx context.Context, effects []entitlement.Effect) error {
	var errs []error
	for _, e := range effects {
		to, subject, body, ok := n.render(e)
		if !ok {
			continue
		}
		if to == "" {
			log.Printf("[WARN] notify: no recipient for %s on account %s (event %s)", e.Kind, e.AccountID, e.EventID)
			continue
		}
		if err := n.sender.SendEmail(ctx, n.from, to, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("notify %s for event %s: %w", e.Kind, e.EventID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *EmailNotifier) render(e entitlement.Effect) (to, subject, body string, ok bool) {
	switch e.Kind {
	case entitlement.EffectPaymentConfirmed:
		credits := fmt.Sprintf("%d credits have been added to your account.", e.Credits)
		if e.Credits < 0 {
			credits = "Your account now has unlimited generations."
		}
		return e.Email, "Your purchase is confirmed",
			page("Thank you for your purchase", "Plan "+e.PlanID+" is now active. "+credits), true
	case entitlement.EffectPaymentFailed:
		return e.Email, "Your payment did not go through",
			page("Payment not completed", "We could not complete your purchase of plan "+e.PlanID+". No credits were charged. You can try again from the pricing page."), true
	case entitlement.EffectPaymentRefunded:
		return e.Email, "Your refund has been processed",
			page("Refund processed", "Your payment for plan "+e.PlanID+" was refunded and the related credits were removed."), true
	case entitlement.EffectSubscriptionCancelled:
		return e.Email, "Your subscription was cancelled",
			page("Subscription cancelled", "Your remaining credits stay available until the end of the current billing period."), true
	case entitlement.EffectInconsistent:
		return n.operator, "[sketchcredits] payment event needs review",
			page("Inconsistent payment event", fmt.Sprintf("Event %s for account %s was not applied: %s", e.EventID, e.AccountID, e.Reason)), true
	default:
		return "", "", "", false
	}
}

func page(title, text string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%[1]s</title></head>
<body style="margin: 0; padding: 40px; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <div style="max-width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px; padding: 40px;">
        <h1 style="margin: 0 0 20px 0; color: #333333; font-size: 24px;">%[1]s</h1>
        <p style="margin: 0; color: #666666; font-size: 16px; line-height: 1.5;">%[2]s</p>
    </div>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(text))
}

var (
	_ Notifier = Noop{}
	_ Notifier = (*EmailNotifier)(nil)
	_ Sender   = (*ResendClient)(nil)
)
