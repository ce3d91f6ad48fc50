package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sketchcredits/internal/catalog"
	"sketchcredits/internal/config"
	"sketchcredits/internal/entitlement"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/store"
	"sketchcredits/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test"

type fakeProcessor struct {
	*payment.Creem
	mu        sync.Mutex
	calls     []payment.CheckoutRequest
	err       error
	cancelled []string
	cancelErr error
}

func (f *fakeProcessor) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return payment.CheckoutSession{}, f.err
	}
	return payment.CheckoutSession{URL: "https://pay.example/" + req.PurchaseID, Reference: "ch_" + req.PurchaseID}, nil
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, ref)
	return nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu      sync.Mutex
	effects []entitlement.Effect
}

func (r *recordingNotifier) Notify(_ context.Context, effects []entitlement.Effect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, effects...)
	return nil
}

func (r *recordingNotifier) kinds() []entitlement.EffectKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entitlement.EffectKind, 0, len(r.effects))
	for _, e := range r.effects {
		out = append(out, e.Kind)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc      *Service
	store    *memory.Store
	proc     *fakeProcessor
	notifier *recordingNotifier
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	plans, err := catalog.Load(nil, nil)
	require.NoError(t, err)

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New()
	st.Now = c.Now
	proc := &fakeProcessor{Creem: payment.NewCreem("", "", webhookSecret, time.Second)}
	notifier := &recordingNotifier{}

	svc := New(st, plans, proc, config.Config{
		ProviderTimeout:      time.Second,
		PendingPurchaseTTL:   24 * time.Hour,
		CreditsPerGeneration: 2,
		CheckoutSuccessURL:   "https://app.example/success",
		CheckoutCancelURL:    "https://app.example/cancel",
	})
	svc.Notifier = notifier
	svc.Now = c.Now
	return &harness{svc: svc, store: st, proc: proc, notifier: notifier, clock: c}
}

func (h *harness) deliver(t *testing.T, body string) (Receipt, error) {
	t.Helper()
	return h.svc.Receive(context.Background(), []byte(body), payment.SignHex([]byte(body), webhookSecret))
}

func succeededEvent(eventID, purchaseID, accountID string) string {
	return fmt.Sprintf(`{"id":%q,"type":"payment.succeeded","data":{"purchase_id":%q,"account_id":%q,"customer_email":"buyer@example.com"}}`,
		eventID, purchaseID, accountID)
}

var alice = models.Account{ID: "acct_alice", Email: "alice@example.com"}

func TestFreeTierSignup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	co, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)
	require.True(t, co.Free)
	require.NotNil(t, co.Entry)
	assert.Equal(t, 10, co.Entry.TotalCredits)
	assert.Equal(t, 0, co.Entry.UsedCredits)
	assert.Equal(t, 10, co.Entry.RemainingCredits)

	purchases, err := h.svc.ListPurchases(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, purchases)
	assert.Zero(t, h.proc.callCount())

	again, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)
	assert.Equal(t, 10, again.Entry.TotalCredits)
}

func TestPaidPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	co, err := h.svc.InitiateCheckout(ctx, alice, "pro")
	require.NoError(t, err)
	assert.False(t, co.Free)
	assert.Equal(t, "https://pay.example/"+co.PurchaseID, co.CheckoutURL)
	require.Equal(t, 1, h.proc.callCount())
	assert.Equal(t, "https://app.example/success", h.proc.calls[0].SuccessURL)

	p, err := h.store.GetPendingPurchase(ctx, co.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, p.Status)
	assert.Equal(t, "ch_"+co.PurchaseID, p.ProviderReference)
	assert.Equal(t, int64(999), p.AmountCents)

	receipt, err := h.deliver(t, succeededEvent("evt_paid", co.PurchaseID, alice.ID))
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)
	assert.Equal(t, models.EventApplied, receipt.Status)

	p, err = h.store.GetPendingPurchase(ctx, co.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseConfirmed, p.Status)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 150, entry.TotalCredits)
	assert.Equal(t, models.LedgerStatusActive, entry.Status)
	require.NotNil(t, entry.PlanID)
	assert.Equal(t, "pro", *entry.PlanID)

	require.Len(t, h.notifier.effects, 1)
	assert.Equal(t, entitlement.EffectPaymentConfirmed, h.notifier.effects[0].Kind)
	assert.Equal(t, "buyer@example.com", h.notifier.effects[0].Email)
}

func TestDuplicateWebhookCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	co, err := h.svc.InitiateCheckout(ctx, alice, "pro")
	require.NoError(t, err)
	body := succeededEvent("evt_dup", co.PurchaseID, alice.ID)

	first, err := h.deliver(t, body)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.deliver(t, body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, models.EventApplied, second.Status)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 150, entry.TotalCredits)
	assert.Len(t, h.notifier.effects, 1)

	txs, err := h.svc.ListTransactions(ctx, alice, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestUnmatchedWebhookFlagsAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)

	receipt, err := h.deliver(t, succeededEvent("evt_orphan", "purchase_gone", alice.ID))
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeInconsistent, receipt.Outcome)
	assert.Equal(t, models.EventInconsistent, receipt.Status)
	assert.NotEmpty(t, receipt.Reason)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 10, entry.TotalCredits)
	assert.NotNil(t, entry.FlaggedAt)

	flagged, err := h.svc.ListInconsistencies(ctx)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, alice.ID, flagged[0].AccountID)
	assert.Equal(t, []entitlement.EffectKind{entitlement.EffectInconsistent}, h.notifier.kinds())

	// redelivery is settled, not re-flagged
	again, err := h.deliver(t, succeededEvent("evt_orphan", "purchase_gone", alice.ID))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	require.NoError(t, h.svc.ClearInconsistency(ctx, alice.ID))
	flagged, err = h.svc.ListInconsistencies(ctx)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestPaymentFailedNeverGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	co, err := h.svc.InitiateCheckout(ctx, alice, "max")
	require.NoError(t, err)
	body := fmt.Sprintf(`{"id":"evt_fail","type":"payment.failed","data":{"purchase_id":%q,"reason":"card_declined"}}`, co.PurchaseID)
	receipt, err := h.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)

	p, err := h.store.GetPendingPurchase(ctx, co.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseFailed, p.Status)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, entry.TotalCredits)
	assert.Equal(t, models.LedgerStatusNone, entry.Status)

	// a late success for the failed purchase must not grant either
	receipt, err = h.deliver(t, succeededEvent("evt_late", co.PurchaseID, alice.ID))
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeInconsistent, receipt.Outcome)
	entry, err = h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, entry.TotalCredits)
}

func TestCheckoutProviderFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.proc.err = errors.New("connection reset")
	ctx := context.Background()

	_, err := h.svc.InitiateCheckout(ctx, alice, "pro")
	require.ErrorIs(t, err, ErrProviderUnavailable)

	purchases, err := h.svc.ListPurchases(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, purchases)
	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusNone, entry.Status)
}

func TestCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.InitiateCheckout(ctx, models.Account{}, "pro")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = h.svc.InitiateCheckout(ctx, alice, "enterprise")
	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.Zero(t, h.proc.callCount())
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := []byte(succeededEvent("evt_forged", "p1", alice.ID))

	_, err := h.svc.Receive(ctx, body, payment.SignHex(body, "not-the-secret"))
	require.ErrorIs(t, err, ErrInvalidSignature)
	_, err = h.svc.Receive(ctx, body, "")
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = h.store.GetPaymentEvent(ctx, "evt_forged")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReceiveMalformedPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.deliver(t, `{"type":"payment.succeeded"}`)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = h.deliver(t, `not json`)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestUnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt, err := h.deliver(t, `{"id":"evt_misc","type":"customer.updated","data":{}}`)
	require.NoError(t, err)
	assert.Equal(t, models.EventIgnored, receipt.Status)

	ev, err := h.store.GetPaymentEvent(ctx, "evt_misc")
	require.NoError(t, err)
	assert.Equal(t, models.EventIgnored, ev.Status)
	assert.Empty(t, h.notifier.effects)
}

func TestSubscriptionCancelAndLapse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	co, err := h.svc.InitiateCheckout(ctx, alice, "pro")
	require.NoError(t, err)
	body := fmt.Sprintf(`{"id":"evt_sub","type":"payment.succeeded","data":{"purchase_id":%q,"subscription_id":"sub_1"}}`, co.PurchaseID)
	_, err = h.deliver(t, body)
	require.NoError(t, err)
	_, err = h.svc.ConsumeCredits(ctx, alice.ID, 20, "gen_1")
	require.NoError(t, err)

	periodEnd := h.clock.Now().Add(10 * 24 * time.Hour).Format(time.RFC3339)
	receipt, err := h.deliver(t, fmt.Sprintf(`{"id":"evt_cancel","type":"subscription.cancelled","data":{"subscription_id":"sub_1","period_end":%q}}`, periodEnd))
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCancelled, entry.Status)
	assert.Equal(t, 130, entry.RemainingCredits)

	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredEntries)

	h.clock.Advance(11 * 24 * time.Hour)
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredEntries)

	entry, err = h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusExpired, entry.Status)
	assert.Zero(t, entry.RemainingCredits)
}

func subscribe(t *testing.T, h *harness, planID, subRef string) {
	t.Helper()
	co, err := h.svc.InitiateCheckout(context.Background(), alice, planID)
	require.NoError(t, err)
	body := fmt.Sprintf(`{"id":"evt_%s","type":"payment.succeeded","data":{"purchase_id":%q,"subscription_id":%q}}`, co.PurchaseID, co.PurchaseID, subRef)
	receipt, err := h.deliver(t, body)
	require.NoError(t, err)
	require.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)
}

func TestLifetimePurchaseOutlivesSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	subscribe(t, h, "pro", "sub_1")
	co, err := h.svc.InitiateCheckout(ctx, alice, "lifetime")
	require.NoError(t, err)
	receipt, err := h.deliver(t, succeededEvent("evt_lifetime", co.PurchaseID, alice.ID))
	require.NoError(t, err)
	require.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, entry.PlanID)
	assert.Equal(t, "pro", *entry.PlanID, "one-time purchase must not replace the subscription plan")
	assert.Equal(t, "sub_1", entry.SubscriptionRef)
	require.NotNil(t, entry.PeriodEnd)
	assert.True(t, entry.Unlimited)
	assert.True(t, entry.Lifetime)

	renewal := fmt.Sprintf(`{"id":"evt_renew","type":"subscription.renewed","data":{"subscription_id":"sub_1","period_start":%q,"period_end":%q}}`,
		entry.PeriodEnd.Format(time.RFC3339), entry.PeriodEnd.AddDate(0, 1, 0).Format(time.RFC3339))
	receipt, err = h.deliver(t, renewal)
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)

	periodEnd := h.clock.Now().Add(24 * time.Hour).Format(time.RFC3339)
	receipt, err = h.deliver(t, fmt.Sprintf(`{"id":"evt_cancel","type":"subscription.cancelled","data":{"subscription_id":"sub_1","period_end":%q}}`, periodEnd))
	require.NoError(t, err)
	require.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)

	h.clock.Advance(48 * time.Hour)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredEntries)

	entry, err = h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusActive, entry.Status)
	assert.True(t, entry.Unlimited)
	assert.True(t, entry.Lifetime)
	assert.Nil(t, entry.PlanID)
	assert.Empty(t, entry.SubscriptionRef)

	_, err = h.svc.ConsumeCredits(ctx, alice.ID, 40, "gen_after_lapse")
	require.NoError(t, err)

	sub, err := h.svc.GetSubscription(ctx, alice)
	require.NoError(t, err)
	assert.True(t, sub.Lifetime)
	assert.Empty(t, sub.Reference)
}

func TestFreeTierRenewsEachPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)
	_, err = h.svc.ConsumeCredits(ctx, alice.ID, 6, "gen_march")
	require.NoError(t, err)

	// asking again inside the same month changes nothing
	co, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)
	assert.Equal(t, 4, co.Entry.RemainingCredits)

	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RenewedFree)

	h.clock.Advance(31 * 24 * time.Hour)
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RenewedFree)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 10, entry.RemainingCredits)
	assert.Equal(t, 0, entry.UsedCredits)
	require.NotNil(t, entry.PeriodStart)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), entry.PeriodStart.UTC())

	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RenewedFree)

	// a user who skips the sweep still gets the month's allowance on request
	_, err = h.svc.ConsumeCredits(ctx, alice.ID, 10, "gen_april")
	require.NoError(t, err)
	h.clock.Advance(30 * 24 * time.Hour)
	co, err = h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)
	assert.Equal(t, 10, co.Entry.RemainingCredits)
	require.NotNil(t, co.Entry.PeriodStart)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), co.Entry.PeriodStart.UTC())
}

func TestFreeTierSkipsPaidAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	subscribe(t, h, "pro", "sub_1")
	co, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)
	assert.Equal(t, 150, co.Entry.RemainingCredits)
	require.NotNil(t, co.Entry.PlanID)
	assert.Equal(t, "pro", *co.Entry.PlanID)

	h.clock.Advance(40 * 24 * time.Hour)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RenewedFree)
}

func TestCancelSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CancelSubscription(ctx, alice)
	assert.ErrorIs(t, err, ErrNoSubscription)
	_, err = h.svc.CancelSubscription(ctx, models.Account{})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	subscribe(t, h, "pro", "sub_1")
	sub, err := h.svc.CancelSubscription(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.Reference)
	assert.Equal(t, models.LedgerStatusActive, sub.Status, "status changes when the processor confirms")
	assert.Equal(t, []string{"sub_1"}, h.proc.cancelled)

	periodEnd := h.clock.Now().Add(10 * 24 * time.Hour).Format(time.RFC3339)
	_, err = h.deliver(t, fmt.Sprintf(`{"id":"evt_cancel","type":"subscription.cancelled","data":{"subscription_id":"sub_1","period_end":%q}}`, periodEnd))
	require.NoError(t, err)

	sub, err = h.svc.CancelSubscription(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCancelled, sub.Status)
	assert.Len(t, h.proc.cancelled, 1, "an already cancelled subscription is not sent again")

	got, err := h.svc.GetSubscription(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, sub, got)
}

func TestCancelSubscriptionProviderErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	subscribe(t, h, "pro", "sub_1")

	h.proc.cancelErr = fmt.Errorf("%w: 502", payment.ErrProviderUnavailable)
	_, err := h.svc.CancelSubscription(ctx, alice)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	h.proc.cancelErr = errors.New("connection reset")
	_, err = h.svc.CancelSubscription(ctx, alice)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	h.proc.cancelErr = payment.ErrUnknownSubscription
	_, err = h.svc.CancelSubscription(ctx, alice)
	assert.ErrorIs(t, err, ErrNoSubscription)

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusActive, entry.Status)
}

func TestReconcileExpiresStalePurchases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	co, err := h.svc.InitiateCheckout(ctx, alice, "pro")
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredPurchases)

	p, err := h.store.GetPendingPurchase(ctx, co.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseExpired, p.Status)

	// the processor confirming an expired purchase is an inconsistency, not a grant
	receipt, err := h.deliver(t, succeededEvent("evt_after_expiry", co.PurchaseID, alice.ID))
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeInconsistent, receipt.Outcome)
	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, entry.TotalCredits)
	assert.NotNil(t, entry.FlaggedAt)
}

func TestConsumeCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)

	entry, err := h.svc.ConsumeCredits(ctx, alice.ID, 4, "req_1")
	require.NoError(t, err)
	assert.Equal(t, 6, entry.RemainingCredits)

	_, err = h.svc.ConsumeCredits(ctx, alice.ID, 4, "req_1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	_, err = h.svc.ConsumeCredits(ctx, alice.ID, 7, "req_2")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	_, err = h.svc.ConsumeCredits(ctx, alice.ID, 0, "req_3")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.ConsumeCredits(ctx, "", 1, "req_4")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	entry, err = h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 6, entry.RemainingCredits)
	assert.Equal(t, 4, entry.UsedCredits)
}

func TestChargeGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.InitiateCheckout(ctx, alice, "starter")
	require.NoError(t, err)

	gen, err := h.svc.ChargeGeneration(ctx, alice, "pencil", "gen_1")
	require.NoError(t, err)
	assert.Equal(t, 2, gen.CreditsCharged)
	assert.Equal(t, 8, gen.Entry.RemainingCredits)

	_, err = h.svc.ChargeGeneration(ctx, alice, "", "gen_2")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.ChargeGeneration(ctx, models.Account{}, "pencil", "gen_3")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

type flakyStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) ApplyEvent(ctx context.Context, rec models.PaymentEvent, target payment.Target, fn store.ApplyFunc) (store.ApplyResult, error) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		fn = func(entitlement.State) (entitlement.Result, error) {
			return entitlement.Result{}, errors.New("ledger unavailable")
		}
	}
	return f.Store.ApplyEvent(ctx, rec, target, fn)
}

func TestFailedEventRecordedAndReplayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: h.store, fails: 1}
	h.svc.store = flaky

	co, err := h.svc.InitiateCheckout(ctx, alice, "pro")
	require.NoError(t, err)
	body := succeededEvent("evt_retry", co.PurchaseID, alice.ID)

	receipt, err := h.deliver(t, body)
	require.Error(t, err)
	assert.Equal(t, models.EventFailed, receipt.Status)

	ev, err := h.store.GetPaymentEvent(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Contains(t, ev.LastError, "ledger unavailable")

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, entry.TotalCredits)

	receipt, err = h.svc.Replay(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeApplied, receipt.Outcome)

	ev, err = h.store.GetPaymentEvent(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, models.EventApplied, ev.Status)
	assert.Equal(t, 2, ev.Attempts)

	again, err := h.deliver(t, body)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	entry, err = h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 150, entry.TotalCredits)
}

func TestConcurrentWebhookDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co, err := h.svc.InitiateCheckout(ctx, alice, "max")
	require.NoError(t, err)
	body := succeededEvent("evt_storm", co.PurchaseID, alice.ID)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.deliver(t, body)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := h.svc.GetCredits(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 500, entry.TotalCredits)
	assert.Len(t, h.notifier.kinds(), 1)
}

func TestAdminGrantAndEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.svc.GrantCredits(ctx, alice.ID, 25, "ticket-42")
	require.NoError(t, err)
	assert.Equal(t, 25, entry.RemainingCredits)
	_, err = h.svc.GrantCredits(ctx, alice.ID, 25, "ticket-42")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	_, err = h.svc.GrantCredits(ctx, alice.ID, -5, "ticket-43")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.deliver(t, `{"id":"evt_misc","type":"customer.updated","data":{}}`)
	require.NoError(t, err)
	events, err := h.svc.ListEvents(ctx, models.EventIgnored, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_misc", events[0].ID)

	_, err = h.svc.ListEvents(ctx, "bogus", 10)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReconcilerStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewReconciler(h.svc, time.Millisecond).Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
