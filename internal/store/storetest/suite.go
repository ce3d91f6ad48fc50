// Package storetest runs the same behavioural checks against every Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sketchcredits/internal/catalog"
	"sketchcredits/internal/entitlement"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the suite. newStore must return an empty or isolated store;
// every test uses fresh account ids so a shared database also works.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"DebitInvariant", testDebitInvariant},
		{"DebitReferenceIdempotent", testDebitReferenceIdempotent},
		{"ConcurrentDebits", testConcurrentDebits},
		{"GrantFreeTierOnce", testGrantFreeTierOnce},
		{"PendingPurchaseRollback", testPendingPurchaseRollback},
		{"PaidPurchaseCreditedOnce", testPaidPurchaseCreditedOnce},
		{"ConcurrentDuplicateDelivery", testConcurrentDuplicateDelivery},
		{"UnmatchedEventFlagsAccount", testUnmatchedEventFlagsAccount},
		{"FailedApplyIsRetryable", testFailedApplyIsRetryable},
		{"ExpireStalePurchases", testExpireStalePurchases},
		{"ExpireLapsedEntries", testExpireLapsedEntries},
		{"ExpireKeepsExtraCredits", testExpireKeepsExtraCredits},
		{"RenewFreeTier", testRenewFreeTier},
		{"AttachReferenceDuringApply", testAttachReferenceDuringApply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newAccount() string {
	return "acct_" + uuid.NewString()
}

func plans(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load(nil, nil)
	require.NoError(t, err)
	return c
}

func engine(t *testing.T, ev payment.Event) store.ApplyFunc {
	c := plans(t)
	return func(st entitlement.State) (entitlement.Result, error) {
		return entitlement.Apply(st, ev, c, time.Now())
	}
}

func record(ev payment.Event) models.PaymentEvent {
	return models.PaymentEvent{
		ID:         ev.EventID(),
		Provider:   "test",
		Type:       ev.EventType(),
		Payload:    []byte(`{"id":"` + ev.EventID() + `"}`),
		Signature:  "sig",
		ReceivedAt: time.Now().UTC(),
	}
}

func purchase(t *testing.T, s store.Store, accountID, planID string) models.PendingPurchase {
	t.Helper()
	p := models.PendingPurchase{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		PlanID:      planID,
		AmountCents: 999,
		Currency:    "USD",
		Status:      models.PurchasePending,
	}
	require.NoError(t, s.CreatePendingPurchase(context.Background(), p))
	return p
}

func succeeded(accountID, purchaseID string) payment.PaymentSucceeded {
	return payment.PaymentSucceeded{
		Base:       payment.Base{ID: "evt_" + uuid.NewString(), Type: payment.TypePaymentSucceeded, AccountID: accountID},
		PurchaseID: purchaseID,
	}
}

func testDebitInvariant(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()

	_, err := s.Debit(ctx, acct, 1, "")
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)

	_, err = s.Credit(ctx, acct, 5, "", "")
	require.NoError(t, err)
	_, err = s.Debit(ctx, acct, 0, "")
	assert.ErrorIs(t, err, store.ErrInvalidAmount)

	e, err := s.Debit(ctx, acct, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 3, e.RemainingCredits)

	_, err = s.Debit(ctx, acct, 4, "")
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)

	e, err = s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 5, e.TotalCredits)
	assert.Equal(t, 2, e.UsedCredits)
	assert.Equal(t, e.TotalCredits-e.UsedCredits, e.RemainingCredits)

	txs, err := s.ListTransactions(ctx, acct, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, -2, txs[0].Delta)
	assert.Equal(t, models.ReasonUsage, txs[0].Reason)
}

func testDebitReferenceIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	_, err := s.Credit(ctx, acct, 10, "", "")
	require.NoError(t, err)

	_, err = s.Debit(ctx, acct, 2, "gen-1")
	require.NoError(t, err)
	_, err = s.Debit(ctx, acct, 2, "gen-1")
	assert.ErrorIs(t, err, store.ErrDuplicateRequest)

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 8, e.RemainingCredits)
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	_, err := s.Credit(ctx, acct, 50, "", "")
	require.NoError(t, err)

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Debit(ctx, acct, 1, "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, store.ErrInsufficientCredits):
				short.Add(1)
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), ok.Load())
	assert.Equal(t, int32(30), short.Load())
	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RemainingCredits)
	assert.Equal(t, 50, e.UsedCredits)
}

func testGrantFreeTierOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	starter, err := plans(t).Lookup("starter")
	require.NoError(t, err)

	e, granted, err := s.GrantFreeTier(ctx, acct, starter)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, 10, e.TotalCredits)
	assert.Equal(t, 0, e.UsedCredits)

	e, granted, err = s.GrantFreeTier(ctx, acct, starter)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, 10, e.TotalCredits)

	pending, err := s.ListPendingPurchases(ctx, acct)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testPendingPurchaseRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	p := purchase(t, s, acct, "pro")

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusPending, e.Status)

	require.NoError(t, s.AttachProviderReference(ctx, p.ID, "ch_1"))
	got, err := s.GetPendingPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ch_1", got.ProviderReference)

	require.NoError(t, s.DeletePendingPurchase(ctx, p.ID))
	_, err = s.GetPendingPurchase(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	e, err = s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusNone, e.Status)
	assert.ErrorIs(t, s.DeletePendingPurchase(ctx, p.ID), store.ErrNotFound)
}

func testPaidPurchaseCreditedOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	p := purchase(t, s, acct, "pro")
	ev := succeeded(acct, p.ID)

	res, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.EventApplied, res.Event.Status)
	assert.Equal(t, 1, res.Event.Attempts)

	res, err = s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 150, e.TotalCredits)
	assert.Equal(t, models.LedgerStatusActive, e.Status)

	got, err := s.GetPendingPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseConfirmed, got.Status)

	stored, err := s.GetPaymentEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventApplied, stored.Status)
	assert.Equal(t, acct, stored.AccountID)
}

func testConcurrentDuplicateDelivery(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	p := purchase(t, s, acct, "max")
	ev := succeeded(acct, p.ID)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if !res.Duplicate {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 500, e.TotalCredits)
}

func testUnmatchedEventFlagsAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	_, err := s.Credit(ctx, acct, 3, "", "")
	require.NoError(t, err)
	ev := succeeded(acct, uuid.NewString())

	res, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeInconsistent, res.Result.Outcome)
	assert.Equal(t, models.EventInconsistent, res.Event.Status)
	assert.NotEmpty(t, res.Event.LastError)

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 3, e.TotalCredits)
	require.NotNil(t, e.FlaggedAt)

	flagged, err := s.ListFlagged(ctx)
	require.NoError(t, err)
	found := false
	for _, f := range flagged {
		found = found || f.AccountID == acct
	}
	assert.True(t, found)

	// inconsistent events are settled, redelivery does not re-flag
	res, err = s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	require.NoError(t, s.ClearFlag(ctx, acct))
	e, err = s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Nil(t, e.FlaggedAt)
}

func testFailedApplyIsRetryable(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	p := purchase(t, s, acct, "pro")
	ev := succeeded(acct, p.ID)

	boom := errors.New("engine exploded")
	_, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), func(entitlement.State) (entitlement.Result, error) {
		return entitlement.Result{}, boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := s.GetPaymentEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "engine exploded")

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 0, e.TotalCredits)

	res, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, res.Event.Attempts)
	assert.Equal(t, models.EventApplied, res.Event.Status)
}

func testExpireStalePurchases(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	p := purchase(t, s, acct, "pro")

	n, err := s.ExpirePendingPurchases(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	got, err := s.GetPendingPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, got.Status)

	n, err = s.ExpirePendingPurchases(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	got, err = s.GetPendingPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseExpired, got.Status)

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusNone, e.Status)

	// a late success for the expired purchase is never granted
	ev := succeeded(acct, p.ID)
	res, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)
	assert.Equal(t, entitlement.OutcomeInconsistent, res.Result.Outcome)
	e, err = s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 0, e.TotalCredits)
	assert.NotNil(t, e.FlaggedAt)
}

func testExpireLapsedEntries(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	p := purchase(t, s, acct, "pro")
	ev := succeeded(acct, p.ID)
	ev.SubscriptionRef = "sub_" + uuid.NewString()
	_, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)

	end := time.Now().Add(-time.Minute).UTC()
	cancel := payment.SubscriptionCancelled{
		Base:            payment.Base{ID: "evt_" + uuid.NewString(), Type: payment.TypeSubscriptionCancelled},
		SubscriptionRef: ev.SubscriptionRef,
		PeriodEnd:       &end,
	}
	res, err := s.ApplyEvent(ctx, record(cancel), payment.TargetOf(cancel), engine(t, cancel))
	require.NoError(t, err)
	require.Equal(t, entitlement.OutcomeApplied, res.Result.Outcome)

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCancelled, e.Status)
	assert.Equal(t, 150, e.RemainingCredits)

	n, err := s.ExpireLapsedEntries(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	e, err = s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusExpired, e.Status)
	assert.Equal(t, 0, e.RemainingCredits)

	txs, err := s.ListTransactions(ctx, acct, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.ReasonPeriodExpiry, txs[0].Reason)
	assert.Equal(t, -150, txs[0].Delta)
}

func testExpireKeepsExtraCredits(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	p := purchase(t, s, acct, "pro")
	ev := succeeded(acct, p.ID)
	ev.SubscriptionRef = "sub_" + uuid.NewString()
	_, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
	require.NoError(t, err)
	_, err = s.Credit(ctx, acct, 25, models.ReasonManualCredit, "grant_"+acct)
	require.NoError(t, err)

	end := time.Now().Add(-time.Minute).UTC()
	cancel := payment.SubscriptionCancelled{
		Base:            payment.Base{ID: "evt_" + uuid.NewString(), Type: payment.TypeSubscriptionCancelled},
		SubscriptionRef: ev.SubscriptionRef,
		PeriodEnd:       &end,
	}
	_, err = s.ApplyEvent(ctx, record(cancel), payment.TargetOf(cancel), engine(t, cancel))
	require.NoError(t, err)

	_, err = s.ExpireLapsedEntries(ctx, time.Now())
	require.NoError(t, err)

	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusExpired, e.Status)
	assert.Equal(t, 25, e.RemainingCredits)
	assert.Equal(t, 25, e.ExtraCredits)
}

func testRenewFreeTier(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()
	starter, err := plans(t).Lookup("starter")
	require.NoError(t, err)

	first, granted, err := s.GrantFreeTier(ctx, acct, starter)
	require.NoError(t, err)
	require.True(t, granted)
	require.NotNil(t, first.PeriodEnd)
	_, err = s.Debit(ctx, acct, 7, "gen_"+acct)
	require.NoError(t, err)

	_, err = s.RenewFreeTier(ctx, starter, first.PeriodEnd.Add(-time.Minute))
	require.NoError(t, err)
	e, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 3, e.RemainingCredits, "not due before the period ends")

	at := first.PeriodEnd.Add(time.Hour)
	n, err := s.RenewFreeTier(ctx, starter, at)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	e, err = s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 10, e.RemainingCredits)
	assert.Equal(t, 0, e.UsedCredits)
	require.NotNil(t, e.PeriodStart)
	assert.WithinDuration(t, *first.PeriodEnd, *e.PeriodStart, time.Millisecond, "the anchor day is kept")

	_, err = s.RenewFreeTier(ctx, starter, at)
	require.NoError(t, err)
	again, err := s.Read(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, e.TotalCredits, again.TotalCredits)
	require.NotNil(t, again.PeriodStart)
	assert.True(t, again.PeriodStart.Equal(*e.PeriodStart))
}

// A provider reference attached while the purchase is being confirmed must
// survive the confirmation write.
func testAttachReferenceDuringApply(t *testing.T, s store.Store) {
	ctx := context.Background()
	acct := newAccount()

	for i := 0; i < 20; i++ {
		p := purchase(t, s, acct, "pro")
		ev := succeeded(acct, p.ID)
		ref := "ch_" + p.ID

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.ApplyEvent(ctx, record(ev), payment.TargetOf(ev), engine(t, ev))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AttachProviderReference(ctx, p.ID, ref))
		}()
		wg.Wait()

		got, err := s.GetPendingPurchase(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PurchaseConfirmed, got.Status)
		assert.Equal(t, ref, got.ProviderReference)
	}
}
