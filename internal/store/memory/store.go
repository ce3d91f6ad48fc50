// Package memory is a process-local Store used by tests and single-node
// development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sketchcredits/internal/entitlement"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/store"
)

type Store struct {
	// mu guards the maps; it is only held for short copies in and out.
	mu sync.RWMutex

	entries      map[string]models.LedgerEntry
	purchases    map[string]models.PendingPurchase
	events       map[string]models.PaymentEvent
	transactions []models.CreditTransaction
	journalKeys  map[string]struct{}
	nextTxID     int64

	// accountLocks serializes read-modify-write per account, eventLocks per event id.
	accountLocks keyedMutex
	eventLocks   keyedMutex

	Now func() time.Time
}

func New() *Store {
	return &Store{
		entries:      make(map[string]models.LedgerEntry),
		purchases:    make(map[string]models.PendingPurchase),
		events:       make(map[string]models.PaymentEvent),
		journalKeys:  make(map[string]struct{}),
		accountLocks: keyedMutex{locks: make(map[string]*sync.Mutex)},
		eventLocks:   keyedMutex{locks: make(map[string]*sync.Mutex)},
		Now:          time.Now,
	}
}

// keyedMutex hands out one mutex per key. Locks are never reclaimed, which is
// fine for the lifetime of a test or dev process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func journalKey(accountID, reason, refType, refID string) string {
	return accountID + "|" + reason + "|" + refType + "|" + refID
}

// entry returns a copy of the account's entry or a fresh zero-value one.
// Caller holds s.mu.
func (s *Store) entry(accountID string, now time.Time) (models.LedgerEntry, bool) {
	if e, ok := s.entries[accountID]; ok {
		return e, true
	}
	return models.NewLedgerEntry(accountID, now), false
}

// journal appends rows and claims their idempotency keys. Caller holds s.mu.
func (s *Store) journal(accountID string, rows []entitlement.JournalEntry, now time.Time) {
	for _, r := range rows {
		s.nextTxID++
		s.transactions = append(s.transactions, models.CreditTransaction{
			ID:            s.nextTxID,
			AccountID:     accountID,
			Delta:         r.Delta,
			Reason:        r.Reason,
			ReferenceType: r.ReferenceType,
			ReferenceID:   r.ReferenceID,
			CreatedAt:     now,
		})
		if r.ReferenceID != "" {
			s.journalKeys[journalKey(accountID, r.Reason, r.ReferenceType, r.ReferenceID)] = struct{}{}
		}
	}
}

func (s *Store) seen(accountID, reason, refType, refID string) bool {
	if refID == "" {
		return false
	}
	_, ok := s.journalKeys[journalKey(accountID, reason, refType, refID)]
	return ok
}

func (s *Store) Read(ctx context.Context, accountID string) (models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, _ := s.entry(accountID, s.now())
	return e, nil
}

func (s *Store) Debit(ctx context.Context, accountID string, amount int, reference string) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, store.ErrInvalidAmount
	}
	unlock := s.accountLocks.Lock(accountID)
	defer unlock()

	now := s.now()
	s.mu.RLock()
	e, _ := s.entry(accountID, now)
	dup := s.seen(accountID, models.ReasonUsage, models.ReferenceUsage, reference)
	s.mu.RUnlock()
	if dup {
		return e, store.ErrDuplicateRequest
	}
	if err := entitlement.Debit(&e, amount); err != nil {
		return e, err
	}
	e.UpdatedAt = now

	s.mu.Lock()
	s.entries[accountID] = e
	s.journal(accountID, []entitlement.JournalEntry{{
		Delta: -amount, Reason: models.ReasonUsage, ReferenceType: models.ReferenceUsage, ReferenceID: reference,
	}}, now)
	s.mu.Unlock()
	return e, nil
}

func (s *Store) Credit(ctx context.Context, accountID string, amount int, reason, reference string) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, store.ErrInvalidAmount
	}
	if reason == "" {
		reason = models.ReasonManualCredit
	}
	unlock := s.accountLocks.Lock(accountID)
	defer unlock()

	now := s.now()
	s.mu.RLock()
	e, _ := s.entry(accountID, now)
	dup := s.seen(accountID, reason, models.ReferenceOperator, reference)
	s.mu.RUnlock()
	if dup {
		return e, store.ErrDuplicateRequest
	}
	if err := entitlement.Credit(&e, amount); err != nil {
		return e, err
	}
	e.UpdatedAt = now

	s.mu.Lock()
	s.entries[accountID] = e
	s.journal(accountID, []entitlement.JournalEntry{{
		Delta: amount, Reason: reason, ReferenceType: models.ReferenceOperator, ReferenceID: reference,
	}}, now)
	s.mu.Unlock()
	return e, nil
}

func (s *Store) GrantFreeTier(ctx context.Context, accountID string, plan models.PlanDefinition) (models.LedgerEntry, bool, error) {
	unlock := s.accountLocks.Lock(accountID)
	defer unlock()
	return s.grantFree(accountID, plan, s.now())
}

// grantFree applies the free grant due at now. Caller holds the account lock.
func (s *Store) grantFree(accountID string, plan models.PlanDefinition, now time.Time) (models.LedgerEntry, bool, error) {
	s.mu.RLock()
	e, _ := s.entry(accountID, now)
	s.mu.RUnlock()

	before := e
	delta, ref, ok := entitlement.GrantFree(&e, plan, now)
	if !ok {
		return before, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen(accountID, models.ReasonFreeGrant, models.ReferencePlan, ref) {
		return before, false, nil
	}
	e.UpdatedAt = now
	s.entries[accountID] = e
	s.journal(accountID, []entitlement.JournalEntry{{
		Delta: delta, Reason: models.ReasonFreeGrant, ReferenceType: models.ReferencePlan, ReferenceID: ref,
	}}, now)
	return e, true, nil
}

func (s *Store) RenewFreeTier(ctx context.Context, plan models.PlanDefinition, now time.Time) (int, error) {
	s.mu.RLock()
	var due []string
	for id, e := range s.entries {
		if entitlement.FreeTierDue(e, plan.ID, now) {
			due = append(due, id)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		unlock := s.accountLocks.Lock(id)
		s.mu.RLock()
		stillDue := entitlement.FreeTierDue(s.entries[id], plan.ID, now)
		s.mu.RUnlock()
		if stillDue {
			if _, granted, _ := s.grantFree(id, plan, now); granted {
				n++
			}
		}
		unlock()
	}
	return n, nil
}

func (s *Store) CreatePendingPurchase(ctx context.Context, p models.PendingPurchase) error {
	unlock := s.accountLocks.Lock(p.AccountID)
	defer unlock()

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.ID]; ok {
		return store.ErrDuplicateRequest
	}
	if p.Status == "" {
		p.Status = models.PurchasePending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.purchases[p.ID] = p

	e, _ := s.entry(p.AccountID, now)
	if e.Status == models.LedgerStatusNone {
		e.Status = models.LedgerStatusPending
		e.UpdatedAt = now
	}
	s.entries[p.AccountID] = e
	return nil
}

func (s *Store) AttachProviderReference(ctx context.Context, purchaseID, reference string) error {
	s.mu.RLock()
	p, ok := s.purchases[purchaseID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	// ApplyEvent writes whole purchases back under the account lock
	unlock := s.accountLocks.Lock(p.AccountID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok = s.purchases[purchaseID]
	if !ok {
		return store.ErrNotFound
	}
	p.ProviderReference = reference
	p.UpdatedAt = s.now()
	s.purchases[purchaseID] = p
	return nil
}

func (s *Store) DeletePendingPurchase(ctx context.Context, purchaseID string) error {
	s.mu.RLock()
	p, ok := s.purchases[purchaseID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	unlock := s.accountLocks.Lock(p.AccountID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok = s.purchases[purchaseID]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status != models.PurchasePending {
		return fmt.Errorf("purchase %s is %s: %w", purchaseID, p.Status, store.ErrPurchaseSettled)
	}
	delete(s.purchases, purchaseID)
	if e, ok := s.entries[p.AccountID]; ok {
		entitlement.SettlePending(&e, s.otherPending(p.AccountID, purchaseID))
		s.entries[p.AccountID] = e
	}
	return nil
}

func (s *Store) GetPendingPurchase(ctx context.Context, purchaseID string) (models.PendingPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.purchases[purchaseID]
	if !ok {
		return models.PendingPurchase{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPendingPurchases(ctx context.Context, accountID string) ([]models.PendingPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.PendingPurchase{}
	for _, p := range s.purchases {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// otherPending counts pending purchases of an account except one. Caller holds s.mu.
func (s *Store) otherPending(accountID, exceptID string) int {
	n := 0
	for id, p := range s.purchases {
		if id != exceptID && p.AccountID == accountID && p.Status == models.PurchasePending {
			n++
		}
	}
	return n
}

// resolve finds the account and purchase an event refers to. Caller holds s.mu.
func (s *Store) resolve(t payment.Target) (accountID, purchaseID string) {
	if t.PurchaseID != "" {
		if p, ok := s.purchases[t.PurchaseID]; ok {
			return p.AccountID, p.ID
		}
	}
	if t.ProviderReference != "" {
		for _, p := range s.purchases {
			if p.ProviderReference == t.ProviderReference {
				return p.AccountID, p.ID
			}
		}
	}
	if t.SubscriptionRef != "" {
		for _, e := range s.entries {
			if e.SubscriptionRef == t.SubscriptionRef {
				return e.AccountID, ""
			}
		}
	}
	return t.AccountID, ""
}

func (s *Store) ApplyEvent(ctx context.Context, rec models.PaymentEvent, target payment.Target, fn store.ApplyFunc) (store.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return store.ApplyResult{}, err
	}
	unlockEvent := s.eventLocks.Lock(rec.ID)
	defer unlockEvent()

	s.mu.RLock()
	existing, seen := s.events[rec.ID]
	accountID, purchaseID := s.resolve(target)
	s.mu.RUnlock()
	if seen && existing.Settled() {
		return store.ApplyResult{Event: existing, Duplicate: true}, nil
	}
	ev := rec
	if seen {
		ev = existing
	} else {
		ev.Status, ev.Attempts = models.EventReceived, 0
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = s.now()
		}
	}
	ev.Attempts++
	ev.AccountID = accountID

	if accountID != "" {
		unlock := s.accountLocks.Lock(accountID)
		defer unlock()
	}

	now := s.now()
	var st entitlement.State
	s.mu.RLock()
	if accountID != "" {
		st.Entry, _ = s.entry(accountID, now)
	}
	if p, ok := s.purchases[purchaseID]; ok && purchaseID != "" {
		st.Purchase = &p
		st.OtherPending = s.otherPending(accountID, purchaseID)
	} else if accountID != "" {
		st.OtherPending = s.otherPending(accountID, "")
	}
	s.mu.RUnlock()

	res, err := fn(st)
	if err != nil {
		ev.Status = models.EventFailed
		ev.LastError = err.Error()
		s.mu.Lock()
		s.events[ev.ID] = ev
		s.mu.Unlock()
		return store.ApplyResult{Event: ev}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch res.Outcome {
	case entitlement.OutcomeApplied:
		e := res.State.Entry
		s.entries[e.AccountID] = e
		if res.State.Purchase != nil {
			s.purchases[res.State.Purchase.ID] = *res.State.Purchase
		}
		s.journal(e.AccountID, res.Journal, now)
	case entitlement.OutcomeInconsistent:
		if accountID != "" {
			e, _ := s.entry(accountID, now)
			e.FlaggedAt = &now
			e.FlagReason = res.Reason
			s.entries[accountID] = e
		}
	}
	ev.Status = store.EventStatus(res.Outcome)
	ev.LastError = ""
	if res.Outcome == entitlement.OutcomeInconsistent {
		ev.LastError = res.Reason
	}
	ev.AppliedAt = &now
	s.events[ev.ID] = ev
	return store.ApplyResult{Event: ev, Result: res}, nil
}

func (s *Store) GetPaymentEvent(ctx context.Context, eventID string) (models.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return models.PaymentEvent{}, store.ErrNotFound
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, status string, limit int) ([]models.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.PaymentEvent{}
	for _, ev := range s.events {
		if status == "" || ev.Status == status {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit = store.ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ExpirePendingPurchases(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	var stale []models.PendingPurchase
	for _, p := range s.purchases {
		if p.Status == models.PurchasePending && p.CreatedAt.Before(cutoff) {
			stale = append(stale, p)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if s.expirePurchase(p.AccountID, p.ID, cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *Store) expirePurchase(accountID, purchaseID string, cutoff time.Time) bool {
	unlock := s.accountLocks.Lock(accountID)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[purchaseID]
	if !ok || p.Status != models.PurchasePending || !p.CreatedAt.Before(cutoff) {
		return false
	}
	now := s.now()
	p.Status, p.UpdatedAt = models.PurchaseExpired, now
	s.purchases[purchaseID] = p
	if e, ok := s.entries[accountID]; ok {
		entitlement.SettlePending(&e, s.otherPending(accountID, purchaseID))
		e.UpdatedAt = now
		s.entries[accountID] = e
	}
	return true
}

func (s *Store) ExpireLapsedEntries(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var lapsed []string
	for id, e := range s.entries {
		if lapsedEntry(e, now) {
			lapsed = append(lapsed, id)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range lapsed {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		unlock := s.accountLocks.Lock(id)
		s.mu.Lock()
		if e, ok := s.entries[id]; ok && lapsedEntry(e, now) {
			delta := entitlement.Expire(&e, now)
			e.UpdatedAt = now
			s.entries[id] = e
			s.journal(id, []entitlement.JournalEntry{{
				Delta: delta, Reason: models.ReasonPeriodExpiry, ReferenceType: models.ReferenceSweep,
			}}, now)
			n++
		}
		s.mu.Unlock()
		unlock()
	}
	return n, nil
}

func lapsedEntry(e models.LedgerEntry, now time.Time) bool {
	return e.Status == models.LedgerStatusCancelled && e.PeriodEnd != nil && !e.PeriodEnd.After(now)
}

func (s *Store) ListFlagged(ctx context.Context) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.LedgerEntry{}
	for _, e := range s.entries {
		if e.FlaggedAt != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlaggedAt.Before(*out[j].FlaggedAt) })
	return out, nil
}

func (s *Store) ClearFlag(ctx context.Context, accountID string) error {
	unlock := s.accountLocks.Lock(accountID)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[accountID]
	if !ok {
		return store.ErrNotFound
	}
	e.FlaggedAt, e.FlagReason = nil, ""
	e.UpdatedAt = s.now()
	s.entries[accountID] = e
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = store.ClampLimit(limit)
	out := []models.CreditTransaction{}
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.transactions[i].AccountID == accountID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() {}

var _ store.Store = (*Store)(nil)
