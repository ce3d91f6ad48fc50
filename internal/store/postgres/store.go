// Package postgres persists the ledger in PostgreSQL. Per-account
// serialization is the row lock on ledger_entries taken with FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sketchcredits/internal/entitlement"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entryColumns = `account_id, total_credits, used_credits, remaining_credits, unlimited, extra_credits, lifetime, plan_id, status,
	subscription_ref, period_start, period_end, flagged_at, flag_reason, created_at, updated_at`

const purchaseColumns = `id, account_id, plan_id, provider_reference, amount_cents, currency, status, created_at, updated_at`

const eventColumns = `id, provider, type, account_id, payload, signature, received_at, status, attempts, last_error, applied_at`

func scanEntry(row pgx.Row) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.AccountID, &e.TotalCredits, &e.UsedCredits, &e.RemainingCredits, &e.Unlimited, &e.ExtraCredits, &e.Lifetime, &e.PlanID, &e.Status,
		&e.SubscriptionRef, &e.PeriodStart, &e.PeriodEnd, &e.FlaggedAt, &e.FlagReason, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func scanPurchase(row pgx.Row) (models.PendingPurchase, error) {
	var p models.PendingPurchase
	err := row.Scan(&p.ID, &p.AccountID, &p.PlanID, &p.ProviderReference, &p.AmountCents, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanEvent(row pgx.Row) (models.PaymentEvent, error) {
	var ev models.PaymentEvent
	err := row.Scan(&ev.ID, &ev.Provider, &ev.Type, &ev.AccountID, &ev.Payload, &ev.Signature, &ev.ReceivedAt, &ev.Status, &ev.Attempts, &ev.LastError, &ev.AppliedAt)
	return ev, err
}

// lockEntry creates the account's entry if needed and locks its row for the
// rest of the transaction.
func lockEntry(ctx context.Context, tx pgx.Tx, accountID string) (models.LedgerEntry, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING`, accountID); err != nil {
		return models.LedgerEntry{}, err
	}
	return scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 FOR UPDATE`, accountID))
}

func saveEntry(ctx context.Context, tx pgx.Tx, e models.LedgerEntry) (models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `
		UPDATE ledger_entries
		SET total_credits = $2, used_credits = $3, unlimited = $4, extra_credits = $5, lifetime = $6, plan_id = $7,
			status = $8, subscription_ref = $9, period_start = $10, period_end = $11, flagged_at = $12, flag_reason = $13,
			updated_at = NOW()
		WHERE account_id = $1
		RETURNING `+entryColumns,
		e.AccountID, e.TotalCredits, e.UsedCredits, e.Unlimited, e.ExtraCredits, e.Lifetime, e.PlanID, e.Status,
		e.SubscriptionRef, e.PeriodStart, e.PeriodEnd, e.FlaggedAt, e.FlagReason))
}

func journal(ctx context.Context, tx pgx.Tx, accountID string, rows []entitlement.JournalEntry) error {
	for _, r := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO credit_transactions (account_id, delta, reason, reference_type, reference_id)
			VALUES ($1, $2, $3, $4, $5)`,
			accountID, r.Delta, r.Reason, r.ReferenceType, r.ReferenceID)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateRequest
			}
			return err
		}
	}
	return nil
}

func seen(ctx context.Context, tx pgx.Tx, accountID, reason, refType, refID string) (bool, error) {
	if refID == "" {
		return false, nil
	}
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_transactions
			WHERE account_id = $1 AND reason = $2 AND reference_type = $3 AND reference_id = $4
		)`, accountID, reason, refType, refID).Scan(&exists)
	return exists, err
}

func countOtherPending(ctx context.Context, tx pgx.Tx, accountID, exceptID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM pending_purchases
		WHERE account_id = $1 AND status = $2 AND id <> $3`,
		accountID, models.PurchasePending, exceptID).Scan(&n)
	return n, err
}

func (s *Store) Read(ctx context.Context, accountID string) (models.LedgerEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewLedgerEntry(accountID, time.Now().UTC()), nil
	}
	return e, err
}

// mutate runs fn against the locked entry and saves the result with its journal rows.
func (s *Store) mutate(ctx context.Context, accountID string, fn func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error)) (models.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	defer tx.Rollback(ctx)

	e, err := lockEntry(ctx, tx, accountID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	before := e
	rows, err := fn(tx, &e)
	if err != nil {
		return before, err
	}
	if err := journal(ctx, tx, accountID, rows); err != nil {
		return before, err
	}
	saved, err := saveEntry(ctx, tx, e)
	if err != nil {
		return before, err
	}
	if err := tx.Commit(ctx); err != nil {
		return before, err
	}
	return saved, nil
}

func (s *Store) Debit(ctx context.Context, accountID string, amount int, reference string) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, store.ErrInvalidAmount
	}
	return s.mutate(ctx, accountID, func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error) {
		dup, err := seen(ctx, tx, accountID, models.ReasonUsage, models.ReferenceUsage, reference)
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, store.ErrDuplicateRequest
		}
		if err := entitlement.Debit(e, amount); err != nil {
			return nil, err
		}
		return []entitlement.JournalEntry{{
			Delta: -amount, Reason: models.ReasonUsage, ReferenceType: models.ReferenceUsage, ReferenceID: reference,
		}}, nil
	})
}

func (s *Store) Credit(ctx context.Context, accountID string, amount int, reason, reference string) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, store.ErrInvalidAmount
	}
	if reason == "" {
		reason = models.ReasonManualCredit
	}
	return s.mutate(ctx, accountID, func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error) {
		dup, err := seen(ctx, tx, accountID, reason, models.ReferenceOperator, reference)
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, store.ErrDuplicateRequest
		}
		if err := entitlement.Credit(e, amount); err != nil {
			return nil, err
		}
		return []entitlement.JournalEntry{{
			Delta: amount, Reason: reason, ReferenceType: models.ReferenceOperator, ReferenceID: reference,
		}}, nil
	})
}

var errAlreadyGranted = errors.New("free tier already granted")

func (s *Store) GrantFreeTier(ctx context.Context, accountID string, plan models.PlanDefinition) (models.LedgerEntry, bool, error) {
	return s.grantFree(ctx, accountID, plan, time.Now().UTC(), false)
}

// grantFree applies the free grant due at now. With dueOnly set the entry must
// still match the renewal sweep's selection once locked.
func (s *Store) grantFree(ctx context.Context, accountID string, plan models.PlanDefinition, now time.Time, dueOnly bool) (models.LedgerEntry, bool, error) {
	e, err := s.mutate(ctx, accountID, func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error) {
		if dueOnly && !entitlement.FreeTierDue(*e, plan.ID, now) {
			return nil, errAlreadyGranted
		}
		delta, ref, ok := entitlement.GrantFree(e, plan, now)
		if !ok {
			return nil, errAlreadyGranted
		}
		dup, err := seen(ctx, tx, accountID, models.ReasonFreeGrant, models.ReferencePlan, ref)
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, errAlreadyGranted
		}
		return []entitlement.JournalEntry{{
			Delta: delta, Reason: models.ReasonFreeGrant, ReferenceType: models.ReferencePlan, ReferenceID: ref,
		}}, nil
	})
	if errors.Is(err, errAlreadyGranted) {
		return e, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) RenewFreeTier(ctx context.Context, plan models.PlanDefinition, now time.Time) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id FROM ledger_entries
		WHERE plan_id = $1 AND status IN ($2, $3) AND period_end IS NOT NULL AND period_end <= $4`,
		plan.ID, models.LedgerStatusNone, models.LedgerStatusPending, now)
	if err != nil {
		return 0, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		_, granted, err := s.grantFree(ctx, id, plan, now, true)
		if err != nil {
			return n, err
		}
		if granted {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreatePendingPurchase(ctx context.Context, p models.PendingPurchase) error {
	if p.Status == "" {
		p.Status = models.PurchasePending
	}
	_, err := s.mutate(ctx, p.AccountID, func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error) {
		_, err := tx.Exec(ctx, `
			INSERT INTO pending_purchases (id, account_id, plan_id, provider_reference, amount_cents, currency, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.AccountID, p.PlanID, p.ProviderReference, p.AmountCents, p.Currency, p.Status)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrDuplicateRequest
			}
			return nil, err
		}
		if e.Status == models.LedgerStatusNone {
			e.Status = models.LedgerStatusPending
		}
		return nil, nil
	})
	return err
}

func (s *Store) AttachProviderReference(ctx context.Context, purchaseID, reference string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_purchases SET provider_reference = $2, updated_at = NOW()
		WHERE id = $1`, purchaseID, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) purchaseAccount(ctx context.Context, purchaseID string) (string, error) {
	var accountID string
	err := s.pool.QueryRow(ctx, `SELECT account_id FROM pending_purchases WHERE id = $1`, purchaseID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return accountID, err
}

func (s *Store) DeletePendingPurchase(ctx context.Context, purchaseID string) error {
	accountID, err := s.purchaseAccount(ctx, purchaseID)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, accountID, func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error) {
		p, err := scanPurchase(tx.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM pending_purchases WHERE id = $1 FOR UPDATE`, purchaseID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if p.Status != models.PurchasePending {
			return nil, fmt.Errorf("purchase %s is %s: %w", purchaseID, p.Status, store.ErrPurchaseSettled)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM pending_purchases WHERE id = $1`, purchaseID); err != nil {
			return nil, err
		}
		other, err := countOtherPending(ctx, tx, accountID, purchaseID)
		if err != nil {
			return nil, err
		}
		entitlement.SettlePending(e, other)
		return nil, nil
	})
	return err
}

func (s *Store) GetPendingPurchase(ctx context.Context, purchaseID string) (models.PendingPurchase, error) {
	p, err := scanPurchase(s.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM pending_purchases WHERE id = $1`, purchaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PendingPurchase{}, store.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPendingPurchases(ctx context.Context, accountID string) ([]models.PendingPurchase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM pending_purchases
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.PendingPurchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// resolve finds the account and purchase an event refers to.
func resolve(ctx context.Context, tx pgx.Tx, t payment.Target) (accountID, purchaseID string, err error) {
	if t.PurchaseID != "" {
		err = tx.QueryRow(ctx, `SELECT account_id, id FROM pending_purchases WHERE id = $1`, t.PurchaseID).Scan(&accountID, &purchaseID)
		if err == nil || !errors.Is(err, pgx.ErrNoRows) {
			return accountID, purchaseID, err
		}
	}
	if t.ProviderReference != "" {
		err = tx.QueryRow(ctx, `
			SELECT account_id, id FROM pending_purchases
			WHERE provider_reference = $1
			ORDER BY created_at DESC LIMIT 1`, t.ProviderReference).Scan(&accountID, &purchaseID)
		if err == nil || !errors.Is(err, pgx.ErrNoRows) {
			return accountID, purchaseID, err
		}
	}
	if t.SubscriptionRef != "" {
		err = tx.QueryRow(ctx, `
			SELECT account_id FROM ledger_entries
			WHERE subscription_ref = $1
			ORDER BY updated_at DESC LIMIT 1`, t.SubscriptionRef).Scan(&accountID)
		if err == nil || !errors.Is(err, pgx.ErrNoRows) {
			return accountID, "", err
		}
	}
	return t.AccountID, "", nil
}

func (s *Store) ApplyEvent(ctx context.Context, rec models.PaymentEvent, target payment.Target, fn store.ApplyFunc) (store.ApplyResult, error) {
	res, err := s.applyEvent(ctx, rec, target, fn)
	if err != nil {
		failed, ferr := s.recordFailure(ctx, rec, err)
		if ferr != nil {
			return store.ApplyResult{Event: rec}, fmt.Errorf("%w (recording failure: %v)", err, ferr)
		}
		return store.ApplyResult{Event: failed}, err
	}
	return res, nil
}

func (s *Store) applyEvent(ctx context.Context, rec models.PaymentEvent, target payment.Target, fn store.ApplyFunc) (store.ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.ApplyResult{}, err
	}
	defer tx.Rollback(ctx)

	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payment_events (id, provider, type, account_id, payload, signature, received_at, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Provider, rec.Type, rec.AccountID, rec.Payload, rec.Signature, receivedAt, models.EventReceived)
	if err != nil {
		return store.ApplyResult{}, err
	}
	existing, err := scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE id = $1 FOR UPDATE`, rec.ID))
	if err != nil {
		return store.ApplyResult{}, err
	}
	if existing.Settled() {
		return store.ApplyResult{Event: existing, Duplicate: true}, tx.Commit(ctx)
	}

	accountID, purchaseID, err := resolve(ctx, tx, target)
	if err != nil {
		return store.ApplyResult{}, err
	}
	var st entitlement.State
	if accountID != "" {
		if st.Entry, err = lockEntry(ctx, tx, accountID); err != nil {
			return store.ApplyResult{}, err
		}
		if purchaseID != "" {
			p, err := scanPurchase(tx.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM pending_purchases WHERE id = $1 FOR UPDATE`, purchaseID))
			if err != nil {
				return store.ApplyResult{}, err
			}
			st.Purchase = &p
		}
		if st.OtherPending, err = countOtherPending(ctx, tx, accountID, purchaseID); err != nil {
			return store.ApplyResult{}, err
		}
	}

	result, err := fn(st)
	if err != nil {
		return store.ApplyResult{}, err
	}

	switch result.Outcome {
	case entitlement.OutcomeApplied:
		if err := journal(ctx, tx, accountID, result.Journal); err != nil {
			return store.ApplyResult{}, err
		}
		if _, err := saveEntry(ctx, tx, result.State.Entry); err != nil {
			return store.ApplyResult{}, err
		}
		if p := result.State.Purchase; p != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE pending_purchases SET status = $2, provider_reference = $3, updated_at = NOW()
				WHERE id = $1`, p.ID, p.Status, p.ProviderReference); err != nil {
				return store.ApplyResult{}, err
			}
		}
	case entitlement.OutcomeInconsistent:
		if accountID != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE ledger_entries SET flagged_at = NOW(), flag_reason = $2, updated_at = NOW()
				WHERE account_id = $1`, accountID, result.Reason); err != nil {
				return store.ApplyResult{}, err
			}
		}
	}

	lastError := ""
	if result.Outcome == entitlement.OutcomeInconsistent {
		lastError = result.Reason
	}
	ev, err := scanEvent(tx.QueryRow(ctx, `
		UPDATE payment_events
		SET status = $2, attempts = attempts + 1, last_error = $3, applied_at = NOW(), account_id = $4
		WHERE id = $1
		RETURNING `+eventColumns,
		rec.ID, store.EventStatus(result.Outcome), lastError, accountID))
	if err != nil {
		return store.ApplyResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.ApplyResult{}, err
	}
	return store.ApplyResult{Event: ev, Result: result}, nil
}

// recordFailure persists the failed attempt outside the rolled-back transaction.
func (s *Store) recordFailure(ctx context.Context, rec models.PaymentEvent, cause error) (models.PaymentEvent, error) {
	ctx = context.WithoutCancel(ctx)
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return scanEvent(s.pool.QueryRow(ctx, `
		INSERT INTO payment_events (id, provider, type, account_id, payload, signature, received_at, status, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, attempts = payment_events.attempts + 1, last_error = EXCLUDED.last_error
		WHERE payment_events.status NOT IN ('applied', 'ignored', 'inconsistent')
		RETURNING `+eventColumns,
		rec.ID, rec.Provider, rec.Type, rec.AccountID, rec.Payload, rec.Signature, receivedAt, models.EventFailed, cause.Error()))
}

func (s *Store) GetPaymentEvent(ctx context.Context, eventID string) (models.PaymentEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentEvent{}, store.ErrNotFound
	}
	return ev, err
}

func (s *Store) ListEvents(ctx context.Context, status string, limit int) ([]models.PaymentEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM payment_events
		WHERE ($1 = '' OR status = $1)
		ORDER BY received_at DESC
		LIMIT $2`, status, store.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.PaymentEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ExpirePendingPurchases(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id FROM pending_purchases
		WHERE status = $1 AND created_at < $2`, models.PurchasePending, cutoff)
	if err != nil {
		return 0, err
	}
	type stale struct{ id, accountID string }
	var candidates []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.id, &c.accountID); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, c := range candidates {
		expired := false
		_, err := s.mutate(ctx, c.accountID, func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error) {
			tag, err := tx.Exec(ctx, `
				UPDATE pending_purchases SET status = $2, updated_at = NOW()
				WHERE id = $1 AND status = $3 AND created_at < $4`,
				c.id, models.PurchaseExpired, models.PurchasePending, cutoff)
			if err != nil {
				return nil, err
			}
			expired = tag.RowsAffected() > 0
			other, err := countOtherPending(ctx, tx, c.accountID, c.id)
			if err != nil {
				return nil, err
			}
			entitlement.SettlePending(e, other)
			return nil, nil
		})
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

func (s *Store) ExpireLapsedEntries(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id FROM ledger_entries
		WHERE status = $1 AND period_end IS NOT NULL AND period_end <= $2`,
		models.LedgerStatusCancelled, now)
	if err != nil {
		return 0, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		expired := false
		_, err := s.mutate(ctx, id, func(tx pgx.Tx, e *models.LedgerEntry) ([]entitlement.JournalEntry, error) {
			if e.Status != models.LedgerStatusCancelled || e.PeriodEnd == nil || e.PeriodEnd.After(now) {
				return nil, nil
			}
			expired = true
			delta := entitlement.Expire(e, now)
			return []entitlement.JournalEntry{{
				Delta: delta, Reason: models.ReasonPeriodExpiry, ReferenceType: models.ReferenceSweep,
			}}, nil
		})
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListFlagged(ctx context.Context) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE flagged_at IS NOT NULL
		ORDER BY flagged_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ClearFlag(ctx context.Context, accountID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_entries SET flagged_at = NULL, flag_reason = '', updated_at = NOW()
		WHERE account_id = $1`, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, delta, reason, reference_type, reference_id, created_at
		FROM credit_transactions
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, store.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.CreditTransaction{}
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Delta, &t.Reason, &t.ReferenceType, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ store.Store = (*Store)(nil)
