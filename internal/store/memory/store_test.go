package memory

import (
	"context"
	"testing"
	"time"

	"sketchcredits/internal/models"
	"sketchcredits/internal/store"
	"sketchcredits/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestReadDoesNotPersist(t *testing.T) {
	s := New()
	e, err := s.Read(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusNone, e.Status)

	flagged, err := s.ListFlagged(context.Background())
	require.NoError(t, err)
	assert.Empty(t, flagged)
	assert.ErrorIs(t, s.ClearFlag(context.Background(), "ghost"), store.ErrNotFound)
}

func TestClockIsInjectable(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	s.Now = func() time.Time { return fixed }

	e, err := s.Credit(context.Background(), "acct", 4, models.ReasonManualCredit, "ticket-7")
	require.NoError(t, err)
	assert.Equal(t, fixed, e.UpdatedAt)

	_, err = s.Credit(context.Background(), "acct", 4, models.ReasonManualCredit, "ticket-7")
	assert.ErrorIs(t, err, store.ErrDuplicateRequest)
}

func TestUnrelatedAccountsDoNotContend(t *testing.T) {
	s := New()
	unlock := s.accountLocks.Lock("a")
	defer unlock()

	done := make(chan struct{})
	go func() {
		_, _ = s.Credit(context.Background(), "b", 1, "", "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("credit for b blocked on a's lock")
	}
}
