package postgres

import (
	"context"
	"os"
	"testing"

	"sketchcredits/internal/db"
	"sketchcredits/internal/store"
	"sketchcredits/internal/store/storetest"

	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping postgres store test: TEST_DATABASE_URL not set")
	}
	require.NoError(t, db.Migrate(url))
	pool, err := db.NewPool(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func TestStore(t *testing.T) {
	s := testPool(t)
	storetest.Run(t, func(t *testing.T) store.Store { return s })
}

func TestPaymentEventAuditColumnsImmutable(t *testing.T) {
	s := testPool(t)
	ctx := context.Background()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_events (id, provider, type, payload)
		VALUES ('evt_immutable_check', 'test', 'payment.succeeded', '\x7b7d')
		ON CONFLICT (id) DO NOTHING`)
	require.NoError(t, err)

	_, err = s.pool.Exec(ctx, `UPDATE payment_events SET payload = '\x00' WHERE id = 'evt_immutable_check'`)
	require.Error(t, err)
	_, err = s.pool.Exec(ctx, `DELETE FROM payment_events WHERE id = 'evt_immutable_check'`)
	require.Error(t, err)
	_, err = s.pool.Exec(ctx, `UPDATE payment_events SET attempts = attempts + 1 WHERE id = 'evt_immutable_check'`)
	require.NoError(t, err)
}
