package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveWebhook("creem", "applied", 10*time.Millisecond)
	m.ObserveWebhook("creem", "applied", 10*time.Millisecond)
	m.ObserveWebhook("creem", "duplicate", time.Millisecond)
	m.IncCheckout("pro", "created")
	m.ObserveDebit("ok", 2)
	m.ObserveDebit("ok", 3)
	m.ObserveDebit("insufficient", 2)
	m.AddReconciled("pending_purchase", 4)
	m.AddReconciled("ledger_entry", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("creem", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("creem", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkouts.WithLabelValues("pro", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.debits.WithLabelValues("insufficient")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.creditsDebited))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.reconciled.WithLabelValues("pending_purchase")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.reconciled.WithLabelValues("ledger_entry")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveWebhook("creem", "applied", time.Second)
	m.IncCheckout("pro", "created")
	m.ObserveDebit("ok", 1)
	m.AddReconciled("x", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.IncCheckout("max", "failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sketchcredits_checkout_initiated_total{plan="max",result="failed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
