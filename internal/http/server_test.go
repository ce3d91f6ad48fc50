package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"sketchcredits/internal/catalog"
	"sketchcredits/internal/config"
	"sketchcredits/internal/identity"
	"sketchcredits/internal/metrics"
	"sketchcredits/internal/models"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/services"
	"sketchcredits/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret      = "whsec_http"
	testJWTSecret   = "jwt-secret"
	testInternalKey = "internal-key"
	testAdminKey    = "admin-key"
)

type stubProcessor struct {
	*payment.Creem
	fail      bool
	cancelled []string
}

func (p *stubProcessor) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	if p.fail {
		return payment.CheckoutSession{}, fmt.Errorf("%w: processor down", payment.ErrProviderUnavailable)
	}
	return payment.CheckoutSession{URL: "https://pay.example/" + req.PurchaseID, Reference: "ch_" + req.PurchaseID}, nil
}

func (p *stubProcessor) CancelSubscription(_ context.Context, ref string) error {
	if p.fail {
		return fmt.Errorf("%w: processor down", payment.ErrProviderUnavailable)
	}
	p.cancelled = append(p.cancelled, ref)
	return nil
}

type testEnv struct {
	handler http.Handler
	proc    *stubProcessor
	jwt     *identity.JWTVerifier
}

func hash(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	plans, err := catalog.Load(nil, nil)
	require.NoError(t, err)
	cfg := config.Config{
		InternalAPIKeyHash:   hash(t, testInternalKey),
		AdminAPIKeyHash:      hash(t, testAdminKey),
		CreditsPerGeneration: 2,
		ProviderTimeout:      time.Second,
		RequestTimeout:       5 * time.Second,
		PendingPurchaseTTL:   24 * time.Hour,
	}
	proc := &stubProcessor{Creem: payment.NewCreem("", "", testSecret, time.Second)}
	svc := services.New(memory.New(), plans, proc, cfg)
	m := metrics.New()
	svc.Metrics = m
	jwt := identity.NewJWTVerifier(testJWTSecret, "")
	server := NewServer(svc, cfg, jwt, m)
	return &testEnv{handler: server.Routes(), proc: proc, jwt: jwt}
}

func (e *testEnv) token(t *testing.T, accountID string) string {
	t.Helper()
	tok, err := e.jwt.Issue(models.Account{ID: accountID, Email: accountID + "@example.com"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) authed(t *testing.T, accountID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.token(t, accountID)}
}

func (e *testEnv) webhook(t *testing.T, body string) *httptest.ResponseRecorder {
	return e.do(t, http.MethodPost, "/api/webhooks/payments", body, map[string]string{
		"creem-signature": payment.SignHex([]byte(body), testSecret),
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestListPlans(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plans := decode[[]models.PlanDefinition](t, rec)
	require.Len(t, plans, 4)
	assert.Equal(t, "starter", plans[0].ID)
}

func TestCheckoutRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"pro"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"pro"}`,
		map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckoutFreeAndPaid(t *testing.T) {
	env := newTestEnv(t)
	auth := env.authed(t, "acct_1")

	rec := env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"starter"}`, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	free := decode[services.Checkout](t, rec)
	assert.True(t, free.Free)
	require.NotNil(t, free.Entry)
	assert.Equal(t, 10, free.Entry.RemainingCredits)

	rec = env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"pro"}`, auth)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decode[services.Checkout](t, rec)
	assert.NotEmpty(t, paid.PurchaseID)
	assert.Equal(t, "https://pay.example/"+paid.PurchaseID, paid.CheckoutURL)

	rec = env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"nope"}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/checkout", `{}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutProviderDown(t *testing.T) {
	env := newTestEnv(t)
	env.proc.fail = true
	rec := env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"pro"}`, env.authed(t, "acct_1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookFlow(t *testing.T) {
	env := newTestEnv(t)
	auth := env.authed(t, "acct_1")

	rec := env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"pro"}`, auth)
	require.Equal(t, http.StatusCreated, rec.Code)
	paid := decode[services.Checkout](t, rec)

	body := fmt.Sprintf(`{"id":"evt_1","type":"payment.succeeded","data":{"purchase_id":%q}}`, paid.PurchaseID)
	rec = env.webhook(t, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[services.Receipt](t, rec)
	assert.Equal(t, models.EventApplied, receipt.Status)

	rec = env.webhook(t, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[services.Receipt](t, rec).Duplicate)

	rec = env.do(t, http.MethodGet, "/api/me/credits", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[models.LedgerEntry](t, rec)
	assert.Equal(t, 150, entry.TotalCredits)
	assert.Equal(t, models.LedgerStatusActive, entry.Status)

	rec = env.do(t, http.MethodGet, "/api/me/transactions?limit=10", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.CreditTransaction](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/me/purchases", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	purchases := decode[[]models.PendingPurchase](t, rec)
	require.Len(t, purchases, 1)
	assert.Equal(t, models.PurchaseConfirmed, purchases[0].Status)
}

func TestSubscriptionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	auth := env.authed(t, "acct_1")

	rec := env.do(t, http.MethodPost, "/api/me/subscription/cancel", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/me/subscription/cancel", "", auth)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"pro"}`, auth)
	require.Equal(t, http.StatusCreated, rec.Code)
	paid := decode[services.Checkout](t, rec)
	rec = env.webhook(t, fmt.Sprintf(`{"id":"evt_1","type":"payment.succeeded","data":{"purchase_id":%q,"subscription_id":"sub_1"}}`, paid.PurchaseID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/me/subscription", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	sub := decode[services.Subscription](t, rec)
	assert.Equal(t, "sub_1", sub.Reference)
	assert.Equal(t, models.LedgerStatusActive, sub.Status)

	env.proc.fail = true
	rec = env.do(t, http.MethodPost, "/api/me/subscription/cancel", "", auth)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.proc.fail = false
	rec = env.do(t, http.MethodPost, "/api/me/subscription/cancel", "", auth)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "sub_1", decode[services.Subscription](t, rec).Reference)
	assert.Equal(t, []string{"sub_1"}, env.proc.cancelled)
}

func TestWebhookRejections(t *testing.T) {
	env := newTestEnv(t)
	body := `{"id":"evt_1","type":"payment.succeeded","data":{"purchase_id":"p1"}}`

	rec := env.do(t, http.MethodPost, "/api/webhooks/payments", body,
		map[string]string{"creem-signature": payment.SignHex([]byte(body), "wrong")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/webhooks/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.webhook(t, `{"type":"payment.succeeded"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookInconsistentIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{"X-API-Key": testAdminKey}

	rec := env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"starter"}`, env.authed(t, "acct_9"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.webhook(t, `{"id":"evt_x","type":"payment.succeeded","data":{"purchase_id":"missing","account_id":"acct_9"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.EventInconsistent, decode[services.Receipt](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/api/admin/inconsistencies", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	flagged := decode[[]models.LedgerEntry](t, rec)
	require.Len(t, flagged, 1)
	assert.Equal(t, "acct_9", flagged[0].AccountID)

	rec = env.do(t, http.MethodPost, "/api/admin/inconsistencies/acct_9/clear", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/admin/inconsistencies", "", admin)
	assert.Empty(t, decode[[]models.LedgerEntry](t, rec))

	rec = env.do(t, http.MethodGet, "/api/admin/events?status=inconsistent", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.PaymentEvent](t, rec), 1)
}

func TestConsumeCreditsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	internal := map[string]string{"X-API-Key": testInternalKey}

	rec := env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"starter"}`, env.authed(t, "acct_2"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/credits/consume", `{"account_id":"acct_2","credits":3,"request_id":"r1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/credits/consume", `{"account_id":"acct_2","credits":3,"request_id":"r1"}`,
		map[string]string{"X-API-Key": "guess"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/credits/consume", `{"account_id":"acct_2","credits":3,"request_id":"r1"}`, internal)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 7, decode[models.LedgerEntry](t, rec).RemainingCredits)

	rec = env.do(t, http.MethodPost, "/api/credits/consume", `{"account_id":"acct_2","credits":3,"request_id":"r1"}`, internal)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/credits/consume", `{"account_id":"acct_2","credits":30,"request_id":"r2"}`, internal)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/credits/consume", `{"account_id":"acct_2","credits":0}`, internal)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChargeGenerationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	auth := env.authed(t, "acct_3")

	rec := env.do(t, http.MethodPost, "/api/me/generations", `{"style_id":"charcoal","request_id":"g1"}`, auth)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/checkout", `{"plan_id":"starter"}`, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/me/generations", `{"style_id":"charcoal","request_id":"g1"}`, auth)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	gen := decode[services.Generation](t, rec)
	assert.Equal(t, 2, gen.CreditsCharged)
	assert.Equal(t, 8, gen.Entry.RemainingCredits)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{"X-API-Key": testAdminKey}

	rec := env.do(t, http.MethodPost, "/api/admin/reconcile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/admin/reconcile", "", map[string]string{"X-API-Key": testInternalKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/admin/reconcile", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.ReconcileReport{}, decode[services.ReconcileReport](t, rec))

	rec = env.do(t, http.MethodPost, "/api/admin/accounts/acct_4/credit", `{"credits":50,"reference":"ticket-1"}`, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 50, decode[models.LedgerEntry](t, rec).RemainingCredits)
	rec = env.do(t, http.MethodPost, "/api/admin/accounts/acct_4/credit", `{"credits":50,"reference":"ticket-1"}`, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/admin/events?status=bogus", "", admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/admin/events/evt_none/replay", "", admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.webhook(t, `{"id":"evt_m","type":"customer.updated","data":{}}`)
	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sketchcredits_webhook_events_total{outcome="ignored",provider="creem"} 1`)
}

func TestPanicRecovered(t *testing.T) {
	h := loggingRecoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestParseLimit(t *testing.T) {
	limit, err := parseLimit(&http.Request{URL: &url.URL{RawQuery: "limit=25"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit != 25 {
		t.Fatalf("unexpected limit: %d", limit)
	}
	if limit, err := parseLimit(&http.Request{URL: &url.URL{}}); err != nil || limit != 0 {
		t.Fatalf("expected default limit, got %d %v", limit, err)
	}
	if _, err := parseLimit(&http.Request{URL: &url.URL{RawQuery: "limit=-1"}}); err == nil {
		t.Fatalf("expected error for negative limit")
	}
}
