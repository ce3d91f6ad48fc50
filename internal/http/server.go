package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"sketchcredits/internal/config"
	"sketchcredits/internal/identity"
	"sketchcredits/internal/metrics"
	"sketchcredits/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxWebhookBody = 1 << 20

type Server struct {
	svc      *services.Service
	cfg      config.Config
	identity identity.Provider
	metrics  *metrics.Metrics
}

// NewServer wires the HTTP layer; m may be nil, which disables /metrics.
func NewServer(svc *services.Service, cfg config.Config, idp identity.Provider, m *metrics.Metrics) *Server {
	return &Server{svc: svc, cfg: cfg, identity: idp, metrics: m}
}

// loggingRecoverer logs the panic with its stack and answers 500.
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "internal server error"})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs method, path, status and latency of every request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

// Routes builds the chi router. Everything except health and metrics lives under /api.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}

		// public
		r.Get("/plans", s.handleListPlans)
		r.Post("/webhooks/payments", s.handlePaymentWebhook)

		// service to service, X-API-Key
		r.With(s.apiKeyMiddleware("internal", s.cfg.InternalAPIKeyHash)).
			Post("/credits/consume", s.handleConsumeCredits)

		// signed-in account
		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Post("/checkout", s.handleCheckout)
			r.Get("/me/credits", s.handleGetCredits)
			r.Get("/me/transactions", s.handleListTransactions)
			r.Get("/me/purchases", s.handleListPurchases)
			r.Post("/me/generations", s.handleChargeGeneration)
			r.Get("/me/subscription", s.handleGetSubscription)
			r.Post("/me/subscription/cancel", s.handleCancelSubscription)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.apiKeyMiddleware("admin", s.cfg.AdminAPIKeyHash))

			r.Get("/inconsistencies", s.handleListInconsistencies)
			r.Post("/inconsistencies/{accountID}/clear", s.handleClearInconsistency)
			r.Post("/accounts/{accountID}/credit", s.handleGrantCredits)
			r.Post("/reconcile", s.handleReconcile)
			r.Get("/events", s.handleListEvents)
			r.Post("/events/{eventID}/replay", s.handleReplayEvent)
		})
	})

	return r
}

// corsMiddleware lets the browser app call the API and short-circuits preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports 503 while the ledger store is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("ledger store unreachable"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.ListPlans())
}

type checkoutRequest struct {
	PlanID string `json:"plan_id" validate:"required,max=64"`
}

// handleCheckout answers 200 for free plans granted on the spot and 201 with
// a checkout URL for paid ones.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	checkout, err := s.svc.InitiateCheckout(r.Context(), accountFromContext(r.Context()), req.PlanID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if checkout.Free {
		respondJSON(w, http.StatusOK, checkout)
		return
	}
	respondJSON(w, http.StatusCreated, checkout)
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.GetCredits(r.Context(), accountFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	txs, err := s.svc.ListTransactions(r.Context(), accountFromContext(r.Context()), limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txs)
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := s.svc.ListPurchases(r.Context(), accountFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, purchases)
}

type generationRequest struct {
	StyleID   string `json:"style_id" validate:"required,max=64"`
	RequestID string `json:"request_id" validate:"required,max=128"`
}

func (s *Server) handleChargeGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	gen, err := s.svc.ChargeGeneration(r.Context(), accountFromContext(r.Context()), req.StyleID, req.RequestID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, gen)
}

type consumeCreditsRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Credits   int    `json:"credits" validate:"gt=0"`
	RequestID string `json:"request_id" validate:"max=128"`
}

// handleConsumeCredits is called by the generation worker with the internal key.
func (s *Server) handleConsumeCredits(w http.ResponseWriter, r *http.Request) {
	var req consumeCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	entry, err := s.svc.ConsumeCredits(r.Context(), req.AccountID, req.Credits, req.RequestID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handlePaymentWebhook reads the raw body for signature verification. Only a
// failed apply answers 500, which makes the processor retry.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	receipt, err := s.svc.Receive(r.Context(), payload, r.Header.Get(s.svc.SignatureHeader()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListInconsistencies(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ListInconsistencies(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearInconsistency(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearInconsistency(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type grantCreditsRequest struct {
	Credits   int    `json:"credits" validate:"gt=0"`
	Reference string `json:"reference" validate:"required,max=128"`
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	entry, err := s.svc.GrantCredits(r.Context(), chi.URLParam(r, "accountID"), req.Credits, req.Reference)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Reconcile(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.svc.ListEvents(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.GetSubscription(r.Context(), accountFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// handleCancelSubscription answers 202: the processor confirms the
// cancellation later through its webhook.
func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.CancelSubscription(r.Context(), accountFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, sub)
}

// handleReplayEvent re-applies a failed event from its stored payload.
func (s *Server) handleReplayEvent(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.svc.Replay(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

// respondServiceError maps service sentinel errors to status codes. Anything
// unrecognised is logged and answered with a bare 500.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, services.ErrInvalidPlan):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrInvalidSignature):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrMalformedPayload):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrInsufficientCredits):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, services.ErrInconsistent):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrProviderUnavailable):
		respondError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrDuplicateRequest):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrNoSubscription):
		respondError(w, http.StatusConflict, err)
	default:
		respondErrorWithLog(w, r, http.StatusInternalServerError, err)
	}
}

// parseLimit reads ?limit=; zero means the store default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}
