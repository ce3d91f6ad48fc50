package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sketchcredits/internal/catalog"
	"sketchcredits/internal/config"
	"sketchcredits/internal/db"
	httpapi "sketchcredits/internal/http"
	"sketchcredits/internal/identity"
	"sketchcredits/internal/metrics"
	"sketchcredits/internal/notify"
	"sketchcredits/internal/payment"
	"sketchcredits/internal/services"
	"sketchcredits/internal/store"
	"sketchcredits/internal/store/memory"
	"sketchcredits/internal/store/postgres"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plans, err := catalog.Load(cfg.PlanCatalog, cfg.PlanCatalogErr)
	if err != nil {
		log.Fatalf("load plan catalog failed: %v", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open ledger store failed: %v", err)
	}
	defer st.Close()

	m := metrics.New()
	svc := services.New(st, plans, newProcessor(cfg), cfg)
	svc.Metrics = m
	svc.Notifier = newNotifier(cfg)

	if cfg.AuthJWTSecret == "" {
		log.Printf("[WARN] AUTH_JWT_SECRET not set, account endpoints will reject every token")
	}
	server := httpapi.NewServer(svc, cfg, identity.NewJWTVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer), m)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return services.NewReconciler(svc, cfg.ReconcileInterval).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Printf("[WARN] using in-memory ledger store, balances are lost on restart")
		return memory.New(), nil
	case config.StorePostgres:
		if cfg.AutoMigrate {
			if err := db.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	default:
		return nil, errors.New("unknown STORE_DRIVER " + cfg.StoreDriver)
	}
}

func newProcessor(cfg config.Config) payment.Processor {
	if !cfg.PaymentConfigured() {
		log.Printf("[WARN] payment provider %s not configured, checkouts and webhooks are disabled", cfg.PaymentProvider)
		return payment.Noop{}
	}
	switch cfg.PaymentProvider {
	case config.ProviderStripe:
		return payment.NewStripe(cfg.StripeSecretKey, cfg.PaymentWebhookSecret, cfg.StripeCurrency)
	default:
		return payment.NewCreem(cfg.CreemAPIKey, cfg.CreemAPIURL, cfg.PaymentWebhookSecret, cfg.ProviderTimeout)
	}
}

func newNotifier(cfg config.Config) notify.Notifier {
	client := notify.NewResendClient(cfg.ResendAPIKey, cfg.ProviderTimeout)
	if !client.IsConfigured() || cfg.NotifyFromEmail == "" {
		log.Printf("[WARN] RESEND_API_KEY or NOTIFY_FROM_EMAIL not set, notifications are disabled")
		return notify.Noop{}
	}
	return notify.NewEmailNotifier(client, cfg.NotifyFromEmail, cfg.OperatorEmail)
}
