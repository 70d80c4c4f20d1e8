package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/stocksim/internal/api"
	"github.com/xtrntr/stocksim/internal/auth"
	"github.com/xtrntr/stocksim/internal/broker"
	"github.com/xtrntr/stocksim/internal/config"
	"github.com/xtrntr/stocksim/internal/db"
	"github.com/xtrntr/stocksim/internal/events"
	"github.com/xtrntr/stocksim/internal/quote"
	"github.com/xtrntr/stocksim/internal/sqlite"
	"github.com/xtrntr/stocksim/internal/store"
	"github.com/xtrntr/stocksim/internal/valuation"

	"go.uber.org/zap"
)

// Main entry point: loads configuration, opens the ledger and serves HTTP
func main() {
	configFile := flag.String("config", "", "optional YAML config file (defaults to $CONFIG_FILE)")
	staticDir := flag.String("static", "", "directory of frontend files served at /")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	_, syncLogger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syncLogger()
	if cfg.DotEnvLoaded {
		zap.L().Info("Loaded environment variables from .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *staticDir); err != nil {
		zap.L().Error("Server failed", zap.Error(err))
		syncLogger()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, staticDir string) error {
	ledger, err := openStore(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	live, cached, err := newQuoteProviders(cfg.Quote)
	if err != nil {
		return err
	}

	// Initialize event fan-out
	hub := events.NewHub(nil)
	defer hub.Close()
	publishers := events.Multi{hub}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		publishers = append(publishers, nc)
	}

	// Initialize auth service
	var denylist auth.Denylist = auth.NewMemoryDenylist()
	if cfg.RedisURL != "" {
		rd, err := auth.NewRedisDenylist(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rd.Close()
		denylist = rd
		zap.L().Info("Using Redis token denylist")
	}
	authService := auth.NewAuthService(ledger, denylist, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Ledger.StartingCash)

	b := broker.New(ledger, live, publishers)
	b.MaxDeposit = cfg.Ledger.MaxDeposit

	// Initialize API handlers
	handler := api.NewHandler(authService, b, valuation.New(ledger, cached), cached, hub)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		StaticDir:      staticDir,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Starting server", zap.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown
	hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.LedgerConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	default:
		database, err := db.NewDB(ctx, cfg.DatabaseURL, int32(cfg.MaxConns))
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
		zap.L().Info("Connected to PostgreSQL", zap.Int("max_conns", cfg.MaxConns))
		return database, nil
	}
}

// newQuoteProviders returns the provider trades price against and the cached
// one used for portfolio views and quote lookups. Both share one rate limit.
func newQuoteProviders(cfg config.QuoteConfig) (live, cached quote.Provider, err error) {
	if cfg.Static {
		zap.L().Warn("Serving static demo quotes")
		demo := quote.Demo()
		return demo, demo, nil
	}

	client, err := quote.NewClient(cfg.APIKey,
		quote.WithBaseURL(cfg.BaseURL),
		quote.WithTimeout(cfg.Timeout),
		quote.WithHTTPClient(quote.NewHTTPClient(cfg.Timeout)),
	)
	if err != nil {
		return nil, nil, err
	}
	limited := quote.NewRateLimited(client, cfg.RatePerMinute)
	return limited, &quote.Cached{P: limited, TTL: cfg.CacheTTL, MaxItems: 1000}, nil
}
