package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xtrntr/stocksim/internal/auth"
	"github.com/xtrntr/stocksim/internal/broker"
	"github.com/xtrntr/stocksim/internal/config"
	"github.com/xtrntr/stocksim/internal/db"
	"github.com/xtrntr/stocksim/internal/quote"
	"github.com/xtrntr/stocksim/internal/sqlite"
	"github.com/xtrntr/stocksim/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type demoTrade struct {
	sell   bool
	symbol string
	shares int64
}

var demoUsers = map[string][]demoTrade{
	"demo": {
		{symbol: "NVDA", shares: 10},
		{symbol: "AAPL", shares: 5},
		{symbol: "MSFT", shares: 3},
		{sell: true, symbol: "NVDA", shares: 4},
	},
	"trader": {
		{symbol: "GOOG", shares: 8},
		{symbol: "AMZN", shares: 6},
		{sell: true, symbol: "GOOG", shares: 8},
	},
}

// Seed the ledger with demo users and trades
func main() {
	configFile := flag.String("config", "", "optional YAML config file (defaults to $CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	_, syncLogger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syncLogger()
	if cfg.DotEnvLoaded {
		zap.L().Info("Loaded environment variables from .env file")
	}

	if err := seed(context.Background(), cfg); err != nil {
		zap.L().Error("Seeding failed", zap.Error(err))
		syncLogger()
		os.Exit(1)
	}
	fmt.Println("Successfully seeded the database with demo users!")
}

func seed(ctx context.Context, cfg *config.Config) error {
	var s store.Store
	switch cfg.Ledger.Driver {
	case config.DriverSQLite:
		svc, err := sqlite.Open(ctx, cfg.Ledger.SQLitePath)
		if err != nil {
			return err
		}
		s = svc
	default:
		database, err := db.NewDB(ctx, cfg.Ledger.DatabaseURL, int32(cfg.Ledger.MaxConns))
		if err != nil {
			return err
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return err
		}
		s = database
	}
	defer s.Close()

	// Trades go through the broker so the seeded ledger obeys the same rules
	// as user activity.
	authService := auth.NewAuthService(s, nil, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Ledger.StartingCash)
	b := broker.New(s, quote.Demo(), nil)

	for username, trades := range demoUsers {
		user, err := s.GetUserByUsername(ctx, username)
		if errors.Is(err, store.ErrUserNotFound) {
			// Password equals username; demo only
			user, err = authService.Register(ctx, username, username, username)
		}
		if err != nil {
			return fmt.Errorf("failed to prepare user %s: %w", username, err)
		}

		history, err := s.Transactions(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			zap.L().Info("User already has transactions, skipping",
				zap.String("username", username),
				zap.Int("transactions", len(history)))
			continue
		}

		for _, t := range trades {
			if t.sell {
				_, err = b.Sell(ctx, user.ID, t.symbol, t.shares)
			} else {
				_, err = b.Buy(ctx, user.ID, t.symbol, t.shares)
			}
			if err != nil {
				return fmt.Errorf("failed to seed %s trade for %s: %w", t.symbol, username, err)
			}
		}

		if _, err := b.DepositCash(ctx, user.ID, decimal.NewFromInt(5000)); err != nil {
			return err
		}
	}
	return nil
}
