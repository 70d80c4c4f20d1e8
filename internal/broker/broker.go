// Package broker applies buy, sell and deposit operations to a user's
// ledger.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/quote"
	"github.com/xtrntr/stocksim/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
)

// DefaultMaxDeposit is the largest single cash deposit.
var DefaultMaxDeposit = decimal.NewFromInt(100000)

// Publisher is notified of every committed transaction.
type Publisher interface {
	Publish(ctx context.Context, t models.Transaction) error
}

// Broker validates and applies ledger mutations.
type Broker struct {
	Ledger     store.Ledger
	Quotes     quote.Provider
	Publisher  Publisher
	MaxDeposit decimal.Decimal
}

// New creates a broker with the default deposit limit.
func New(ledger store.Ledger, quotes quote.Provider, publisher Publisher) *Broker {
	return &Broker{Ledger: ledger, Quotes: quotes, Publisher: publisher, MaxDeposit: DefaultMaxDeposit}
}

// Buy purchases shares of symbol at the current quote. Positions are keyed
// by the normalized symbol, never by the name the provider echoes back.
func (b *Broker) Buy(ctx context.Context, userID int, symbol string, shares int64) (*models.Transaction, error) {
	sym, err := validateOrder(symbol, shares)
	if err != nil {
		return nil, err
	}

	q, err := b.Quotes.Lookup(quote.Fresh(ctx), sym)
	if err != nil {
		return nil, err
	}
	cost := q.Price.Mul(decimal.NewFromInt(shares))

	var created *models.Transaction
	err = b.Ledger.WithUserTx(ctx, userID, func(tx store.LedgerTx) error {
		cash, err := tx.Cash(ctx)
		if err != nil {
			return err
		}
		if cost.GreaterThan(cash) {
			return fmt.Errorf("%w: cost %s exceeds cash %s", ErrInsufficientFunds, models.USD(cost), models.USD(cash))
		}
		created, err = tx.InsertTransaction(ctx, models.Transaction{
			Symbol: sym,
			Shares: shares,
			Price:  q.Price,
			Type:   models.TypeBuy,
		})
		if err != nil {
			return err
		}
		return tx.SetCash(ctx, cash.Sub(cost))
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Bought shares",
		zap.Int("user_id", userID),
		zap.String("symbol", sym),
		zap.Int64("shares", shares),
		zap.String("price", q.Price.String()),
		zap.String("cost", cost.String()))
	b.publish(ctx, created)
	return created, nil
}

// Sell sells shares of symbol at the current quote.
func (b *Broker) Sell(ctx context.Context, userID int, symbol string, shares int64) (*models.Transaction, error) {
	sym, err := validateOrder(symbol, shares)
	if err != nil {
		return nil, err
	}

	// Fail fast before spending a quote lookup; re-checked under the lock.
	held, err := b.Ledger.Holding(ctx, userID, sym)
	if err != nil {
		return nil, err
	}
	if held < shares {
		return nil, fmt.Errorf("%w: have %d %s, want to sell %d", ErrInsufficientShares, held, sym, shares)
	}

	q, err := b.Quotes.Lookup(quote.Fresh(ctx), sym)
	if err != nil {
		return nil, err
	}
	proceeds := q.Price.Mul(decimal.NewFromInt(shares))

	var created *models.Transaction
	err = b.Ledger.WithUserTx(ctx, userID, func(tx store.LedgerTx) error {
		held, err := tx.Holding(ctx, sym)
		if err != nil {
			return err
		}
		if held < shares {
			return fmt.Errorf("%w: have %d %s, want to sell %d", ErrInsufficientShares, held, sym, shares)
		}
		cash, err := tx.Cash(ctx)
		if err != nil {
			return err
		}
		created, err = tx.InsertTransaction(ctx, models.Transaction{
			Symbol: sym,
			Shares: -shares,
			Price:  q.Price,
			Type:   models.TypeSell,
		})
		if err != nil {
			return err
		}
		return tx.SetCash(ctx, cash.Add(proceeds))
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Sold shares",
		zap.Int("user_id", userID),
		zap.String("symbol", sym),
		zap.Int64("shares", shares),
		zap.String("price", q.Price.String()),
		zap.String("proceeds", proceeds.String()))
	b.publish(ctx, created)
	return created, nil
}

// DepositCash adds amount to the user's cash and returns the new balance.
func (b *Broker) DepositCash(ctx context.Context, userID int, amount decimal.Decimal) (decimal.Decimal, error) {
	limit := b.MaxDeposit
	if limit.IsZero() {
		limit = DefaultMaxDeposit
	}
	if !amount.IsPositive() || amount.GreaterThan(limit) {
		return decimal.Zero, fmt.Errorf("%w: deposit must be positive and at most %s", ErrInvalidInput, models.USD(limit))
	}

	var balance decimal.Decimal
	err := b.Ledger.WithUserTx(ctx, userID, func(tx store.LedgerTx) error {
		cash, err := tx.Cash(ctx)
		if err != nil {
			return err
		}
		balance = cash.Add(amount)
		return tx.SetCash(ctx, balance)
	})
	if err != nil {
		return decimal.Zero, err
	}

	zap.L().Info("Deposited cash",
		zap.Int("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()))
	return balance, nil
}

func (b *Broker) publish(ctx context.Context, t *models.Transaction) {
	if b.Publisher == nil || t == nil {
		return
	}
	if err := b.Publisher.Publish(ctx, *t); err != nil {
		zap.L().Warn("Failed to publish transaction", zap.Int("transaction_id", t.ID), zap.Error(err))
	}
}

func validateOrder(symbol string, shares int64) (string, error) {
	sym := quote.Normalize(symbol)
	if sym == "" {
		return "", fmt.Errorf("%w: must provide a valid symbol", ErrInvalidInput)
	}
	if shares <= 0 {
		return "", fmt.Errorf("%w: share count must be a positive integer", ErrInvalidInput)
	}
	return sym, nil
}
