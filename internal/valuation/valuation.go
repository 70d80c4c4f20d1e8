// Package valuation values a user's holdings at current quotes.
package valuation

import (
	"context"
	"fmt"

	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/quote"
	"github.com/xtrntr/stocksim/internal/store"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentLookups bounds parallel quote requests per valuation
const maxConcurrentLookups = 4

// Engine derives portfolios from the ledger. It never writes.
type Engine struct {
	Ledger store.Ledger
	Quotes quote.Provider
}

// New creates a valuation engine.
func New(ledger store.Ledger, quotes quote.Provider) *Engine {
	return &Engine{Ledger: ledger, Quotes: quotes}
}

// Portfolio values every holding of the user. If any held symbol cannot be
// quoted the whole valuation fails; a partial portfolio is never returned.
func (e *Engine) Portfolio(ctx context.Context, userID int) (*models.Portfolio, error) {
	// Cash and holdings are read in one transaction; quotes are fetched
	// after it commits.
	var cash decimal.Decimal
	var holdings []models.Holding
	err := e.Ledger.WithUserTx(ctx, userID, func(tx store.LedgerTx) error {
		var err error
		if cash, err = tx.Cash(ctx); err != nil {
			return err
		}
		holdings, err = tx.Holdings(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	positions := make([]models.Position, len(holdings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, h := range holdings {
		g.Go(func() error {
			q, err := e.Quotes.Lookup(gctx, h.Symbol)
			if err != nil {
				return fmt.Errorf("failed to value %s: %w", h.Symbol, err)
			}
			positions[i] = models.Position{
				Symbol: h.Symbol,
				Name:   q.Name,
				Shares: h.Shares,
				Price:  q.Price,
				Value:  q.Price.Mul(decimal.NewFromInt(h.Shares)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := cash
	for _, p := range positions {
		total = total.Add(p.Value)
	}

	return &models.Portfolio{
		UserID:    userID,
		Positions: positions,
		Cash:      cash,
		Total:     total,
	}, nil
}

// History returns the user's ledger, newest first.
func (e *Engine) History(ctx context.Context, userID int) ([]models.Transaction, error) {
	return e.Ledger.Transactions(ctx, userID)
}

// Sellable returns the symbols the user can currently sell.
func (e *Engine) Sellable(ctx context.Context, userID int) ([]models.Holding, error) {
	return e.Ledger.Holdings(ctx, userID)
}
