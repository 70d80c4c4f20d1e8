package valuation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/stocksim/internal/broker"
	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/quote"
	"github.com/xtrntr/stocksim/internal/sqlite"
	"github.com/xtrntr/stocksim/internal/store"
)

func setupTestEngine(t *testing.T) (*Engine, *broker.Broker, quote.Static, int) {
	t.Helper()
	ctx := context.Background()

	svc, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	user, err := svc.CreateUser(ctx, "alice", "hash", decimal.NewFromInt(10000))
	require.NoError(t, err)

	quotes := quote.Static{
		"NVDA": {Symbol: "NVDA", Name: "NVIDIA Corp", Price: decimal.NewFromInt(100)},
		"AAPL": {Symbol: "AAPL", Name: "Apple Inc", Price: decimal.RequireFromString("190.50")},
	}
	return New(svc, quotes), broker.New(svc, quotes, nil), quotes, user.ID
}

func TestEngine_Portfolio(t *testing.T) {
	e, b, quotes, userID := setupTestEngine(t)
	ctx := context.Background()

	_, err := b.Buy(ctx, userID, "NVDA", 5)
	require.NoError(t, err)
	_, err = b.Buy(ctx, userID, "AAPL", 2)
	require.NoError(t, err)
	_, err = b.Buy(ctx, userID, "AAPL", 1)
	require.NoError(t, err)

	// revalue at new prices
	quotes["NVDA"] = models.Quote{Symbol: "NVDA", Name: "NVIDIA Corp", Price: decimal.NewFromInt(120)}

	p, err := e.Portfolio(ctx, userID)
	require.NoError(t, err)

	// cash = 10000 - 500 - 381 - 190.5
	cash := decimal.RequireFromString("8928.5")
	assert.True(t, p.Cash.Equal(cash), "cash %s", p.Cash)

	require.Len(t, p.Positions, 2)
	assert.Equal(t, "AAPL", p.Positions[0].Symbol)
	assert.Equal(t, int64(3), p.Positions[0].Shares)
	assert.True(t, p.Positions[0].Value.Equal(decimal.RequireFromString("571.5")))
	assert.Equal(t, "NVDA", p.Positions[1].Symbol)
	assert.Equal(t, "NVIDIA Corp", p.Positions[1].Name)
	assert.True(t, p.Positions[1].Value.Equal(decimal.NewFromInt(600)))

	assert.True(t, p.Total.Equal(cash.Add(decimal.RequireFromString("1171.5"))), "total %s", p.Total)
}

func TestEngine_Portfolio_SkipsClosedPositions(t *testing.T) {
	e, b, _, userID := setupTestEngine(t)
	ctx := context.Background()

	_, err := b.Buy(ctx, userID, "NVDA", 5)
	require.NoError(t, err)
	_, err = b.Sell(ctx, userID, "NVDA", 5)
	require.NoError(t, err)

	p, err := e.Portfolio(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, p.Positions)
	assert.True(t, p.Total.Equal(decimal.NewFromInt(10000)))
	assert.True(t, p.Total.Equal(p.Cash))
}

func TestEngine_Portfolio_QuoteFailureFailsWholeView(t *testing.T) {
	e, b, quotes, userID := setupTestEngine(t)
	ctx := context.Background()

	_, err := b.Buy(ctx, userID, "NVDA", 1)
	require.NoError(t, err)
	_, err = b.Buy(ctx, userID, "AAPL", 1)
	require.NoError(t, err)

	delete(quotes, "AAPL")
	p, err := e.Portfolio(ctx, userID)
	require.ErrorIs(t, err, quote.ErrUnknownSymbol)
	assert.Nil(t, p)
}

func TestEngine_Portfolio_UnknownUser(t *testing.T) {
	e, _, _, _ := setupTestEngine(t)

	_, err := e.Portfolio(context.Background(), 42)
	require.ErrorIs(t, err, store.ErrUserNotFound)
}

// tradeDuringRead starts a trade right after the valuation has read cash.
type tradeDuringRead struct {
	store.Ledger
	trade func()
}

type tradeDuringReadTx struct {
	store.LedgerTx
	trade func()
}

func (l tradeDuringRead) WithUserTx(ctx context.Context, userID int, fn func(tx store.LedgerTx) error) error {
	return l.Ledger.WithUserTx(ctx, userID, func(tx store.LedgerTx) error {
		return fn(tradeDuringReadTx{tx, l.trade})
	})
}

func (t tradeDuringReadTx) Cash(ctx context.Context) (decimal.Decimal, error) {
	cash, err := t.LedgerTx.Cash(ctx)
	t.trade()
	return cash, err
}

func TestEngine_Portfolio_ConsistentWithConcurrentTrade(t *testing.T) {
	e, b, _, userID := setupTestEngine(t)
	ctx := context.Background()

	_, err := b.Buy(ctx, userID, "NVDA", 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var buyErr error
	e.Ledger = tradeDuringRead{Ledger: e.Ledger, trade: func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, buyErr = b.Buy(ctx, userID, "NVDA", 10)
		}()
	}}

	p, err := e.Portfolio(ctx, userID)
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, buyErr)

	// prices are flat, so the total is 10000 whether or not the buy is counted
	assert.True(t, p.Total.Equal(decimal.NewFromInt(10000)), "total %s", p.Total)
	assert.True(t, p.Cash.Equal(decimal.NewFromInt(9500)), "cash %s", p.Cash)
	require.Len(t, p.Positions, 1)
	assert.Equal(t, int64(5), p.Positions[0].Shares)
}

func TestEngine_HistoryAndSellable(t *testing.T) {
	e, b, _, userID := setupTestEngine(t)
	ctx := context.Background()

	_, err := b.Buy(ctx, userID, "NVDA", 2)
	require.NoError(t, err)
	_, err = b.Buy(ctx, userID, "AAPL", 1)
	require.NoError(t, err)
	_, err = b.Sell(ctx, userID, "AAPL", 1)
	require.NoError(t, err)

	history, err := e.History(ctx, userID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.TypeSell, history[0].Type)

	sellable, err := e.Sellable(ctx, userID)
	require.NoError(t, err)
	require.Len(t, sellable, 1)
	assert.Equal(t, models.Holding{Symbol: "NVDA", Shares: 2}, sellable[0])
}
