package broker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/quote"
	"github.com/xtrntr/stocksim/internal/sqlite"
	"github.com/xtrntr/stocksim/internal/store"
)

func setupTestBroker(t *testing.T) (*Broker, *sqlite.Service, quote.Static, int) {
	t.Helper()
	ctx := context.Background()

	svc, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	user, err := svc.CreateUser(ctx, "alice", "hash", decimal.NewFromInt(10000))
	require.NoError(t, err)

	quotes := quote.Static{
		"NVDA": {Symbol: "NVDA", Name: "NVIDIA Corp", Price: decimal.NewFromInt(100)},
	}
	return New(svc, quotes, nil), svc, quotes, user.ID
}

func cashOf(t *testing.T, svc *sqlite.Service, userID int) decimal.Decimal {
	t.Helper()
	u, err := svc.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	return u.Cash
}

func TestBroker_BuyThenSell(t *testing.T) {
	b, svc, quotes, userID := setupTestBroker(t)
	ctx := context.Background()

	// Buy 5 NVDA at 100
	bought, err := b.Buy(ctx, userID, "nvda", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bought.Shares)
	assert.Equal(t, models.TypeBuy, bought.Type)
	assert.True(t, bought.Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(9500)))

	held, err := svc.Holding(ctx, userID, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, int64(5), held)

	// Price moves to 110, sell 3
	quotes["NVDA"] = models.Quote{Symbol: "NVDA", Name: "NVIDIA Corp", Price: decimal.NewFromInt(110)}
	sold, err := b.Sell(ctx, userID, "NVDA", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), sold.Shares)
	assert.Equal(t, models.TypeSell, sold.Type)
	assert.True(t, sold.Price.Equal(decimal.NewFromInt(110)))
	assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(9830)))

	held, err = svc.Holding(ctx, userID, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, int64(2), held)

	history, err := svc.Transactions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-3), history[0].Shares)
	assert.Equal(t, int64(5), history[1].Shares)
	assert.True(t, history[1].Price.Equal(decimal.NewFromInt(100)), "recorded price must not be repriced")
}

func TestBroker_Buy_Failures(t *testing.T) {
	tests := []struct {
		name      string
		symbol    string
		shares    int64
		expectErr error
	}{
		{name: "EmptySymbol", symbol: "", shares: 1, expectErr: ErrInvalidInput},
		{name: "ZeroShares", symbol: "NVDA", shares: 0, expectErr: ErrInvalidInput},
		{name: "NegativeShares", symbol: "NVDA", shares: -2, expectErr: ErrInvalidInput},
		{name: "UnknownSymbol", symbol: "ZZZZ", shares: 1, expectErr: quote.ErrUnknownSymbol},
		{name: "InsufficientFunds", symbol: "NVDA", shares: 101, expectErr: ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, svc, _, userID := setupTestBroker(t)

			_, err := b.Buy(context.Background(), userID, tt.symbol, tt.shares)
			require.ErrorIs(t, err, tt.expectErr)

			// no state change
			assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(10000)))
			history, err := svc.Transactions(context.Background(), userID)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestBroker_Buy_ExactCash(t *testing.T) {
	b, svc, _, userID := setupTestBroker(t)

	_, err := b.Buy(context.Background(), userID, "NVDA", 100)
	require.NoError(t, err)
	assert.True(t, cashOf(t, svc, userID).IsZero())
}

func TestBroker_Sell_Failures(t *testing.T) {
	tests := []struct {
		name      string
		symbol    string
		shares    int64
		expectErr error
	}{
		{name: "ZeroShares", symbol: "NVDA", shares: 0, expectErr: ErrInvalidInput},
		{name: "EmptySymbol", symbol: " ", shares: 1, expectErr: ErrInvalidInput},
		{name: "MoreThanHeld", symbol: "NVDA", shares: 6, expectErr: ErrInsufficientShares},
		{name: "NeverHeld", symbol: "AAPL", shares: 1, expectErr: ErrInsufficientShares},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, svc, _, userID := setupTestBroker(t)
			ctx := context.Background()
			_, err := b.Buy(ctx, userID, "NVDA", 5)
			require.NoError(t, err)

			_, err = b.Sell(ctx, userID, tt.symbol, tt.shares)
			require.ErrorIs(t, err, tt.expectErr)

			assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(9500)))
			history, err := svc.Transactions(ctx, userID)
			require.NoError(t, err)
			assert.Len(t, history, 1)
		})
	}
}

func TestBroker_Sell_QuoteFailure(t *testing.T) {
	b, svc, quotes, userID := setupTestBroker(t)
	ctx := context.Background()
	_, err := b.Buy(ctx, userID, "NVDA", 5)
	require.NoError(t, err)

	delete(quotes, "NVDA")
	_, err = b.Sell(ctx, userID, "NVDA", 1)
	require.ErrorIs(t, err, quote.ErrUnknownSymbol)

	held, err := svc.Holding(ctx, userID, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, int64(5), held)
}

func TestBroker_DepositCash(t *testing.T) {
	tests := []struct {
		name        string
		amount      decimal.Decimal
		expectError bool
		expectCash  decimal.Decimal
	}{
		{name: "Success", amount: decimal.NewFromInt(500), expectCash: decimal.NewFromInt(10500)},
		{name: "Maximum", amount: decimal.NewFromInt(100000), expectCash: decimal.NewFromInt(110000)},
		{name: "Zero", amount: decimal.Zero, expectError: true, expectCash: decimal.NewFromInt(10000)},
		{name: "Negative", amount: decimal.NewFromInt(-1), expectError: true, expectCash: decimal.NewFromInt(10000)},
		{name: "OverMaximum", amount: decimal.NewFromInt(100001), expectError: true, expectCash: decimal.NewFromInt(10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, svc, _, userID := setupTestBroker(t)

			balance, err := b.DepositCash(context.Background(), userID, tt.amount)
			if tt.expectError {
				require.ErrorIs(t, err, ErrInvalidInput)
			} else {
				require.NoError(t, err)
				assert.True(t, balance.Equal(tt.expectCash), "balance %s", balance)
			}
			assert.True(t, cashOf(t, svc, userID).Equal(tt.expectCash))
		})
	}
}

func TestBroker_UnknownUser(t *testing.T) {
	b, _, _, _ := setupTestBroker(t)

	_, err := b.DepositCash(context.Background(), 999, decimal.NewFromInt(1))
	require.ErrorIs(t, err, store.ErrUserNotFound)
}

// failingLedger wraps a ledger and fails the cash update after the
// transaction row was inserted.
type failingLedger struct {
	store.Ledger
}

type failingTx struct {
	store.LedgerTx
}

func (f failingTx) SetCash(context.Context, decimal.Decimal) error {
	return errors.New("disk on fire")
}

func (f failingLedger) WithUserTx(ctx context.Context, userID int, fn func(tx store.LedgerTx) error) error {
	return f.Ledger.WithUserTx(ctx, userID, func(tx store.LedgerTx) error {
		return fn(failingTx{tx})
	})
}

func TestBroker_Buy_RollsBackOnPartialFailure(t *testing.T) {
	b, svc, _, userID := setupTestBroker(t)
	b.Ledger = failingLedger{svc}

	_, err := b.Buy(context.Background(), userID, "NVDA", 1)
	require.Error(t, err)

	history, err := svc.Transactions(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, history, "transaction insert must be rolled back")
	assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(10000)))
}

func TestBroker_ConcurrentBuysNeverOverspend(t *testing.T) {
	b, svc, _, userID := setupTestBroker(t)

	// each buy costs 3000; only three fit into 10000
	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Buy(context.Background(), userID, "NVDA", 30); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(1000)))
}

func TestBroker_ConcurrentSellsNeverOversell(t *testing.T) {
	b, svc, _, userID := setupTestBroker(t)
	ctx := context.Background()

	_, err := b.Buy(ctx, userID, "NVDA", 5)
	require.NoError(t, err)

	// each sell wants 2 of 5 shares; only two can succeed
	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	var failures []error
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Sell(ctx, userID, "NVDA", 2)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else {
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, success)
	require.Len(t, failures, 6)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrInsufficientShares)
	}

	held, err := svc.Holding(ctx, userID, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, int64(1), held)
	// 10000 - 500 + 2*200
	assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(9900)))
}

func TestBroker_TradesIgnoreCachedQuotes(t *testing.T) {
	b, svc, quotes, userID := setupTestBroker(t)
	ctx := context.Background()

	cached := &quote.Cached{P: quote.NewRateLimited(quotes, 8), TTL: 15 * time.Second}
	b.Quotes = cached

	_, err := b.Buy(ctx, userID, "NVDA", 5)
	require.NoError(t, err)

	quotes["NVDA"] = models.Quote{Symbol: "NVDA", Name: "NVIDIA Corp", Price: decimal.NewFromInt(110)}

	sold, err := b.Sell(ctx, userID, "NVDA", 3)
	require.NoError(t, err)
	assert.True(t, sold.Price.Equal(decimal.NewFromInt(110)), "sold at %s", sold.Price)
	assert.True(t, cashOf(t, svc, userID).Equal(decimal.NewFromInt(9830)))

	// the trade refreshed the cache for readers
	q, err := cached.Lookup(ctx, "NVDA")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(110)))
}

func TestBroker_PositionsKeyedByRequestedSymbol(t *testing.T) {
	b, svc, quotes, userID := setupTestBroker(t)
	ctx := context.Background()

	// the provider answers for a share class under a different ticker
	quotes["BRK.B"] = models.Quote{Symbol: "BRK-B", Name: "Berkshire Hathaway", Price: decimal.NewFromInt(400)}

	bought, err := b.Buy(ctx, userID, "brk.b", 3)
	require.NoError(t, err)
	assert.Equal(t, "BRK.B", bought.Symbol)

	sold, err := b.Sell(ctx, userID, "BRK.B", 2)
	require.NoError(t, err)
	assert.Equal(t, "BRK.B", sold.Symbol)

	held, err := svc.Holding(ctx, userID, "BRK.B")
	require.NoError(t, err)
	assert.Equal(t, int64(1), held)

	_, err = b.Sell(ctx, userID, "BRK.B", 2)
	require.ErrorIs(t, err, ErrInsufficientShares)
}

type recordingPublisher struct {
	mu    sync.Mutex
	items []models.Transaction
}

func (r *recordingPublisher) Publish(_ context.Context, t models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, t)
	return nil
}

func TestBroker_PublishesCommittedTransactions(t *testing.T) {
	b, _, _, userID := setupTestBroker(t)
	pub := &recordingPublisher{}
	b.Publisher = pub
	ctx := context.Background()

	_, err := b.Buy(ctx, userID, "NVDA", 2)
	require.NoError(t, err)
	_, err = b.Sell(ctx, userID, "NVDA", 5)
	require.ErrorIs(t, err, ErrInsufficientShares)

	require.Len(t, pub.items, 1)
	assert.Equal(t, int64(2), pub.items[0].Shares)
	assert.Equal(t, userID, pub.items[0].UserID)
}
