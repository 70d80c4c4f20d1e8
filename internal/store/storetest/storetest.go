// Package storetest holds behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/store"
)

// Run exercises s, which must be empty.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", "hash", decimal.NewFromInt(10000))
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "bob", "hash", decimal.RequireFromString("250.75"))
	require.NoError(t, err)

	t.Run("Users", func(t *testing.T) {
		tests := []struct {
			name      string
			lookup    func() (*models.User, error)
			expectErr error
			expectID  int
		}{
			{name: "ByUsername", lookup: func() (*models.User, error) { return s.GetUserByUsername(ctx, "alice") }, expectID: alice.ID},
			{name: "ByID", lookup: func() (*models.User, error) { return s.GetUserByID(ctx, bob.ID) }, expectID: bob.ID},
			{name: "UnknownUsername", lookup: func() (*models.User, error) { return s.GetUserByUsername(ctx, "carol") }, expectErr: store.ErrUserNotFound},
			{name: "UnknownID", lookup: func() (*models.User, error) { return s.GetUserByID(ctx, 9999) }, expectErr: store.ErrUserNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				u, err := tt.lookup()
				if tt.expectErr != nil {
					require.ErrorIs(t, err, tt.expectErr)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.expectID, u.ID)
				assert.Equal(t, "hash", u.PasswordHash)
			})
		}

		u, err := s.GetUserByID(ctx, bob.ID)
		require.NoError(t, err)
		assert.True(t, u.Cash.Equal(decimal.RequireFromString("250.75")), "cash %s", u.Cash)
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		_, err := s.CreateUser(ctx, "alice", "other", decimal.NewFromInt(1))
		require.ErrorIs(t, err, store.ErrDuplicateUsername)
	})

	t.Run("LedgerTx", func(t *testing.T) {
		trades := []models.Transaction{
			{Symbol: "NVDA", Shares: 5, Price: decimal.NewFromInt(100), Type: models.TypeBuy},
			{Symbol: "AAPL", Shares: 2, Price: decimal.RequireFromString("190.5"), Type: models.TypeBuy},
			{Symbol: "NVDA", Shares: -3, Price: decimal.NewFromInt(110), Type: models.TypeSell},
			{Symbol: "AAPL", Shares: -2, Price: decimal.NewFromInt(200), Type: models.TypeSell},
		}
		for _, trade := range trades {
			err := s.WithUserTx(ctx, alice.ID, func(tx store.LedgerTx) error {
				created, err := tx.InsertTransaction(ctx, trade)
				if err != nil {
					return err
				}
				assert.NotZero(t, created.ID)
				assert.Equal(t, alice.ID, created.UserID)
				assert.False(t, created.CreatedAt.IsZero())
				return nil
			})
			require.NoError(t, err)
		}

		// closed positions are not holdings
		holdings, err := s.Holdings(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, []models.Holding{{Symbol: "NVDA", Shares: 2}}, holdings)

		err = s.WithUserTx(ctx, alice.ID, func(tx store.LedgerTx) error {
			inTx, err := tx.Holdings(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, holdings, inTx)
			return nil
		})
		require.NoError(t, err)

		held, err := s.Holding(ctx, alice.ID, "AAPL")
		require.NoError(t, err)
		assert.Equal(t, int64(0), held)
		held, err = s.Holding(ctx, alice.ID, "MSFT")
		require.NoError(t, err)
		assert.Equal(t, int64(0), held)

		history, err := s.Transactions(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, history, 4)
		assert.Equal(t, int64(-2), history[0].Shares, "newest first")
		assert.Equal(t, int64(5), history[3].Shares)
		assert.True(t, history[1].Price.Equal(decimal.NewFromInt(110)))
		assert.True(t, history[2].Price.Equal(decimal.RequireFromString("190.5")))

		// other users see nothing
		history, err = s.Transactions(ctx, bob.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("CashAndRollback", func(t *testing.T) {
		err := s.WithUserTx(ctx, bob.ID, func(tx store.LedgerTx) error {
			cash, err := tx.Cash(ctx)
			if err != nil {
				return err
			}
			assert.True(t, cash.Equal(decimal.RequireFromString("250.75")))
			return tx.SetCash(ctx, cash.Add(decimal.RequireFromString("0.25")))
		})
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.WithUserTx(ctx, bob.ID, func(tx store.LedgerTx) error {
			if _, err := tx.InsertTransaction(ctx, models.Transaction{
				Symbol: "MSFT", Shares: 1, Price: decimal.NewFromInt(1), Type: models.TypeBuy,
			}); err != nil {
				return err
			}
			if err := tx.SetCash(ctx, decimal.Zero); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		u, err := s.GetUserByID(ctx, bob.ID)
		require.NoError(t, err)
		assert.True(t, u.Cash.Equal(decimal.NewFromInt(251)), "cash %s", u.Cash)
		history, err := s.Transactions(ctx, bob.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("UnknownUserTx", func(t *testing.T) {
		called := false
		err := s.WithUserTx(ctx, 9999, func(tx store.LedgerTx) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, store.ErrUserNotFound)
		assert.False(t, called)
	})
}
