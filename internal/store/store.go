// Package store defines the persistence contracts shared by the ledger
// backends.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrDuplicateUsername = errors.New("username already exists")
	ErrUserNotFound      = errors.New("user not found")
)

// Users stores accounts.
type Users interface {
	CreateUser(ctx context.Context, username, passwordHash string, startingCash decimal.Decimal) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, userID int) (*models.User, error)
}

// Ledger stores the append-only transaction log and the cash balances
// derived from it.
type Ledger interface {
	// Holdings returns every symbol with a positive net share count,
	// ordered by symbol.
	Holdings(ctx context.Context, userID int) ([]models.Holding, error)
	// Holding returns the net share count of one symbol, zero if never traded.
	Holding(ctx context.Context, userID int, symbol string) (int64, error)
	// Transactions returns the user's ledger, newest first.
	Transactions(ctx context.Context, userID int) ([]models.Transaction, error)
	// WithUserTx runs fn inside a database transaction holding the user's
	// row lock. The transaction commits when fn returns nil and rolls back
	// otherwise.
	WithUserTx(ctx context.Context, userID int, fn func(tx LedgerTx) error) error
}

// LedgerTx is the view of the ledger inside WithUserTx. It must not be used
// after fn returns.
type LedgerTx interface {
	Cash(ctx context.Context) (decimal.Decimal, error)
	Holdings(ctx context.Context) ([]models.Holding, error)
	Holding(ctx context.Context, symbol string) (int64, error)
	InsertTransaction(ctx context.Context, t models.Transaction) (*models.Transaction, error)
	SetCash(ctx context.Context, cash decimal.Decimal) error
}

// Store is a complete backend.
type Store interface {
	Users
	Ledger
	Close()
}
