// Package sqlite is the embedded ledger backend. It keeps the original
// single-file deployment working without a PostgreSQL server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/store"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	cash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id),
	symbol TEXT NOT NULL,
	shares INTEGER NOT NULL CHECK (shares <> 0),
	price TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('buy', 'sell')),
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_symbol ON transactions(user_id, symbol);
`

var _ store.Store = (*Service)(nil)

// Service is a SQLite-backed store.
type Service struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies
// the schema.
func Open(ctx context.Context, path string) (*Service, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	zap.L().Info("Opening SQLite database", zap.String("file", path))
	// _txlock=immediate takes the write lock at BEGIN, which serializes
	// read-validate-write sequences.
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	return &Service{db: db}, nil
}

// Close closes the database.
func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) CreateUser(ctx context.Context, username, passwordHash string, startingCash decimal.Decimal) (*models.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, cash, created_at) VALUES (?, ?, ?, ?)",
		username, passwordHash, startingCash.String(), now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, store.ErrDuplicateUsername
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return &models.User{
		ID:           int(id),
		Username:     username,
		PasswordHash: passwordHash,
		Cash:         startingCash,
		CreatedAt:    now,
	}, nil
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, "username = ?", username)
}

func (s *Service) GetUserByID(ctx context.Context, userID int) (*models.User, error) {
	return s.getUser(ctx, "id = ?", userID)
}

func (s *Service) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	var cash string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, cash, created_at FROM users WHERE "+where, arg).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &cash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("failed to parse cash '%s': %w", cash, err)
	}
	return user, nil
}

func (s *Service) Holdings(ctx context.Context, userID int) ([]models.Holding, error) {
	return holdings(ctx, s.db, userID)
}

func (s *Service) Holding(ctx context.Context, userID int, symbol string) (int64, error) {
	return holding(ctx, s.db, userID, symbol)
}

func (s *Service) Transactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, shares, price, type, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var price string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Shares, &price, &t.Type, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price '%s': %w", price, err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

func (s *Service) WithUserTx(ctx context.Context, userID int, fn func(tx store.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int
	err = tx.QueryRowContext(ctx, "SELECT id FROM users WHERE id = ?", userID).Scan(&id)
	if err == sql.ErrNoRows {
		return store.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}

	if err := fn(&ledgerTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func holdings(ctx context.Context, q querier, userID int) ([]models.Holding, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT symbol, SUM(shares)
		FROM transactions
		WHERE user_id = ?
		GROUP BY symbol
		HAVING SUM(shares) > 0
		ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	var result []models.Holding
	for rows.Next() {
		var h models.Holding
		if err := rows.Scan(&h.Symbol, &h.Shares); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holding rows: %w", err)
	}
	return result, nil
}

func holding(ctx context.Context, q querier, userID int, symbol string) (int64, error) {
	var shares int64
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(shares), 0) FROM transactions WHERE user_id = ? AND symbol = ?",
		userID, symbol).Scan(&shares)
	if err != nil {
		return 0, fmt.Errorf("failed to get holding: %w", err)
	}
	return shares, nil
}

type ledgerTx struct {
	tx     *sql.Tx
	userID int
}

func (l *ledgerTx) Cash(ctx context.Context) (decimal.Decimal, error) {
	var cash string
	if err := l.tx.QueryRowContext(ctx, "SELECT cash FROM users WHERE id = ?", l.userID).Scan(&cash); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get cash: %w", err)
	}
	c, err := decimal.NewFromString(cash)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse cash '%s': %w", cash, err)
	}
	return c, nil
}

func (l *ledgerTx) Holdings(ctx context.Context) ([]models.Holding, error) {
	return holdings(ctx, l.tx, l.userID)
}

func (l *ledgerTx) Holding(ctx context.Context, symbol string) (int64, error) {
	return holding(ctx, l.tx, l.userID, symbol)
}

func (l *ledgerTx) InsertTransaction(ctx context.Context, t models.Transaction) (*models.Transaction, error) {
	now := time.Now().UTC()
	res, err := l.tx.ExecContext(ctx,
		"INSERT INTO transactions (user_id, symbol, shares, price, type, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		l.userID, t.Symbol, t.Shares, t.Price.String(), t.Type, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction id: %w", err)
	}
	t.ID = int(id)
	t.UserID = l.userID
	t.CreatedAt = now
	return &t, nil
}

func (l *ledgerTx) SetCash(ctx context.Context, cash decimal.Decimal) error {
	res, err := l.tx.ExecContext(ctx, "UPDATE users SET cash = ? WHERE id = ?", cash.String(), l.userID)
	if err != nil {
		return fmt.Errorf("failed to update cash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrUserNotFound
	}
	return nil
}
