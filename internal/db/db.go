package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed migrations/001_init.sql
var initSchema string

// uniqueViolation is the PostgreSQL error code for unique_violation
const uniqueViolation = "23505"

var _ store.Store = (*DB)(nil)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	zap.L().Info("Database schema applied")
	return nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// CreateUser inserts a new user with the given starting cash
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, startingCash decimal.Decimal) (*models.User, error) {
	user := &models.User{}
	var cash string
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, cash) VALUES ($1, $2, $3::numeric) RETURNING id, username, password_hash, cash::text, created_at",
		username, passwordHash, startingCash.String()).Scan(&user.ID, &user.Username, &user.PasswordHash, &cash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, store.ErrDuplicateUsername
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if user.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("failed to parse cash %q: %w", cash, err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, "username = $1", username)
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, userID int) (*models.User, error) {
	return db.getUser(ctx, "id = $1", userID)
}

func (db *DB) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	var cash string
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, cash::text, created_at FROM users WHERE "+where,
		arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &cash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("failed to parse cash %q: %w", cash, err)
	}
	return user, nil
}

// Holdings retrieves every symbol the user currently holds
func (db *DB) Holdings(ctx context.Context, userID int) ([]models.Holding, error) {
	return holdings(ctx, db.Pool, userID)
}

// Holding retrieves the net share count of one symbol
func (db *DB) Holding(ctx context.Context, userID int, symbol string) (int64, error) {
	return holding(ctx, db.Pool, userID, symbol)
}

// Transactions retrieves the user's ledger, newest first
func (db *DB) Transactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, symbol, shares, price::text, type, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
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
			return nil, fmt.Errorf("failed to parse price %q: %w", price, err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return transactions, nil
}

// WithUserTx runs fn in a transaction that holds the user's row lock, so
// concurrent operations for the same user are serialized.
func (db *DB) WithUserTx(ctx context.Context, userID int, fn func(tx store.LedgerTx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the user row for the lifetime of the transaction
	var id int
	err = tx.QueryRow(ctx, "SELECT id FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrUserNotFound
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}

	if err := fn(&ledgerTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func holdings(ctx context.Context, q querier, userID int) ([]models.Holding, error) {
	rows, err := q.Query(ctx, `
		SELECT symbol, SUM(shares)::bigint
		FROM transactions
		WHERE user_id = $1
		GROUP BY symbol
		HAVING SUM(shares) > 0
		ORDER BY symbol
	`, userID)
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
		return nil, fmt.Errorf("failed to iterate holdings: %w", err)
	}
	return result, nil
}

func holding(ctx context.Context, q querier, userID int, symbol string) (int64, error) {
	var shares int64
	err := q.QueryRow(ctx,
		"SELECT COALESCE(SUM(shares), 0)::bigint FROM transactions WHERE user_id = $1 AND symbol = $2",
		userID, symbol).Scan(&shares)
	if err != nil {
		return 0, fmt.Errorf("failed to get holding: %w", err)
	}
	return shares, nil
}

type ledgerTx struct {
	tx     pgx.Tx
	userID int
}

func (l *ledgerTx) Cash(ctx context.Context) (decimal.Decimal, error) {
	var cash string
	if err := l.tx.QueryRow(ctx, "SELECT cash::text FROM users WHERE id = $1", l.userID).Scan(&cash); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get cash: %w", err)
	}
	c, err := decimal.NewFromString(cash)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse cash %q: %w", cash, err)
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
	created := &models.Transaction{}
	var price string
	err := l.tx.QueryRow(ctx,
		"INSERT INTO transactions (user_id, symbol, shares, price, type) VALUES ($1, $2, $3, $4::numeric, $5) RETURNING id, user_id, symbol, shares, price::text, type, created_at",
		l.userID, t.Symbol, t.Shares, t.Price.String(), t.Type).Scan(
		&created.ID, &created.UserID, &created.Symbol, &created.Shares, &price, &created.Type, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if created.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse price %q: %w", price, err)
	}
	return created, nil
}

func (l *ledgerTx) SetCash(ctx context.Context, cash decimal.Decimal) error {
	tag, err := l.tx.Exec(ctx, "UPDATE users SET cash = $1::numeric WHERE id = $2", cash.String(), l.userID)
	if err != nil {
		return fmt.Errorf("failed to update cash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}
