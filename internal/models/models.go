package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types recorded in the ledger
const (
	TypeBuy  = "buy"
	TypeSell = "sell"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Cash         decimal.Decimal
	CreatedAt    time.Time
}

// Transaction is an immutable ledger entry. Shares are positive for buys
// and negative for sells.
type Transaction struct {
	ID        int             `json:"id"`
	UserID    int             `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Shares    int64           `json:"shares"`
	Price     decimal.Decimal `json:"price"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"timestamp"`
}

// Holding is the net share count of one symbol
type Holding struct {
	Symbol string
	Shares int64
}

// Quote is a point-in-time price for a symbol
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// Position is a holding valued at the current quote
type Position struct {
	Symbol string
	Name   string
	Shares int64
	Price  decimal.Decimal
	Value  decimal.Decimal
}

// Portfolio is the valued view of a user's account
type Portfolio struct {
	UserID    int
	Positions []Position
	Cash      decimal.Decimal
	Total     decimal.Decimal
}
