// Package quote resolves ticker symbols to current prices.
package quote

import (
	"context"
	"errors"
	"strings"

	"github.com/xtrntr/stocksim/internal/models"
)

var (
	// ErrUnknownSymbol means the provider answered but could not price the symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrQuoteUnavailable means the provider could not be reached in time.
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

// maxSymbolLen matches the ledger's symbol column
const maxSymbolLen = 16

// Provider looks up the current quote for a symbol.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (*models.Quote, error)
}

// Normalize trims and upper-cases a symbol. It returns "" for input that
// cannot be a ticker.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) > maxSymbolLen || strings.ContainsAny(s, " \t\r\n/?&#%") {
		return ""
	}
	return s
}
