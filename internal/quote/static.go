package quote

import (
	"context"
	"fmt"

	"github.com/xtrntr/stocksim/internal/models"

	"github.com/shopspring/decimal"
)

// Static serves fixed quotes keyed by normalized symbol. It backs the demo
// mode and tests.
type Static map[string]models.Quote

func (s Static) Lookup(_ context.Context, symbol string) (*models.Quote, error) {
	sym := Normalize(symbol)
	q, ok := s[sym]
	if sym == "" || !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	return &q, nil
}

// Demo returns a small fixed quote table for running without an API key.
func Demo() Static {
	return Static{
		"AAPL": {Symbol: "AAPL", Name: "Apple Inc", Price: decimal.RequireFromString("190.50")},
		"AMZN": {Symbol: "AMZN", Name: "Amazon.com Inc", Price: decimal.RequireFromString("178.25")},
		"GOOG": {Symbol: "GOOG", Name: "Alphabet Inc", Price: decimal.RequireFromString("165.10")},
		"MSFT": {Symbol: "MSFT", Name: "Microsoft Corp", Price: decimal.RequireFromString("415.00")},
		"NFLX": {Symbol: "NFLX", Name: "Netflix Inc", Price: decimal.RequireFromString("610.75")},
		"NVDA": {Symbol: "NVDA", Name: "NVIDIA Corp", Price: decimal.RequireFromString("120.40")},
	}
}
