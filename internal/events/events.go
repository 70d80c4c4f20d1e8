// Package events delivers committed ledger transactions to listeners.
package events

import (
	"context"
	"errors"

	"github.com/xtrntr/stocksim/internal/models"
)

// Publisher is notified of every committed transaction.
type Publisher interface {
	Publish(ctx context.Context, t models.Transaction) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, models.Transaction) error { return nil }

// Multi fans a transaction out to every publisher, even if some fail.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, t models.Transaction) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
