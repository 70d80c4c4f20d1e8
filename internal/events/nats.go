package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xtrntr/stocksim/internal/models"
)

// Subject returns the NATS subject a user's transactions are published on.
func Subject(userID int) string {
	return fmt.Sprintf("ledger.transactions.%d", userID)
}

// NATSPublisher publishes transactions to NATS for other services.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("stocksim"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				zap.L().Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zap.L().Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	zap.L().Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, t models.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(Subject(t.UserID), data); err != nil {
		return fmt.Errorf("failed to publish transaction %d: %w", t.ID, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
