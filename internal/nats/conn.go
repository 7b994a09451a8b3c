package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
)

// Connect dials url with reconnects enabled and keeps the connected gauge current
func Connect(url, name string, m *metrics.Metrics, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.SetNatsConnected(false)
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			m.SetNatsConnected(true)
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			m.SetNatsConnected(false)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	m.SetNatsConnected(true)
	return nc, nil
}
