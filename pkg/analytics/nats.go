package analytics

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/memtensor/dynabot/pkg/config"
	chatErrors "github.com/memtensor/dynabot/pkg/errors"
	"github.com/memtensor/dynabot/pkg/interfaces"
)

// ConnectNATS dials the analytics bus with reconnect handling
func ConnectNATS(url string, log interfaces.Logger) (*nats.Conn, error) {
	log.Info("Connecting to NATS", map[string]interface{}{"url": url})

	conn, err := nats.Connect(url,
		nats.Name("dynabot-analytics"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", map[string]interface{}{"url": nc.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, chatErrors.NewConnectionFailedError("nats", err)
	}
	return conn, nil
}

// NewFromConfig builds a collector and, when enabled, attaches a NATS publisher.
// An unreachable NATS server leaves the collector in memory-only mode.
// The returned func drains the connection.
func NewFromConfig(cfg config.AnalyticsConfig, log interfaces.Logger) (*Collector, func()) {
	opts := []Option{WithLogger(log)}
	closer := func() {}

	if cfg.NATSEnabled {
		conn, err := ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			log.Warn("analytics publishing disabled", map[string]interface{}{"error": err.Error()})
		} else {
			opts = append(opts, WithPublisher(conn, cfg.NATSSubject))
			closer = func() {
				if err := conn.Drain(); err != nil {
					conn.Close()
				}
			}
		}
	}
	return NewCollector(cfg.MaxEvents, opts...), closer
}
