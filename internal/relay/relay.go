// Package relay republishes signed event batches over NATS for
// downstream consumers (the mesh lobby's bridge among them).
package relay

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectSignedEvents carries the same frames the WebSocket fan-out
// sends.
const SubjectSignedEvents = "canaria.events.signed"

// Relay is a thin NATS publisher. A nil Relay is a valid disabled one.
type Relay struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// Connect dials the NATS server with unlimited reconnects. An empty URL
// returns (nil, nil): the relay is simply off.
func Connect(url string, log zerolog.Logger) (*Relay, error) {
	if url == "" {
		return nil, nil
	}
	rlog := log.With().Str("component", "relay").Logger()

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			rlog.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			rlog.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			rlog.Error().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	rlog.Info().Str("url", conn.ConnectedUrl()).Msg("relay connected")
	return &Relay{conn: conn, log: rlog}, nil
}

// PublishSigned pushes one signed-events frame.
func (r *Relay) PublishSigned(data []byte) error {
	if err := r.conn.Publish(SubjectSignedEvents, data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectSignedEvents, err)
	}
	return nil
}

// Connected reports the link state for status views.
func (r *Relay) Connected() bool {
	return r != nil && r.conn != nil && r.conn.IsConnected()
}

// Close drains and closes the connection.
func (r *Relay) Close() {
	if r == nil || r.conn == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.log.Warn().Err(err).Msg("nats drain failed")
	}
}
