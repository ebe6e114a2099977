package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/pkg/models"
)

// NATSPublisher publishes audit events on <subject>.<EventType>.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url and reconnects forever on its own.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("fig-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSPublisherWithConn(conn, subject), nil
}

// NewNATSPublisherWithConn uses an existing connection.
func NewNATSPublisherWithConn(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = "fig.events"
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) Kind() string { return "nats" }

func (p *NATSPublisher) Publish(ctx context.Context, event *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.subject + "." + string(event.Type))
	msg.Data = data
	msg.Header.Set("Fig-Client", event.ClientName)
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
