package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/cuemby/warren-tasks/pkg/log"
)

// NATSBus implements Bus on top of a NATS connection. Reconnection is
// handled by the underlying nats.Conn (configured with unlimited retries,
// 2s apart); active subscriptions survive a reconnect
// transparently because NATS re-establishes them internally.
type NATSBus struct {
	conn *nats.Conn
}

var zeroLogger = log.WithComponent("bus")

// Config configures a connection to the NATS server.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	MaxReconnects  int
}

// Connect dials NATS with exponential backoff capped at 30s, matching the
// retry policy applied to every external dependency in this system.
func Connect(ctx context.Context, cfg Config) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				zeroLogger.Warn().Err(err).Msg("bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			zeroLogger.Info().Msg("bus reconnected")
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	var conn *nats.Conn
	op := func() error {
		c, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, ErrUnavailable
	}

	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if !b.conn.IsConnected() {
		return ErrUnavailable
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(context.Background(), Message{Subject: m.Subject, Data: m.Data, ReplyHandle: m.Reply})
	})
	if err != nil {
		return nil, ErrUnavailable
	}
	return sub, nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if !b.conn.IsConnected() {
		return nil, ErrUnavailable
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if err == nats.ErrTimeout || ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, ErrUnavailable
	}
	return msg.Data, nil
}

func (b *NATSBus) Reply(ctx context.Context, replyHandle string, data []byte) error {
	if replyHandle == "" {
		return nil
	}
	if !b.conn.IsConnected() {
		return ErrUnavailable
	}
	return b.conn.Publish(replyHandle, data)
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
