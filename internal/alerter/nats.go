package alerter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"PcapSentry/internal/config"

	"github.com/nats-io/nats.go"
)

// natsTransport publishes envelopes to a NATS subject. With JetStream the
// stream's publish ack confirms delivery, otherwise a flush round trip does.
// The connection is opened on first use.
type natsTransport struct {
	url      string
	username string
	password string
	cfg      config.NATSConfig

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

func newNATSTransport(api config.APIConfig, cfg config.NATSConfig) *natsTransport {
	return &natsTransport{
		url:      "nats://" + net.JoinHostPort(api.Host, strconv.Itoa(api.Port)),
		username: api.Username,
		password: api.Password,
		cfg:      cfg,
	}
}

func (t *natsTransport) String() string { return t.url }

func (t *natsTransport) connect(ctx context.Context) (*nats.Conn, nats.JetStreamContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc != nil && !t.nc.IsClosed() {
		return t.nc, t.js, nil
	}

	opts := []nats.Option{nats.Name("pcap-analyzer")}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	if t.username != "" {
		opts = append(opts, nats.UserInfo(t.username, t.password))
	}
	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var js nats.JetStreamContext
	if t.cfg.JetStream {
		js, err = nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	t.nc, t.js = nc, js
	return nc, js, nil
}

func (t *natsTransport) deliver(ctx context.Context, env Envelope) error {
	data, err := env.Encode(t.cfg.Encoding)
	if err != nil {
		return err
	}
	nc, js, err := t.connect(ctx)
	if err != nil {
		return err
	}

	if js != nil {
		if _, err := js.Publish(t.cfg.Subject, data, nats.Context(ctx)); err != nil {
			return classifyNATSError(err)
		}
		return nil
	}
	if err := nc.Publish(t.cfg.Subject, data); err != nil {
		return classifyNATSError(err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// classifyNATSError maps server-side refusals to ErrRejected and everything
// else to ErrUnreachable.
func classifyNATSError(err error) error {
	var apiErr *nats.APIError
	switch {
	case errors.As(err, &apiErr),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

func (t *natsTransport) probe(ctx context.Context) error {
	nc, _, err := t.connect(ctx)
	if err != nil {
		return err
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (t *natsTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc == nil {
		return nil
	}
	err := t.nc.Drain()
	t.nc, t.js = nil, nil
	return err
}
