// Package alerter delivers alerts to the SIEM backend, falling back to a
// local Wazuh-format file, and mails run summaries.
package alerter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"

	"go.uber.org/zap"
)

var (
	ErrUnreachable = errors.New("backend unreachable")
	ErrRejected    = errors.New("backend rejected the alert")
	ErrUndelivered = errors.New("alert undelivered")
)

// Outcome is the result of delivering one alert.
type Outcome int

const (
	Acknowledged Outcome = iota + 1
	Unreachable
	Rejected
	Disabled
	Undelivered
)

func (o Outcome) String() string {
	switch o {
	case Acknowledged:
		return "acknowledged"
	case Unreachable:
		return "unreachable"
	case Rejected:
		return "rejected"
	case Disabled:
		return "disabled"
	case Undelivered:
		return "undelivered"
	default:
		return "unknown"
	}
}

// transport is one way of reaching the backend. Errors wrap ErrUnreachable
// or ErrRejected.
type transport interface {
	deliver(ctx context.Context, env Envelope) error
	probe(ctx context.Context) error
	close() error
}

// Sink sends alerts to the backend and stores them locally when it cannot.
type Sink struct {
	cfg       config.SinkConfig
	transport transport
	fallback  *FallbackStore
	logger    *zap.Logger

	mu     sync.Mutex
	counts map[Outcome]int
}

// NewSink builds the transport for the configured protocol and opens the
// fallback store when local fallback is on.
func NewSink(cfg config.SinkConfig, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{cfg: cfg, logger: logger, counts: make(map[Outcome]int)}

	if cfg.Enabled {
		switch cfg.API.Protocol {
		case "http", "https":
			s.transport = newHTTPTransport(cfg.API)
		case "nats":
			s.transport = newNATSTransport(cfg.API, cfg.NATS)
		default:
			return nil, fmt.Errorf("unsupported sink protocol %q", cfg.API.Protocol)
		}
	}
	if cfg.LocalFallback {
		store, err := OpenFallback(cfg.FallbackFile)
		if err != nil {
			return nil, err
		}
		s.fallback = store
	}
	return s, nil
}

// Fallback returns the local store, or nil when local fallback is off.
func (s *Sink) Fallback() *FallbackStore { return s.fallback }

// Send delivers one alert within the configured timeout. Alerts the backend
// does not acknowledge go to the fallback store; Undelivered is only
// returned, with an error wrapping ErrUndelivered, when that fails too.
func (s *Sink) Send(ctx context.Context, alert model.Alert) (Outcome, error) {
	env := NewEnvelope(alert, s.cfg)

	outcome, cause := Disabled, error(nil)
	if s.transport != nil {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err := s.transport.deliver(sendCtx, env)
		cancel()
		switch {
		case err == nil:
			s.record(Acknowledged)
			return Acknowledged, nil
		case errors.Is(err, ErrRejected):
			outcome, cause = Rejected, err
			s.logger.Warn("backend rejected alert",
				zap.String("alert_type", string(alert.Type)), zap.Error(err))
		default:
			outcome, cause = Unreachable, err
			s.logger.Debug("backend unreachable", zap.Error(err))
		}
	}

	if s.fallback == nil {
		s.record(Undelivered)
		if cause == nil {
			cause = errors.New("backend disabled and local fallback off")
		}
		return Undelivered, fmt.Errorf("%w: %s: %v", ErrUndelivered, outcome, cause)
	}
	if err := s.fallback.Append(env); err != nil {
		s.record(Undelivered)
		return Undelivered, fmt.Errorf("%w: %s, fallback failed: %v", ErrUndelivered, outcome, err)
	}
	s.record(outcome)
	return outcome, nil
}

func (s *Sink) record(o Outcome) {
	s.mu.Lock()
	s.counts[o]++
	s.mu.Unlock()
}

// Counts returns how many alerts ended in each outcome.
func (s *Sink) Counts() map[Outcome]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Outcome]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// TestConnection probes the backend under the probe timeout without
// sending an alert.
func (s *Sink) TestConnection(ctx context.Context) bool {
	if s.transport == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	if err := s.transport.probe(ctx); err != nil {
		s.logger.Info("backend probe failed", zap.Error(err))
		return false
	}
	return true
}

// Endpoint describes the backend for logs, "disabled" when there is none.
func (s *Sink) Endpoint() string {
	if st, ok := s.transport.(fmt.Stringer); ok {
		return st.String()
	}
	return "disabled"
}

// Close flushes the fallback store and releases the transport.
func (s *Sink) Close() error {
	var errs []error
	if s.transport != nil {
		errs = append(errs, s.transport.close())
	}
	if s.fallback != nil {
		errs = append(errs, s.fallback.Close())
	}
	return errors.Join(errs...)
}
