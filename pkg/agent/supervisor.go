package agent

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"riptide/agent/pkg/transport"
)

// MinReconnectDelay is the shortest pause between connection attempts.
const MinReconnectDelay = 5 * time.Second

type SupervisorConfig struct {
	Endpoint string
	Dialer   transport.Dialer
	Handler  MessageHandler
	Session  SessionOptions
	// ReconnectDelay applies after a failed dial or an abnormal session end.
	ReconnectDelay time.Duration
	// MinDelay overrides MinReconnectDelay when positive.
	MinDelay time.Duration
	Logger   *log.Logger
	Stats    *Stats
}

// Supervisor keeps one session alive, reconnecting forever.
type Supervisor struct {
	endpoint string
	dialer   transport.Dialer
	handler  MessageHandler
	opts     SessionOptions
	delay    time.Duration
	floor    time.Duration
	logger   *log.Logger
	stats    *Stats
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		endpoint: cfg.Endpoint,
		dialer:   cfg.Dialer,
		handler:  cfg.Handler,
		opts:     cfg.Session,
		delay:    cfg.ReconnectDelay,
		floor:    cfg.MinDelay,
		logger:   cfg.Logger,
		stats:    cfg.Stats,
	}
	if s.floor <= 0 {
		s.floor = MinReconnectDelay
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.opts.Logger == nil {
		s.opts.Logger = s.logger
	}
	if s.opts.Stats == nil {
		s.opts.Stats = s.stats
	}
	return s
}

// Run dials, serves and backs off until ctx ends. Connection problems are
// logged, never returned.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		closedByPeer := false
		conn, err := s.dialer.Dial(ctx, s.endpoint)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.stats.connectFailed()
			s.logger.Error("connect failed", "endpoint", s.endpoint, "err", err)
		default:
			s.logger.Info("connected", "endpoint", s.endpoint)
			closedByPeer, err = NewSession(conn, s.handler, s.opts).Run(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("session failed", "err", err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := s.backoff(closedByPeer)
		s.logger.Info("reconnecting", "in", wait, "closed_by_peer", closedByPeer)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff is the pause before the next dial. An orderly close by the peer
// only waits the floor.
func (s *Supervisor) backoff(closedByPeer bool) time.Duration {
	if closedByPeer {
		return s.floor
	}
	return max(s.delay, s.floor)
}
