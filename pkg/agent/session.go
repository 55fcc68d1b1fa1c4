package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"riptide/agent/pkg/proto"
	"riptide/agent/pkg/transport"
)

// DefaultReplyCapacity bounds replies waiting to be written. Handlers block
// once it is full.
const DefaultReplyCapacity = 20

// DefaultAbortGrace is how long a closing session waits for cancelled
// handlers before abandoning them.
const DefaultAbortGrace = 10 * time.Second

type SessionOptions struct {
	Codec         proto.Codec
	ReplyCapacity int
	// AbortGrace bounds the wait for handlers on close; negative waits forever.
	AbortGrace time.Duration
	Logger     *log.Logger
	Stats      *Stats
}

// Session serves one established connection: a single reader, a single
// writer and one handler task per inbound message.
type Session struct {
	id       string
	conn     transport.Conn
	handler  MessageHandler
	codec    proto.Codec
	replyCap int
	grace    time.Duration
	logger   *log.Logger
	stats    *Stats

	writeMu sync.Mutex
}

func NewSession(conn transport.Conn, h MessageHandler, opts SessionOptions) *Session {
	s := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		handler:  h,
		codec:    opts.Codec,
		replyCap: opts.ReplyCapacity,
		grace:    opts.AbortGrace,
		logger:   opts.Logger,
		stats:    opts.Stats,
	}
	if s.codec == nil {
		s.codec = proto.CBOR{}
	}
	if s.replyCap <= 0 {
		s.replyCap = DefaultReplyCapacity
	}
	if s.grace == 0 {
		s.grace = DefaultAbortGrace
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

type inbound struct {
	frame transport.Frame
	err   error
}

// Run serves the connection until the peer closes it (closedByPeer), a read,
// write or decode fails, or ctx ends. Pending handler tasks are cancelled and
// awaited for up to AbortGrace, and the connection is closed before Run returns.
func (s *Session) Run(ctx context.Context) (closedByPeer bool, err error) {
	connectedAt := time.Now()
	ctx, cancel := context.WithCancel(withSession(ctx, sessionInfo{ID: s.id, ConnectedAt: connectedAt}))
	tasks := newTaskGroup(ctx, s.stats)
	s.stats.sessionStarted(s.id, connectedAt)
	s.logger.Info("session started")

	defer func() {
		cancel()
		aborted, stuck := tasks.Abort(s.grace)
		if len(stuck) > 0 {
			s.logger.Warn("abandoning handlers that ignored cancellation", "count", len(stuck), "kinds", stuck)
		}
		if cerr := s.conn.Close(); cerr != nil {
			s.logger.Debug("close connection", "err", cerr)
		}
		s.stats.sessionEnded()
		s.logger.Info("session ended", "closed_by_peer", closedByPeer, "aborted_tasks", aborted, "err", err)
	}()

	replies := make(chan proto.Message, s.replyCap)
	frames := make(chan inbound)
	go s.readLoop(ctx, frames)

	for {
		// flush whatever replies are already queued, in order
		for queued := true; queued; {
			select {
			case m := <-replies:
				if err := s.writeMessage(ctx, m); err != nil {
					return false, err
				}
			default:
				queued = false
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case m := <-replies:
			if err := s.writeMessage(ctx, m); err != nil {
				return false, err
			}
		case in := <-frames:
			if in.err != nil {
				return false, fmt.Errorf("session %s: %w", s.id, in.err)
			}
			done, err := s.dispatch(ctx, in.frame, tasks, replies)
			if done || err != nil {
				return done, err
			}
		}
	}
}

// dispatch handles one inbound frame. It reports true when the peer closed.
func (s *Session) dispatch(ctx context.Context, f transport.Frame, tasks *taskGroup, replies chan<- proto.Message) (bool, error) {
	switch f.Kind {
	case transport.Binary:
		msg, err := s.codec.Decode(f.Data)
		if err != nil {
			return false, fmt.Errorf("session %s: %w", s.id, err)
		}
		s.logger.Debug("message received", "kind", msg.Kind())
		tasks.Go(msg.Kind(), func(tctx context.Context) {
			reply, err := s.handler.Handle(tctx, msg)
			if err != nil {
				s.logger.Error("handler failed", "kind", msg.Kind(), "err", err)
			}
			if reply == nil {
				return
			}
			select {
			case replies <- reply:
			case <-tctx.Done():
			}
		})
	case transport.Ping:
		if err := s.write(ctx, transport.Frame{Kind: transport.Pong, Data: f.Data}); err != nil {
			return false, err
		}
	case transport.Pong:
		s.logger.Debug("pong received")
	case transport.Text:
		s.logger.Warn("ignoring text frame", "len", len(f.Data))
	case transport.Close:
		return true, nil
	default:
		s.logger.Warn("unknown frame", "kind", f.Kind)
	}
	return false, nil
}

func (s *Session) readLoop(ctx context.Context, out chan<- inbound) {
	for {
		f, err := s.conn.ReadFrame(ctx)
		select {
		case out <- inbound{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil || f.Kind == transport.Close {
			return
		}
	}
}

func (s *Session) writeMessage(ctx context.Context, m proto.Message) error {
	data, err := s.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("session %s: encode %s: %w", s.id, m.Kind(), err)
	}
	return s.write(ctx, transport.Frame{Kind: transport.Binary, Data: data})
}

func (s *Session) write(ctx context.Context, f transport.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("session %s: write %s: %w", s.id, f.Kind, err)
	}
	return nil
}
