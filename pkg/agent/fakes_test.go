package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"riptide/agent/pkg/proto"
	"riptide/agent/pkg/store"
	"riptide/agent/pkg/transport"
)

// fakeConn is an in-memory transport.Conn. Tests push inbound frames with
// send and observe writes on the wrote channel.
type fakeConn struct {
	in     chan transport.Frame
	wrote  chan transport.Frame
	closed chan struct{}
	once   sync.Once

	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan transport.Frame, 16),
		wrote:  make(chan transport.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) send(t *testing.T, m proto.Message) {
	t.Helper()
	data, err := proto.Encode(m)
	if err != nil {
		t.Fatalf("encode %T: %v", m, err)
	}
	c.in <- transport.Frame{Kind: transport.Binary, Data: data}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, f transport.Frame) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.wrote <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// next waits for the next written frame and decodes binary ones.
func (c *fakeConn) next(t *testing.T) (transport.Frame, proto.Message) {
	t.Helper()
	select {
	case f := <-c.wrote:
		if f.Kind != transport.Binary {
			return f, nil
		}
		m, err := proto.Decode(f.Data)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		return f, m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a write")
		return transport.Frame{}, nil
	}
}

type fakeStore struct {
	mu      sync.Mutex
	shares  map[uint32]store.Share
	err     error
	lookups int
}

func newFakeStore(shares ...store.Share) *fakeStore {
	s := &fakeStore{shares: map[uint32]store.Share{}}
	for _, sh := range shares {
		s.shares[sh.FileID] = sh
	}
	return s
}

func (s *fakeStore) GetShare(ctx context.Context, id uint32) (store.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return store.Share{}, s.err
	}
	sh, ok := s.shares[id]
	if !ok {
		return store.Share{}, store.ErrNotFound
	}
	return sh, nil
}

func (s *fakeStore) DeleteExpired(ctx context.Context, now time.Time) ([]store.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []store.Share
	for id, sh := range s.shares {
		if sh.Expired(now) {
			out = append(out, sh)
			delete(s.shares, id)
		}
	}
	return out, nil
}

type uploadCall struct {
	fileID uint32
	url    string
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []uploadCall
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, fileID uint32, url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, uploadCall{fileID, url})
	return u.err
}

func (u *fakeUploader) Calls() []uploadCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uploadCall(nil), u.calls...)
}

// handlerFunc adapts a function to MessageHandler.
type handlerFunc func(ctx context.Context, m proto.Message) (proto.Message, error)

func (f handlerFunc) Handle(ctx context.Context, m proto.Message) (proto.Message, error) {
	return f(ctx, m)
}

// fakeDialer hands out conns from a factory and records dial times.
type fakeDialer struct {
	mu    sync.Mutex
	dials []time.Time
	dial  func(n int) (transport.Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, time.Now())
	n := len(d.dials)
	d.mu.Unlock()
	if d.dial == nil {
		return nil, errors.New("connection refused")
	}
	return d.dial(n)
}

func (d *fakeDialer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}
