package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const controlWriteTimeout = 10 * time.Second

// WebsocketDialer dials the Central API with gorilla/websocket. When
// Resolver is set, host names are looked up through it instead of the
// system resolver.
type WebsocketDialer struct {
	Resolver         *Resolver
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	hs := d.HandshakeTimeout
	if hs <= 0 {
		hs = 15 * time.Second
	}
	wd := websocket.Dialer{
		HandshakeTimeout: hs,
		NetDialContext:   d.netDial,
	}
	ws, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebsocketConn(ws), nil
}

func (d *WebsocketDialer) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	host, port, err := net.SplitHostPort(addr)
	if err != nil || d.Resolver == nil || net.ParseIP(host) != nil {
		return nd.DialContext(ctx, network, addr)
	}
	ips, err := d.Resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		c, err := nd.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

type readResult struct {
	frame Frame
	err   error
}

// wsConn adapts *websocket.Conn to Conn. A pump goroutine owns every read;
// control frames surface as Frames through the custom handlers.
type wsConn struct {
	ws      *websocket.Conn
	in      chan readResult
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
}

// NewWebsocketConn wraps an established connection and starts its read pump.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	c := &wsConn{
		ws:   ws,
		in:   make(chan readResult),
		done: make(chan struct{}),
	}
	ws.SetPingHandler(func(data string) error {
		c.deliver(readResult{frame: Frame{Kind: Ping, Data: []byte(data)}})
		return nil
	})
	ws.SetPongHandler(func(data string) error {
		c.deliver(readResult{frame: Frame{Kind: Pong, Data: []byte(data)}})
		return nil
	})
	ws.SetCloseHandler(func(code int, text string) error {
		// echo the close so the peer sees an orderly shutdown
		msg := websocket.FormatCloseMessage(code, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
		c.deliver(readResult{frame: Frame{Kind: Close, Data: []byte(text)}})
		return nil
	})
	go c.pump()
	return c
}

func (c *wsConn) pump() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				// already delivered by the close handler
				return
			}
			c.deliver(readResult{err: err})
			return
		}
		kind := Binary
		if mt == websocket.TextMessage {
			kind = Text
		}
		if !c.deliver(readResult{frame: Frame{Kind: kind, Data: data}}) {
			return
		}
	}
}

func (c *wsConn) deliver(r readResult) bool {
	select {
	case c.in <- r:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case r := <-c.in:
		select {
		case <-c.done:
			return Frame{}, ErrClosed
		default:
		}
		if r.err != nil {
			return Frame{}, fmt.Errorf("read: %w", r.err)
		}
		return r.frame, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(controlWriteTimeout)
	}
	switch f.Kind {
	case Ping:
		return c.ws.WriteControl(websocket.PingMessage, f.Data, deadline)
	case Pong:
		return c.ws.WriteControl(websocket.PongMessage, f.Data, deadline)
	case Close:
		return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(f.Data)), deadline)
	}

	mt := websocket.BinaryMessage
	if f.Kind == Text {
		mt = websocket.TextMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(mt, f.Data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
