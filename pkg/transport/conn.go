// Package transport is the frame-level duplex channel between the agent and
// the Central API. The session layer only sees Frames; the websocket
// library stays behind Conn and Dialer.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by ReadFrame/WriteFrame after Close.
var ErrClosed = errors.New("transport: connection closed")

type FrameKind uint8

const (
	Binary FrameKind = iota + 1
	Text
	Ping
	Pong
	Close
)

func (k FrameKind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Text:
		return "text"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one inbound or outbound websocket frame.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Conn is an established connection. One goroutine may call ReadFrame while
// another calls WriteFrame; concurrent writers must serialize themselves.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
