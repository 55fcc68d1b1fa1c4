package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"riptide/agent/pkg/logging"
	"riptide/agent/pkg/proto"
	"riptide/agent/pkg/transport"
)

func noReply() MessageHandler {
	return handlerFunc(func(context.Context, proto.Message) (proto.Message, error) { return nil, nil })
}

func waitDials(t *testing.T, d *fakeDialer, n int) []time.Time {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts := d.times(); len(ts) >= n {
			return ts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saw %d dials, want %d", len(d.times()), n)
	return nil
}

func TestSupervisorBacksOffAfterFailures(t *testing.T) {
	d := &fakeDialer{}
	stats := NewStats()
	delay := 60 * time.Millisecond
	sup := NewSupervisor(SupervisorConfig{
		Endpoint:       "ws://central/api/v1/ws/1",
		Dialer:         d,
		Handler:        noReply(),
		ReconnectDelay: delay,
		MinDelay:       10 * time.Millisecond,
		Logger:         logging.Discard(),
		Stats:          stats,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	ts := waitDials(t, d, 3)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	for i := 1; i < len(ts); i++ {
		if gap := ts[i].Sub(ts[i-1]); gap < delay {
			t.Errorf("gap between dial %d and %d = %v, want >= %v", i, i+1, gap, delay)
		}
	}
	if stats.Snapshot().ConnectFailures < 3 {
		t.Errorf("ConnectFailures = %d", stats.Snapshot().ConnectFailures)
	}
}

func TestSupervisorReconnectsQuicklyAfterPeerClose(t *testing.T) {
	d := &fakeDialer{dial: func(n int) (transport.Conn, error) {
		c := newFakeConn()
		c.in <- transport.Frame{Kind: transport.Close}
		return c, nil
	}}
	sup := NewSupervisor(SupervisorConfig{
		Dialer:         d,
		Handler:        noReply(),
		ReconnectDelay: time.Hour,
		MinDelay:       20 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	ts := waitDials(t, d, 3)
	if gap := ts[2].Sub(ts[1]); gap < 20*time.Millisecond {
		t.Errorf("gap = %v, want at least the floor", gap)
	}
}

func TestSupervisorStopsDuringBackoff(t *testing.T) {
	d := &fakeDialer{}
	sup := NewSupervisor(SupervisorConfig{Dialer: d, Handler: noReply(), ReconnectDelay: time.Hour, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	waitDials(t, d, 1)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept sleeping after cancel")
	}
}

func TestSupervisorBackoff(t *testing.T) {
	cases := []struct {
		delay, floor time.Duration
		closed       bool
		want         time.Duration
	}{
		{delay: time.Minute, floor: 0, want: time.Minute},
		{delay: time.Second, floor: 0, want: MinReconnectDelay},
		{delay: time.Minute, floor: 0, closed: true, want: MinReconnectDelay},
		{delay: 0, floor: time.Second, want: time.Second},
	}
	for _, tc := range cases {
		s := NewSupervisor(SupervisorConfig{ReconnectDelay: tc.delay, MinDelay: tc.floor, Logger: logging.Discard()})
		if got := s.backoff(tc.closed); got != tc.want {
			t.Errorf("backoff(delay=%v floor=%v closed=%v) = %v, want %v", tc.delay, tc.floor, tc.closed, got, tc.want)
		}
	}
}
