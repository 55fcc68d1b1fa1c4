package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/miekg/dns"
)

// startDNS serves A records for central.test and a CNAME alias.test -> central.test.
func startDNS(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			switch {
			case q.Name == "central.test." && q.Qtype == dns.TypeA:
				rr, _ := dns.NewRR("central.test. 60 IN A 127.0.0.1")
				m.Answer = append(m.Answer, rr)
			case q.Name == "alias.test.":
				rr, _ := dns.NewRR("alias.test. 60 IN CNAME central.test.")
				m.Answer = append(m.Answer, rr)
			case q.Name == "central.test.":
			default:
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolver(t *testing.T) {
	addr := startDNS(t)
	r := NewResolver([]string{addr}, time.Second, time.Minute)
	ctx := context.Background()

	for _, host := range []string{"central.test", "alias.test"} {
		ips, err := r.Resolve(ctx, host)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", host, err)
		}
		if len(ips) != 1 || !ips[0].Equal(net.IPv4(127, 0, 0, 1)) {
			t.Errorf("Resolve(%s) = %v, want [127.0.0.1]", host, ips)
		}
	}
	if _, err := r.Resolve(ctx, "missing.test"); err == nil {
		t.Error("Resolve(missing.test) succeeded")
	}
	ips, err := r.Resolve(ctx, "10.1.2.3")
	if err != nil || len(ips) != 1 || ips[0].String() != "10.1.2.3" {
		t.Errorf("Resolve(literal) = %v, %v", ips, err)
	}
}

func TestNewResolverDefaultsPort(t *testing.T) {
	r := NewResolver([]string{" 1.1.1.1 ", "", "9.9.9.9:5353", "::1"}, 0, 0)
	got := strings.Join(r.Servers(), ",")
	if want := "1.1.1.1:53,9.9.9.9:5353,[::1]:53"; got != want {
		t.Errorf("Servers = %s, want %s", got, want)
	}
}

var upgrader = websocket.Upgrader{}

// echoServer echoes binary frames, pings the client once and closes on "bye".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(data) == "bye" {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				continue
			}
			_ = ws.WriteMessage(mt, data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readKind(t *testing.T, c Conn, want FrameKind) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := c.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Kind != want {
		t.Fatalf("frame kind = %v, want %v", f.Kind, want)
	}
	return f
}

func TestWebsocketConnFrames(t *testing.T) {
	srv := echoServer(t)
	addr := startDNS(t)
	_, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))

	d := &WebsocketDialer{Resolver: NewResolver([]string{addr}, time.Second, time.Minute)}
	ctx := context.Background()
	c, err := d.Dial(ctx, "ws://central.test:"+port+"/api/v1/ws/1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ping := readKind(t, c, Ping)
	if string(ping.Data) != "hb" {
		t.Errorf("ping payload = %q", ping.Data)
	}
	if err := c.WriteFrame(ctx, Frame{Kind: Pong, Data: ping.Data}); err != nil {
		t.Fatalf("write pong: %v", err)
	}

	if err := c.WriteFrame(ctx, Frame{Kind: Binary, Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	echo := readKind(t, c, Binary)
	if string(echo.Data) != "\x01\x02\x03" {
		t.Errorf("echo = %v", echo.Data)
	}

	if err := c.WriteFrame(ctx, Frame{Kind: Text, Data: []byte("bye")}); err != nil {
		t.Fatalf("write text: %v", err)
	}
	readKind(t, c, Close)

	if err := c.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	if _, err := c.ReadFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadFrame after Close = %v, want ErrClosed", err)
	}
}

func TestReadFrameHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	d := &WebsocketDialer{}
	c, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadFrame = %v, want deadline exceeded", err)
	}
}

func TestDialFailure(t *testing.T) {
	d := &WebsocketDialer{HandshakeTimeout: time.Second}
	if _, err := d.Dial(context.Background(), "ws://127.0.0.1:1/api/v1/ws/1"); err == nil {
		t.Error("Dial to a closed port succeeded")
	}
}
