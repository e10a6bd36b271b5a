package lindad

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"pkt.systems/lindad/internal/space"
	"pkt.systems/pslog"
)

type lineConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialLine(t *testing.T, addr string) *lineConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &lineConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineConn) send(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *lineConn) recv() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	return line
}

func (c *lineConn) roundTrip(line string) string {
	c.t.Helper()
	c.send(line)
	return c.recv()
}

// expectClosed waits for the server to close the connection.
func (c *lineConn) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err == nil {
		c.t.Fatalf("expected closed connection, got %q", line)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatalf("connection still open: %v", err)
	}
}

// startLeakCheckedServer leaves stopping to the caller so the server is gone
// before leaktest inspects goroutines.
func startLeakCheckedServer(t *testing.T) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), WithoutTestClient())
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	return ts
}

func waitForWaiters(t *testing.T, sp *space.Space, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sp.Stats().Waiters < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d waiters, have %d", n, sp.Stats().Waiters)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestServerProtocolRoundTrip(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ts := startLeakCheckedServer(t)
	defer ts.Stop(context.Background())
	c := dialLine(t, ts.Addr)

	cases := []struct {
		req  string
		want string
	}{
		{"WR k hello world", "OK\n"},
		{"WR k second", "OK\n"},
		{"RD k", "OK hello world\n"},
		{"IN k", "OK hello world\n"},
		{"IN k", "OK second\n"},
		{"WR in abc", "OK\n"},
		{"EX in out 1", "OK\n"},
		{"IN out", "OK ABC\n"},
		{"WR in abc", "OK\n"},
		{"EX in out 2", "OK\n"},
		{"IN out", "OK cba\n"},
		{"WR in hello", "OK\n"},
		{"EX in out 3", "OK\n"},
		{"IN out", "OK 5\n"},
		{"WR in doomed", "OK\n"},
		{"EX in out 99", "NO-SERVICE\n"},
		{"EX in out notanumber", "NO-SERVICE\n"},
		{"", "ERROR\n"},
		{"WR k", "ERROR\n"},
		{"RD", "ERROR\n"},
		{"RD a b", "ERROR\n"},
		{"wr k v", "ERROR\n"},
		{"XX k", "ERROR\n"},
		{"EX a b", "ERROR\n"},
	}
	for _, tc := range cases {
		if got := c.roundTrip(tc.req); got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.req, got, tc.want)
		}
	}
	if st := ts.Server.Space().Stats(); st.Keys != 0 || st.Values != 0 {
		t.Fatalf("expected empty space, got %+v", st)
	}
}

func TestServerDisconnectedWaiterSwallowsNextValue(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ts := startLeakCheckedServer(t)
	defer ts.Stop(context.Background())
	sp := ts.Server.Space()

	a := dialLine(t, ts.Addr)
	a.send("IN k")
	waitForWaiters(t, sp, 1)
	_ = a.conn.Close()

	b := dialLine(t, ts.Addr)
	if got := b.roundTrip("WR k v"); got != "OK\n" {
		t.Fatalf("WR k v: %q", got)
	}
	// The handler of the closed connection still waits and takes v.
	deadline := time.Now().Add(5 * time.Second)
	for sp.Len("k") != 0 || sp.Stats().Waiters != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("abandoned waiter did not consume: len=%d stats=%+v", sp.Len("k"), sp.Stats())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := b.roundTrip("WR k w"); got != "OK\n" {
		t.Fatalf("WR k w: %q", got)
	}
	if got := b.roundTrip("IN k"); got != "OK w\n" {
		t.Fatalf("IN k: got %q want OK w", got)
	}
	if got := sp.Len("k"); got != 0 {
		t.Fatalf("expected k drained, len=%d", got)
	}
}

func TestServerBlockingInReleasedByOtherConnection(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ts := startLeakCheckedServer(t)
	defer ts.Stop(context.Background())
	waiter := dialLine(t, ts.Addr)
	writer := dialLine(t, ts.Addr)

	waiter.send("IN job")
	waitForWaiters(t, ts.Server.Space(), 1)
	if got := writer.roundTrip("WR other x"); got != "OK\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := writer.roundTrip("WR job payload"); got != "OK\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := waiter.recv(); got != "OK payload\n" {
		t.Fatalf("waiter got %q", got)
	}
	if n := ts.Server.Space().Len("other"); n != 1 {
		t.Fatalf("non-matching write consumed: len=%d", n)
	}
}

func TestServerShutdownReleasesWaiters(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ts := startLeakCheckedServer(t)
	defer ts.Stop(context.Background())
	a := dialLine(t, ts.Addr)
	b := dialLine(t, ts.Addr)
	a.send("IN never")
	b.send("RD never")
	waitForWaiters(t, ts.Server.Space(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	a.expectClosed()
	b.expectClosed()
	if st := ts.Server.Space().Stats(); st.Waiters != 0 {
		t.Fatalf("waiters left after shutdown: %+v", st)
	}
	if err := ts.Server.Start(); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("restart after shutdown: %v", err)
	}
}

func TestServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, _, err = StartServer(context.Background(), Config{Listen: ln.Addr().String()})
	if err == nil {
		t.Fatal("expected bind failure")
	}
	if !strings.Contains(err.Error(), "listen") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServerLineTooLongClosesConnection(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient(), WithTestConfigFunc(func(cfg *Config) {
		cfg.LineMaxBytes = 64
	}))
	c := dialLine(t, ts.Addr)
	c.send("WR k " + strings.Repeat("x", 128))
	c.expectClosed()

	other := dialLine(t, ts.Addr)
	if got := other.roundTrip("WR k short"); got != "OK\n" {
		t.Fatalf("server unusable after oversized line: %q", got)
	}
}

func TestServerMaxConnections(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient(), WithTestConfigFunc(func(cfg *Config) {
		cfg.MaxConnections = 1
	}))
	first := dialLine(t, ts.Addr)
	if got := first.roundTrip("WR k v"); got != "OK\n" {
		t.Fatalf("first connection: %q", got)
	}

	second := dialLine(t, ts.Addr)
	second.send("RD k")
	_ = second.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if line, err := second.r.ReadString('\n'); err == nil {
		t.Fatalf("second connection served past the limit: %q", line)
	}

	_ = first.conn.Close()
	if got := second.recv(); got != "OK v\n" {
		t.Fatalf("second connection after slot freed: %q", got)
	}
}

func TestServerConnguardBlocksRepeatedProtocolErrors(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient(), WithTestConfigFunc(func(cfg *Config) {
		cfg.ConnguardEnabled = true
		cfg.ConnguardFailureThreshold = 2
		cfg.ConnguardBlockDuration = time.Minute
	}))
	c := dialLine(t, ts.Addr)
	if got := c.roundTrip("BOGUS"); got != "ERROR\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := c.roundTrip("BOGUS"); got != "ERROR\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	c.expectClosed()

	again := dialLine(t, ts.Addr)
	again.expectClosed()
}

func TestServerSharedSpace(t *testing.T) {
	sp := space.New()
	ts := StartTestServer(t, WithoutTestClient(), WithTestSpace(sp))
	c := dialLine(t, ts.Addr)
	if got := c.roundTrip("WR shared v"); got != "OK\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := sp.Consume("shared"); got != "v" {
		t.Fatalf("space saw %q", got)
	}
}

func TestServerSamplerRunsWithServer(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient(), WithTestConfigFunc(func(cfg *Config) {
		cfg.SampleInterval = 10 * time.Millisecond
	}), WithTestLogger(pslog.NoopLogger()))
	c := dialLine(t, ts.Addr)
	c.roundTrip("WR k v")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if snap, ok := ts.Server.sampler.Latest(); ok && snap.Values == 1 && snap.Connections == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sampler never observed the connection and value")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
