package connguard

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"pkt.systems/lindad/internal/clock"
	"pkt.systems/pslog"
)

func newTestGuard(threshold int, logger pslog.Logger) (*Guard, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := New(Config{
		Enabled:          true,
		FailureThreshold: threshold,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
		Clock:            clk,
	}, logger)
	return g, clk
}

func TestGuardClassifiesAndBlocks(t *testing.T) {
	g, clk := newTestGuard(3, pslog.NoopLogger())

	remote := "127.0.0.1:5555"
	if g.RecordFailure(remote, ReasonProtocolError) {
		t.Fatalf("first event should not block")
	}
	clk.Advance(50 * time.Millisecond)
	if g.RecordFailure(remote, ReasonProtocolError) {
		t.Fatalf("second event should not block")
	}
	clk.Advance(50 * time.Millisecond)
	if !g.RecordFailure(remote, ReasonProtocolError) {
		t.Fatalf("third event should block")
	}

	clk.Advance(100 * time.Millisecond)
	if !g.Blocked("127.0.0.1:6000") {
		t.Fatalf("expected host to remain blocked on another port")
	}
	clk.Advance(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("expected block to expire")
	}
	if g.RecordFailure(remote, ReasonProtocolError) {
		t.Fatalf("post-expiry event should not block immediately")
	}
}

func TestGuardWindowSlides(t *testing.T) {
	g, clk := newTestGuard(2, pslog.NoopLogger())
	remote := "10.0.0.1:1"
	g.RecordFailure(remote, ReasonProtocolError)
	clk.Advance(2 * time.Second)
	if g.RecordFailure(remote, ReasonProtocolError) {
		t.Fatal("failure outside the window must not count")
	}
}

func TestGuardLogsLifecycle(t *testing.T) {
	logger := newCaptureLogger()
	g, clk := newTestGuard(2, logger)

	remote := "127.0.0.1:5555"
	g.RecordFailure(remote, ReasonProtocolError)
	if !g.RecordFailure(remote, ReasonProtocolError) {
		t.Fatalf("second event should block")
	}
	if _, ok := logger.find("lindad.connguard.blocked"); !ok {
		t.Fatalf("expected lindad.connguard.blocked log; logs=%v", logger.snapshot())
	}
	clk.Advance(time.Second)
	if g.Blocked(remote) {
		t.Fatalf("expected block to expire")
	}
	if _, ok := logger.find("lindad.connguard.released"); !ok {
		t.Fatalf("expected lindad.connguard.released log; logs=%v", logger.snapshot())
	}
}

func TestDisabledGuardNeverBlocks(t *testing.T) {
	g := New(Config{Enabled: false, FailureThreshold: 1}, nil)
	if g.RecordFailure("127.0.0.1:1", ReasonProtocolError) {
		t.Fatal("disabled guard blocked")
	}
	var nilGuard *Guard
	if nilGuard.Blocked("127.0.0.1:1") || nilGuard.RecordFailure("127.0.0.1:1", "x") {
		t.Fatal("nil guard blocked")
	}
	ln := &stubListener{}
	if g.WrapListener(ln) != net.Listener(ln) {
		t.Fatal("disabled guard must not wrap the listener")
	}
}

func TestGuardedListenerRejectsBlockedHost(t *testing.T) {
	g, _ := newTestGuard(1, pslog.NoopLogger())
	g.RecordFailure("192.0.2.1:9", ReasonProtocolError)

	blocked := &failingConn{remote: "192.0.2.1:40000"}
	allowed := &failingConn{remote: "192.0.2.2:40000"}
	ln := g.WrapListener(&stubListener{conns: []net.Conn{blocked, allowed}})

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if conn != net.Conn(allowed) {
		t.Fatalf("expected allowed connection, got %v", conn.RemoteAddr())
	}
	if !blocked.closed {
		t.Fatal("blocked connection should be closed")
	}
}

func newFirstByteGuard(threshold int, timeout time.Duration) *Guard {
	return New(Config{
		Enabled:          true,
		FailureThreshold: threshold,
		FailureWindow:    time.Minute,
		BlockDuration:    time.Minute,
		ProbeTimeout:     timeout,
	}, nil)
}

func TestEmptyConnectCountsZeroConnect(t *testing.T) {
	g := newFirstByteGuard(2, 10*time.Millisecond)
	l := &guardedListener{guard: g}
	remote := "127.0.0.1:7777"
	for i := 0; i < 2; i++ {
		conn, err := l.admit(&failingConn{remote: remote, readErr: io.EOF})
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if _, err := conn.Read(make([]byte, 8)); err == nil {
			t.Fatal("expected first read to fail")
		}
	}
	if !g.Blocked(remote) {
		t.Fatal("repeated zero connects should block")
	}
}

func TestSilentConnectionDoesNotStallAccept(t *testing.T) {
	g := newFirstByteGuard(1, 10*time.Second)
	silentServer, silentClient := net.Pipe()
	defer silentClient.Close()
	defer silentServer.Close()
	next := &failingConn{remote: "192.0.2.7:1"}
	ln := g.WrapListener(&stubListener{conns: []net.Conn{silentServer, next}})

	done := make(chan error, 1)
	go func() {
		if _, err := ln.Accept(); err != nil {
			done <- err
			return
		}
		_, err := ln.Accept()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("a silent connection blocked Accept")
	}
	if g.Blocked(silentServer.RemoteAddr().String()) {
		t.Fatal("an unread connection must not be judged yet")
	}
}

func TestSilentConnectionTimesOut(t *testing.T) {
	g := newFirstByteGuard(1, 20*time.Millisecond)
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	l := &guardedListener{guard: g}
	conn, err := l.admit(server)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := conn.Read(make([]byte, 8)); err == nil {
		t.Fatal("expected first-byte timeout")
	}
	if !g.Blocked(server.RemoteAddr().String()) {
		t.Fatal("silent connection should count as a failure")
	}
}

func TestFirstReadPassesDataThrough(t *testing.T) {
	g := newFirstByteGuard(1, time.Second)
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()
	go func() {
		_, _ = client.Write([]byte("abc"))
		_, _ = client.Write([]byte("de"))
		_ = client.Close()
	}()

	l := &guardedListener{guard: g}
	conn, err := l.admit(server)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	var out []byte
	buf := make([]byte, 4)
	for {
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("read: %v", err)
			}
			break
		}
	}
	if string(out) != "abcde" {
		t.Fatalf("expected abcde, got %q", string(out))
	}
	if g.Blocked(server.RemoteAddr().String()) {
		t.Fatal("a talking client must not be blocked")
	}
}

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	fields  []any
	entries *[]captureEntry
}

func newCaptureLogger() *captureLogger {
	entries := make([]captureEntry, 0, 8)
	return &captureLogger{entries: &entries}
}

func (l *captureLogger) cloneWith(args ...any) *captureLogger {
	combined := append([]any{}, l.fields...)
	combined = append(combined, args...)
	return &captureLogger{fields: combined, entries: l.entries}
}

func (l *captureLogger) find(msg string) (captureEntry, bool) {
	for _, entry := range *l.entries {
		if entry.msg == msg {
			return entry, true
		}
	}
	return captureEntry{}, false
}

func (l *captureLogger) snapshot() []captureEntry {
	out := make([]captureEntry, len(*l.entries))
	copy(out, *l.entries)
	return out
}

func (l *captureLogger) record(level, msg string, args ...any) {
	fields := append([]any{}, l.fields...)
	fields = append(fields, args...)
	*l.entries = append(*l.entries, captureEntry{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger { return l.cloneWith(args...) }
func (l *captureLogger) WithLogLevel() pslog.Logger    { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger {
	return l
}
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type failingConn struct {
	remote  string
	readErr error
	closed  bool
}

func (c *failingConn) Read(p []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	return 0, io.EOF
}

func (c *failingConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *failingConn) Close() error                { c.closed = true; return nil }
func (c *failingConn) LocalAddr() net.Addr         { return fakeAddr("127.0.0.1:0") }
func (c *failingConn) RemoteAddr() net.Addr        { return fakeAddr(c.remote) }
func (c *failingConn) SetDeadline(time.Time) error { return nil }
func (c *failingConn) SetReadDeadline(time.Time) error {
	return nil
}
func (c *failingConn) SetWriteDeadline(time.Time) error {
	return nil
}

type stubListener struct {
	conns []net.Conn
}

func (l *stubListener) Accept() (net.Conn, error) {
	if len(l.conns) == 0 {
		return nil, net.ErrClosed
	}
	conn := l.conns[0]
	l.conns = l.conns[1:]
	return conn, nil
}

func (l *stubListener) Close() error   { return nil }
func (l *stubListener) Addr() net.Addr { return fakeAddr("127.0.0.1:0") }
