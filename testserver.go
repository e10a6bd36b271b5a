package lindad

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/lindad/client"
	"pkt.systems/lindad/internal/space"
	"pkt.systems/pslog"
)

// TestServer wraps a running Server bound to a loopback port, plus a connected
// client, for tests in this module and in embedding programs.
type TestServer struct {
	Server *Server
	Addr   string
	Client *client.Client
	Config Config

	stop func(context.Context) error
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	return ts.stop(ctx)
}

// NewClient dials an additional client against the test server.
func (ts *TestServer) NewClient(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.Dial(ctx, ts.Addr, opts...)
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

// log forwards to t.Log, ignoring the panic testing raises when a handler
// goroutine logs after the test returned.
func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through t.Log.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	}).With("app", "testserver")
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	space         *space.Space
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config. Listen defaults to an ephemeral
// loopback port when empty.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestSpace serves sp instead of a fresh space.
func WithTestSpace(sp *space.Space) TestServerOption {
	return func(o *testServerOptions) {
		o.space = sp
	}
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerTB routes server logs through t at debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return WithTestLogger(NewTestingLogger(t, pslog.DebugLevel))
}

// WithTestClientOptions passes options to the bundled client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips dialing the bundled client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// NewTestServer starts a server on an ephemeral loopback port and, unless
// disabled, connects a client to it.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := testServerOptions{startTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	for _, mutate := range o.mutators {
		mutate(&cfg)
	}
	serverOpts := []Option{WithLogger(o.logger)}
	if o.space != nil {
		serverOpts = append(serverOpts, WithSpace(o.space))
	}
	srv, err := NewServer(cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	readyCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		return nil, err
	case <-readyCtx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, fmt.Errorf("test server not ready: %w", readyCtx.Err())
	}
	var stopOnce sync.Once
	var stopErr error
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	ts := &TestServer{
		Server: srv,
		Addr:   srv.ListenerAddr().String(),
		Config: srv.Config(),
		stop:   stop,
	}
	if !o.disableClient {
		cli, err := client.Dial(ctx, ts.Addr, o.clientOpts...)
		if err != nil {
			_ = stop(context.Background())
			return nil, fmt.Errorf("test server client: %w", err)
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is NewTestServer for tests: failures are fatal and the
// server stops during cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
