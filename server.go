package lindad

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/net/netutil"

	"pkt.systems/lindad/internal/clock"
	"pkt.systems/lindad/internal/command"
	"pkt.systems/lindad/internal/connguard"
	"pkt.systems/lindad/internal/sampler"
	"pkt.systems/lindad/internal/space"
	"pkt.systems/lindad/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrServerClosed is returned by Start after Shutdown has been called.
var ErrServerClosed = errors.New("lindad: server closed")

// Server accepts TCP connections and serves the line protocol against one
// tuple space.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	space     *space.Space
	processor *command.Processor
	guard     *connguard.Guard
	sampler   *sampler.Sampler
	clock     clock.Clock
	telemetry *telemetryBundle
	metrics   *serverMetrics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	handlers   sync.WaitGroup
	openConns  atomic.Int64

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*serverConn]struct{}
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

type serverConn struct {
	id     string
	conn   net.Conn
	remote string
	ctx    context.Context
	logger pslog.Logger
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Space        *space.Space
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithSpace serves an existing tuple space instead of a fresh one.
func WithSpace(sp *space.Space) Option {
	return func(o *options) {
		o.Space = sp
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a lindad server according to cfg.
// Example:
//
//	srv, err := lindad.NewServer(lindad.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := clock.Or(o.Clock)

	telemetryCfg := telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}
	if o.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryCfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	sp := o.Space
	if sp == nil {
		sp = space.New(space.WithLogger(logger))
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		space:      sp,
		processor:  command.New(sp, command.WithLogger(logger)),
		clock:      serverClock,
		telemetry:  telemetry,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		conns:      make(map[*serverConn]struct{}),
		readyCh:    make(chan struct{}),
	}
	s.metrics = newServerMetrics(s.logger)
	if cfg.ConnguardEnabled {
		s.guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.ConnguardFailureThreshold,
			FailureWindow:    cfg.ConnguardFailureWindow,
			BlockDuration:    cfg.ConnguardBlockDuration,
			ProbeTimeout:     cfg.ConnguardProbeTimeout,
			Clock:            serverClock,
		}, logger)
	}
	if cfg.SampleInterval > 0 {
		s.sampler = sampler.New(sampler.Config{
			Interval:    cfg.SampleInterval,
			LogInterval: cfg.SampleLogInterval,
			Clock:       serverClock,
		}, sp, s.openConns.Load, logger)
	}
	return s, nil
}

// Space returns the tuple space the server operates on.
func (s *Server) Space() *space.Space {
	return s.space
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Start binds the listener and serves connections until Shutdown. A bind
// failure is returned immediately; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("lindad: server already started")
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	s.mu.Unlock()

	ln = s.guard.WrapListener(ln)
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	if s.sampler != nil {
		s.sampler.Start(s.baseCtx)
	}
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"connguard", s.guard.Enabled(),
	)
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(tempDelay*2, time.Second)
			}
			s.logger.Warn("server.accept.error", "error", err, "retry_in", tempDelay)
			select {
			case <-s.clock.After(tempDelay):
			case <-s.baseCtx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0
		sc, ok := s.track(conn)
		if !ok {
			_ = conn.Close()
			return nil
		}
		go s.serveConn(sc)
	}
}

// track registers conn for shutdown. It reports false once shutdown began.
func (s *Server) track(conn net.Conn) (*serverConn, bool) {
	remote := conn.RemoteAddr().String()
	id := xid.New().String()
	sc := &serverConn{
		id:     id,
		conn:   conn,
		remote: remote,
		ctx:    s.baseCtx,
		logger: svcfields.WithConn(s.logger, id, remote),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, false
	}
	s.conns[sc] = struct{}{}
	s.handlers.Add(1)
	s.openConns.Add(1)
	return sc, true
}

func (s *Server) untrack(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
	s.openConns.Add(-1)
}

func (s *Server) serveConn(sc *serverConn) {
	defer s.handlers.Done()
	defer s.untrack(sc)
	defer sc.conn.Close()

	start := s.clock.Now()
	sc.logger.Debug("server.conn.open")
	s.metrics.recordOpen(sc.ctx)
	reason := s.handleLines(sc)
	sc.logger.Debug("server.conn.closed", "reason", reason, "elapsed", s.clock.Now().Sub(start))
	s.metrics.recordClose(sc.ctx, reason)
}

// handleLines runs the request/reply loop and returns why it ended.
func (s *Server) handleLines(sc *serverConn) string {
	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.cfg.LineMaxBytes)), s.cfg.LineMaxBytes)
	for scanner.Scan() {
		reply, err := s.processor.Execute(sc.ctx, scanner.Text())
		if err != nil {
			return "shutdown"
		}
		if _, err := sc.conn.Write([]byte(reply.String())); err != nil {
			if !s.closing() {
				sc.logger.Debug("server.conn.write_error", "error", err)
			}
			return "write_error"
		}
		if reply.Status == command.StatusError && s.guard.RecordFailure(sc.remote, connguard.ReasonProtocolError) {
			sc.logger.Warn("server.conn.blocked")
			return "blocked"
		}
	}
	err := scanner.Err()
	switch {
	case err == nil:
		return "eof"
	case errors.Is(err, bufio.ErrTooLong):
		sc.logger.Warn("server.conn.line_too_long", "limit", s.cfg.LineMaxBytes)
		return "line_too_long"
	case s.closing():
		return "shutdown"
	default:
		sc.logger.Debug("server.conn.read_error", "error", err)
		return "read_error"
	}
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown stops accepting, releases every caller blocked in RD, IN or EX,
// closes open connections and waits for their handlers until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	s.signalReady()
	if ln != nil {
		_ = ln.Close()
	}
	s.baseCancel()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}

	var errs []error
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server shutdown: %w", ctx.Err()))
	}
	if s.sampler != nil {
		s.sampler.Wait()
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	s.logger.Info("server.shutdown.complete", "connections", len(conns))
	return errors.Join(errs...)
}

// Close shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound (or shutdown began) or
// ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// StartServer starts a lindad server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside
// a stop function that gracefully shuts it down. The server also stops when
// ctx ends.
// Example:
//
//	cfg := lindad.Config{Listen: "127.0.0.1:0"}
//	srv, stop, err := lindad.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = stop(context.Background())
			case <-srv.baseCtx.Done():
			}
		}()
	}
	return srv, stop, nil
}
