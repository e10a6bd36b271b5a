// Package connguard blocks remote hosts that repeatedly misbehave: clients
// that connect without sending anything, or that keep sending lines the
// protocol rejects.
package connguard

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/lindad/internal/clock"
	"pkt.systems/lindad/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls the guard.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of failures inside FailureWindow that
	// blocks a host. Zero never blocks.
	FailureThreshold int
	// FailureWindow is the sliding window failures are counted in.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host is refused.
	BlockDuration time.Duration
	// ProbeTimeout, when positive, requires a new connection to send its
	// first byte within the timeout. The check runs on the connection's first
	// Read, so a silent client never holds up Accept.
	ProbeTimeout time.Duration
	// Clock drives expiry; defaults to the real clock.
	Clock clock.Clock
}

// Failure reasons.
const (
	ReasonZeroConnect   = "zero_connect"
	ReasonProtocolError = "protocol_error"
)

// ErrBlocked is returned for connections from a blocked host.
var ErrBlocked = errors.New("connguard: connection blocked")

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per remote host.
type Guard struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New constructs a guard. A nil *Guard is valid and never blocks.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	return &Guard{
		cfg:    cfg,
		clock:  clock.Or(cfg.Clock),
		logger: svcfields.WithSubsystem(logger, "control.connguard"),
		hosts:  make(map[string]*hostState),
	}
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

// RecordFailure counts a failure against remote and reports whether the host
// is now blocked.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if !g.Enabled() || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("lindad.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("lindad.connguard.blocked",
		"remote", host,
		"reason", reason,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether remote is currently refused.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("lindad.connguard.released", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// WrapListener returns a listener that drops connections from blocked hosts.
// It returns ln unchanged when the guard is disabled.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

// Accept returns the next connection that passes the guard.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, err := l.admit(conn)
		if err == nil {
			return accepted, nil
		}
		_ = conn.Close()
	}
}

func (l *guardedListener) admit(conn net.Conn) (net.Conn, error) {
	remote := remoteAddress(conn)
	if l.guard.Blocked(remote) {
		l.guard.logger.Debug("lindad.connguard.rejected", "remote", remote)
		return nil, ErrBlocked
	}
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	return &probingConn{Conn: conn, guard: l.guard, remote: remote}, nil
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// probingConn bounds its first Read by the probe timeout and records a
// zero-connect failure when nothing arrives. Later reads pass through.
type probingConn struct {
	net.Conn
	guard  *Guard
	remote string
	probed bool
}

func (c *probingConn) Read(p []byte) (int, error) {
	if c.probed {
		return c.Conn.Read(p)
	}
	c.probed = true
	if err := c.Conn.SetReadDeadline(c.guard.clock.Now().Add(c.guard.cfg.ProbeTimeout)); err != nil {
		c.guard.logger.Warn("lindad.connguard.deadline", "remote", c.remote, "error", err)
		return c.Conn.Read(p)
	}
	n, err := c.Conn.Read(p)
	_ = c.Conn.SetReadDeadline(time.Time{})
	if n == 0 {
		c.guard.RecordFailure(c.remote, ReasonZeroConnect)
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return n, err
}
