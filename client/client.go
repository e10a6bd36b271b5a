package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"pkt.systems/pslog"
)

// Service identifiers understood by Exchange.
const (
	ServiceUpper   uint32 = 1
	ServiceReverse uint32 = 2
	ServiceLength  uint32 = 3
)

// DefaultDialTimeout bounds Dial when ctx carries no deadline.
const DefaultDialTimeout = 10 * time.Second

var (
	// ErrProtocol reports that the server answered ERROR.
	ErrProtocol = errors.New("lindad: protocol error")
	// ErrNoService reports that the server answered NO-SERVICE.
	ErrNoService = errors.New("lindad: no such service")
	// ErrUnexpectedReply reports a reply line the client does not understand.
	ErrUnexpectedReply = errors.New("lindad: unexpected reply")
	// ErrInvalidArgument rejects keys or values the protocol cannot carry.
	ErrInvalidArgument = errors.New("lindad: invalid argument")
	// ErrConnBroken is returned after an aborted request left the connection
	// out of step with the server.
	ErrConnBroken = errors.New("lindad: connection broken")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("lindad: client closed")
)

// Client is a connection to a lindad server.
type Client struct {
	addr        string
	logger      pslog.Logger
	dialer      *net.Dialer
	dialTimeout time.Duration

	conn      net.Conn
	closed    atomic.Bool
	closeOnce sync.Once

	mu     sync.Mutex
	reader *bufio.Reader
	broken error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger supplies a logger for request tracing.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithDialer uses d for the TCP connection.
func WithDialer(d *net.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Dial connects to the server at addr (host:port).
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Client{
		addr:        strings.TrimSpace(addr),
		logger:      pslog.NoopLogger(),
		dialer:      &net.Dialer{},
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.addr == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidArgument)
	}
	c.logger = c.logger.With("sys", "client", "addr", c.addr)
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("lindad: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.logger.Debug("client.connected", "local", conn.LocalAddr().String())
	return c, nil
}

// Addr returns the server address the client dialed.
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection. It is safe to call more than once. A request
// blocked in another goroutine is aborted.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Write stores value under key (WR).
func (c *Client) Write(ctx context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" || strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: value must be non-empty and single-line", ErrInvalidArgument)
	}
	_, err := c.request(ctx, "WR "+key+" "+value, false)
	return err
}

// Read returns the oldest value under key without removing it, waiting until
// one exists (RD).
func (c *Client) Read(ctx context.Context, key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return c.request(ctx, "RD "+key, true)
}

// In removes and returns the oldest value under key, waiting until one exists
// (IN).
func (c *Client) In(ctx context.Context, key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return c.request(ctx, "IN "+key, true)
}

// Exchange takes the oldest value under in, applies service and writes the
// result under out (EX). An unknown service yields ErrNoService after the
// server has already consumed and dropped the input value.
func (c *Client) Exchange(ctx context.Context, in, out string, service uint32) error {
	if err := checkKey(in); err != nil {
		return err
	}
	if err := checkKey(out); err != nil {
		return err
	}
	_, err := c.request(ctx, "EX "+in+" "+out+" "+strconv.FormatUint(uint64(service), 10), false)
	return err
}

// Do sends a raw request line and returns the raw reply line without its
// newline. Replies are returned as-is; ERROR and NO-SERVICE are not errors.
func (c *Client) Do(ctx context.Context, line string) (string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("%w: request must be a single line", ErrInvalidArgument)
	}
	return c.roundTrip(ctx, line)
}

func (c *Client) request(ctx context.Context, line string, wantValue bool) (string, error) {
	reply, err := c.roundTrip(ctx, line)
	if err != nil {
		return "", err
	}
	return parseReply(reply, wantValue)
}

func (c *Client) roundTrip(ctx context.Context, line string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return "", ErrClosed
	}
	if c.broken != nil {
		return "", c.broken
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if stop() && hasDeadline {
			_ = c.conn.SetDeadline(time.Time{})
		}
	}()

	start := time.Now()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", c.fail(ctx, "write", err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", c.fail(ctx, "read", err)
	}
	reply = strings.TrimRight(reply, "\r\n")
	c.logger.Trace("client.request", "request", verbOf(line), "reply", replyStatus(reply), "elapsed", time.Since(start))
	return reply, nil
}

// fail marks the connection unusable and maps deadline errors back to the
// context error that caused them.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		err = context.DeadlineExceeded
	}
	c.broken = fmt.Errorf("%w: %s: %w", ErrConnBroken, op, err)
	c.logger.Debug("client.request.aborted", "op", op, "error", err)
	return fmt.Errorf("lindad: %s: %w", op, err)
}

func parseReply(reply string, wantValue bool) (string, error) {
	switch {
	case reply == "OK":
		return "", nil
	case strings.HasPrefix(reply, "OK ") && wantValue:
		return reply[len("OK "):], nil
	case reply == "ERROR":
		return "", ErrProtocol
	case reply == "NO-SERVICE":
		return "", ErrNoService
	default:
		return "", fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
	}
}

func checkKey(key string) error {
	if key == "" || strings.IndexFunc(key, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: key %q must be a single non-empty token", ErrInvalidArgument, key)
	}
	return nil
}

func verbOf(line string) string {
	if i := strings.IndexByte(line, ' '); i > 0 {
		return line[:i]
	}
	return line
}

func replyStatus(reply string) string {
	if strings.HasPrefix(reply, "OK") {
		return "OK"
	}
	return reply
}
