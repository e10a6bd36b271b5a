// Package space implements the in-memory tuple space: a mapping from key to a
// FIFO queue of string values, guarded by one mutex and one broadcast
// condition shared by every operation.
package space

import (
	"context"
	"sync"
	"time"

	"pkt.systems/lindad/internal/svcfields"
	"pkt.systems/pslog"
)

// Stats is a point-in-time view of the space.
type Stats struct {
	// Keys is the number of keys holding at least one value.
	Keys int
	// Values is the total number of queued values across all keys.
	Values int
	// Waiters is the number of callers suspended in Peek or Consume.
	Waiters int
}

// Space is a blocking associative store. The zero value is not usable; call
// New.
type Space struct {
	mu      sync.Mutex
	cond    *sync.Cond
	data    map[string][]string
	waiters int

	logger  pslog.Logger
	metrics *spaceMetrics
}

// Option configures a Space.
type Option func(*Space)

// WithLogger supplies a logger for trace-level operation logs.
func WithLogger(l pslog.Logger) Option {
	return func(s *Space) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns an empty space.
func New(opts ...Option) *Space {
	s := &Space{
		data:   make(map[string][]string),
		logger: pslog.NoopLogger(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(s.logger, "space")
	s.metrics = newSpaceMetrics(s.logger)
	return s
}

// Produce appends value to the tail of key's queue and wakes every waiter.
func (s *Space) Produce(key, value string) {
	s.mu.Lock()
	s.data[key] = append(s.data[key], value)
	depth := len(s.data[key])
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Trace("space.produce", "key", key, "depth", depth)
	s.metrics.recordProduce(context.Background(), len(value))
}

// Peek blocks until key has a value and returns the head without removing it.
func (s *Space) Peek(key string) string {
	value, _ := s.await(context.Background(), key, false)
	return value
}

// Consume blocks until key has a value, then removes and returns the head.
func (s *Space) Consume(key string) string {
	value, _ := s.await(context.Background(), key, true)
	return value
}

// PeekContext behaves like Peek but gives up with ctx.Err() once ctx is done.
func (s *Space) PeekContext(ctx context.Context, key string) (string, error) {
	return s.await(ctx, key, false)
}

// ConsumeContext behaves like Consume but gives up with ctx.Err() once ctx is
// done. Nothing is removed when it gives up.
func (s *Space) ConsumeContext(ctx context.Context, key string) (string, error) {
	return s.await(ctx, key, true)
}

// Len returns the number of values queued under key.
func (s *Space) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[key])
}

// Stats returns a snapshot of the space.
func (s *Space) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Keys: len(s.data), Waiters: s.waiters}
	for _, queue := range s.data {
		st.Values += len(queue)
	}
	return st
}

func (s *Space) await(ctx context.Context, key string, remove bool) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	waited := false

	s.mu.Lock()
	if ctx.Done() != nil {
		// Cancellation rides the shared condition: the waiter wakes with the
		// rest and notices ctx.Err on its re-check.
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
	}
	for {
		if queue := s.data[key]; len(queue) > 0 {
			value := queue[0]
			if remove {
				queue[0] = ""
				queue = queue[1:]
				if len(queue) == 0 {
					delete(s.data, key)
				} else {
					s.data[key] = queue
				}
			}
			s.mu.Unlock()
			s.finish(ctx, key, remove, waited, time.Since(start), len(value), nil)
			return value, nil
		}
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			s.finish(ctx, key, remove, waited, time.Since(start), 0, err)
			return "", err
		}
		if !waited {
			s.logger.Trace("space.wait", "key", key, "remove", remove)
		}
		waited = true
		s.waiters++
		s.cond.Wait()
		s.waiters--
	}
}

func (s *Space) finish(ctx context.Context, key string, remove, waited bool, elapsed time.Duration, size int, err error) {
	op := "peek"
	if remove {
		op = "consume"
	}
	if err != nil {
		s.logger.Debug("space.wait.abandoned", "op", op, "key", key, "elapsed", elapsed, "error", err)
	} else {
		s.logger.Trace("space."+op, "key", key, "waited", waited)
	}
	s.metrics.recordTake(ctx, op, size, waited, elapsed, err)
}
