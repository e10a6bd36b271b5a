// Package logswitch wraps a pslog.Logger so its minimum level can be changed
// while loggers derived from it are already in use.
package logswitch

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

type state struct {
	gen    uint64
	level  pslog.Level
	logger pslog.Logger
}

// Switch owns the base logger and the current level.
type Switch struct {
	base  pslog.Logger
	state atomic.Pointer[state]
}

// New returns a switch over base starting at level.
func New(base pslog.Logger, level pslog.Level) *Switch {
	if base == nil {
		base = pslog.NoopLogger()
	}
	s := &Switch{base: base}
	s.state.Store(&state{level: level, logger: base.LogLevel(level)})
	return s
}

// Level returns the current level.
func (s *Switch) Level() pslog.Level {
	return s.state.Load().level
}

// SetLevel changes the level for every logger obtained from Logger. It
// reports whether the level changed.
func (s *Switch) SetLevel(level pslog.Level) bool {
	for {
		cur := s.state.Load()
		if cur.level == level {
			return false
		}
		next := &state{gen: cur.gen + 1, level: level, logger: s.base.LogLevel(level)}
		if s.state.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Logger returns a logger that follows the switch.
func (s *Switch) Logger() pslog.Logger {
	return &logger{sw: s}
}

type derived struct {
	gen    uint64
	logger pslog.Logger
}

// logger replays its derivation chain on the current base whenever the level
// changes, caching the result per generation.
type logger struct {
	sw     *Switch
	derive []func(pslog.Logger) pslog.Logger
	cache  atomic.Pointer[derived]
}

func (l *logger) current() pslog.Logger {
	st := l.sw.state.Load()
	if c := l.cache.Load(); c != nil && c.gen == st.gen {
		return c.logger
	}
	out := st.logger
	for _, fn := range l.derive {
		out = fn(out)
	}
	l.cache.Store(&derived{gen: st.gen, logger: out})
	return out
}

func (l *logger) child(fn func(pslog.Logger) pslog.Logger) pslog.Logger {
	derive := make([]func(pslog.Logger) pslog.Logger, 0, len(l.derive)+1)
	derive = append(derive, l.derive...)
	derive = append(derive, fn)
	return &logger{sw: l.sw, derive: derive}
}

func (l *logger) Trace(msg string, args ...any) { l.current().Trace(msg, args...) }
func (l *logger) Debug(msg string, args ...any) { l.current().Debug(msg, args...) }
func (l *logger) Info(msg string, args ...any)  { l.current().Info(msg, args...) }
func (l *logger) Warn(msg string, args ...any)  { l.current().Warn(msg, args...) }
func (l *logger) Error(msg string, args ...any) { l.current().Error(msg, args...) }
func (l *logger) Fatal(msg string, args ...any) { l.current().Fatal(msg, args...) }
func (l *logger) Panic(msg string, args ...any) { l.current().Panic(msg, args...) }

func (l *logger) Log(level pslog.Level, msg string, args ...any) {
	l.current().Log(level, msg, args...)
}

func (l *logger) With(args ...any) pslog.Logger {
	fields := append([]any(nil), args...)
	return l.child(func(base pslog.Logger) pslog.Logger { return base.With(fields...) })
}

func (l *logger) WithLogLevel() pslog.Logger {
	return l.child(func(base pslog.Logger) pslog.Logger { return base.WithLogLevel() })
}

// LogLevel pins a level on the derived logger; later switch changes no longer
// affect it.
func (l *logger) LogLevel(level pslog.Level) pslog.Logger {
	return l.child(func(base pslog.Logger) pslog.Logger { return base.LogLevel(level) })
}

func (l *logger) LogLevelFromEnv(key string) pslog.Logger {
	return l.child(func(base pslog.Logger) pslog.Logger { return base.LogLevelFromEnv(key) })
}
