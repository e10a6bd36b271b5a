package logswitch

import (
	"testing"

	"pkt.systems/pslog"
)

// recordingLogger is a minimal pslog.Logger that records the level it was
// derived with and the fields attached through With.
type recordingLogger struct {
	level   pslog.Level
	fields  []any
	entries *[]entry
}

type entry struct {
	level  pslog.Level
	msg    string
	fields []any
}

func newRecording() *recordingLogger {
	entries := []entry{}
	return &recordingLogger{level: pslog.InfoLevel, entries: &entries}
}

func (r *recordingLogger) log(level pslog.Level, msg string) {
	if level < r.level {
		return
	}
	*r.entries = append(*r.entries, entry{level: level, msg: msg, fields: append([]any(nil), r.fields...)})
}

func (r *recordingLogger) Trace(msg string, _ ...any) { r.log(pslog.TraceLevel, msg) }
func (r *recordingLogger) Debug(msg string, _ ...any) { r.log(pslog.DebugLevel, msg) }
func (r *recordingLogger) Info(msg string, _ ...any)  { r.log(pslog.InfoLevel, msg) }
func (r *recordingLogger) Warn(msg string, _ ...any)  { r.log(pslog.WarnLevel, msg) }
func (r *recordingLogger) Error(msg string, _ ...any) { r.log(pslog.ErrorLevel, msg) }
func (r *recordingLogger) Fatal(msg string, _ ...any) { r.log(pslog.FatalLevel, msg) }
func (r *recordingLogger) Panic(msg string, _ ...any) { r.log(pslog.PanicLevel, msg) }
func (r *recordingLogger) Log(level pslog.Level, msg string, _ ...any) {
	r.log(level, msg)
}
func (r *recordingLogger) With(args ...any) pslog.Logger {
	fields := append(append([]any(nil), r.fields...), args...)
	return &recordingLogger{level: r.level, fields: fields, entries: r.entries}
}
func (r *recordingLogger) WithLogLevel() pslog.Logger { return r }
func (r *recordingLogger) LogLevel(level pslog.Level) pslog.Logger {
	return &recordingLogger{level: level, fields: r.fields, entries: r.entries}
}
func (r *recordingLogger) LogLevelFromEnv(string) pslog.Logger { return r }

func TestSwitchChangesLevelOfDerivedLoggers(t *testing.T) {
	base := newRecording()
	sw := New(base, pslog.InfoLevel)
	child := sw.Logger().With("sys", "server")

	child.Debug("hidden")
	if n := len(*base.entries); n != 0 {
		t.Fatalf("debug logged at info level: %d entries", n)
	}
	if !sw.SetLevel(pslog.DebugLevel) {
		t.Fatal("expected level change")
	}
	if sw.SetLevel(pslog.DebugLevel) {
		t.Fatal("setting the same level should report no change")
	}
	child.Debug("visible")
	entries := *base.entries
	if len(entries) != 1 || entries[0].msg != "visible" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if len(entries[0].fields) != 2 || entries[0].fields[1] != "server" {
		t.Fatalf("fields lost across level change: %+v", entries[0].fields)
	}
	if sw.Level() != pslog.DebugLevel {
		t.Fatalf("level = %v", sw.Level())
	}
}

func TestPinnedLevelIgnoresSwitch(t *testing.T) {
	base := newRecording()
	sw := New(base, pslog.InfoLevel)
	pinned := sw.Logger().LogLevel(pslog.ErrorLevel)
	sw.SetLevel(pslog.TraceLevel)
	pinned.Warn("dropped")
	pinned.Error("kept")
	entries := *base.entries
	if len(entries) != 1 || entries[0].msg != "kept" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
