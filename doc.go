// Package lindad exposes the Go APIs behind a Linda-style tuple space server:
// a shared, network-accessible associative memory where clients write string
// values under keys, read them, or take them, optionally waiting until a
// matching value appears. The server is designed to run as PID 1, but the
// package also makes it easy to embed the server or talk to it from Go.
//
// # Running a server
//
// The server listens on `Config.ListenProto` (default `tcp`) and
// `Config.Listen` (default `127.0.0.1:54321`).
//
//	srv, err := lindad.NewServer(lindad.DefaultConfig())
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("lindad: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// `StartServer` wraps the same steps, waits for the listener, and returns a
// stop function; `StartTestServer` binds an ephemeral loopback port for tests.
//
// # Protocol
//
// Each request is one newline-terminated line of whitespace-separated tokens;
// each gets exactly one reply line:
//
//	WR key value...     append value (remaining tokens joined by one space)  -> OK
//	RD key              wait for key, return the oldest value                  -> OK <value>
//	IN key              wait for key, remove and return the oldest value       -> OK <value>
//	EX in out service   take from in, transform, write to out                  -> OK | NO-SERVICE
//
// Anything else, including wrong arity or lower-case verbs, gets `ERROR` and
// changes nothing. Services are 1 (upper-case), 2 (reverse) and 3 (length in
// characters). A service token that is not a non-negative decimal number gets
// `NO-SERVICE` before anything is consumed; a well-formed but unknown id gets
// `NO-SERVICE` after the input value has been consumed and dropped.
//
// Values under one key are served first-in first-out. Every write wakes every
// waiting reader, and each waiter re-checks its own key, so a waiter is only
// released by a write to the key it waits on.
//
// # Connections and shutdown
//
// Every connection gets its own goroutine and an xid used in its log fields.
// `Config.MaxConnections` bounds concurrent connections (zero means
// unbounded) and `Config.LineMaxBytes` bounds a request line. A waiter whose
// client disconnects stays parked until a matching write arrives, and the
// value it then takes is discarded with the dead connection. `Shutdown`
// releases every waiter, closes every connection and waits for the handlers.
//
// Enabling the connection guard (`Config.ConnguardEnabled`) blocks hosts that
// keep sending rejected lines.
//
// # Observability
//
// Logs use pkt.systems/pslog with a `sys` subsystem field. Metrics are
// OpenTelemetry instruments exported on `Config.MetricsListen` in Prometheus
// format; `Config.OTLPEndpoint` enables trace export (one span per command);
// `Config.PprofListen` exposes net/http/pprof. The sampler periodically
// records space size, connection count, process RSS and host load.
package lindad
