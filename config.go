package lindad

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the TCP endpoint the server binds to.
	DefaultListen = "127.0.0.1:54321"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultLineMaxBytes bounds a single request line including its newline.
	DefaultLineMaxBytes = 1 << 20
	// DefaultMaxConnections of zero leaves the connection count unbounded.
	DefaultMaxConnections = 0
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultShutdownTimeout caps how long Shutdown waits for handlers.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultSampleInterval configures how often the sampler snapshots the
	// space and host.
	DefaultSampleInterval = 5 * time.Second
	// DefaultSampleLogInterval controls how often lindad.sample is logged.
	DefaultSampleLogInterval = time.Minute
	// DefaultConnguardFailureThreshold is the number of protocol errors inside
	// the window that blocks a host.
	DefaultConnguardFailureThreshold = 20
	// DefaultConnguardFailureWindow is the rolling window failures are counted in.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a host stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout of zero disables the first-byte probe;
	// Linda clients may legitimately connect and stay quiet.
	DefaultConnguardProbeTimeout = 0
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// ConfigDirEnv overrides DefaultConfigDir.
	ConfigDirEnv = "LINDAD_CONFIG_DIR"
)

// Config captures the tunables for a lindad server.
type Config struct {
	// Listen is the bind address (for example "127.0.0.1:54321").
	Listen string
	// ListenProto selects the listener network ("tcp", "tcp4", "tcp6").
	ListenProto string
	// LineMaxBytes caps one request line including its newline; longer lines
	// end the connection.
	LineMaxBytes int
	// MaxConnections caps concurrently served connections; zero is unbounded.
	MaxConnections int
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector.
	OTLPEndpoint string
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// SampleInterval is the sampler cadence; zero disables the sampler.
	SampleInterval time.Duration
	// SampleLogInterval throttles lindad.sample logs; zero disables them.
	SampleLogInterval time.Duration

	// ConnguardEnabled turns on per-host blocking of misbehaving clients.
	ConnguardEnabled bool
	// ConnguardFailureThreshold is the failure count that blocks a host.
	ConnguardFailureThreshold int
	// ConnguardFailureWindow is the rolling window for failures.
	ConnguardFailureWindow time.Duration
	// ConnguardBlockDuration is how long a blocked host is refused.
	ConnguardBlockDuration time.Duration
	// ConnguardProbeTimeout requires a first byte within the timeout when
	// positive. It is checked on the first read, never inside Accept.
	ConnguardProbeTimeout time.Duration
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() Config {
	return Config{
		Listen:                    DefaultListen,
		ListenProto:               DefaultListenProto,
		LineMaxBytes:              DefaultLineMaxBytes,
		MaxConnections:            DefaultMaxConnections,
		MetricsListen:             DefaultMetricsListen,
		PprofListen:               DefaultPprofListen,
		ShutdownTimeout:           DefaultShutdownTimeout,
		SampleInterval:            DefaultSampleInterval,
		SampleLogInterval:         DefaultSampleLogInterval,
		ConnguardFailureThreshold: DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    DefaultConnguardFailureWindow,
		ConnguardBlockDuration:    DefaultConnguardBlockDuration,
		ConnguardProbeTimeout:     DefaultConnguardProbeTimeout,
	}
}

// Validate fills defaults for unset fields and rejects inconsistent values.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: listen-proto must be tcp, tcp4 or tcp6 (got %q)", c.ListenProto)
	}
	if c.LineMaxBytes == 0 {
		c.LineMaxBytes = DefaultLineMaxBytes
	} else if c.LineMaxBytes < 64 {
		return fmt.Errorf("config: line-max must be at least 64 bytes")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max-connections must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	} else if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown-timeout must be >= 0")
	}
	if c.SampleInterval < 0 {
		return fmt.Errorf("config: sample-interval must be >= 0")
	}
	if c.SampleLogInterval < 0 {
		return fmt.Errorf("config: sample-log-interval must be >= 0")
	}
	if c.ConnguardEnabled {
		if c.ConnguardFailureThreshold == 0 {
			c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
		}
		if c.ConnguardFailureThreshold < 0 {
			return fmt.Errorf("config: connguard failure threshold must be >= 0")
		}
		if c.ConnguardFailureWindow <= 0 {
			c.ConnguardFailureWindow = DefaultConnguardFailureWindow
		}
		if c.ConnguardBlockDuration <= 0 {
			c.ConnguardBlockDuration = DefaultConnguardBlockDuration
		}
		if c.ConnguardProbeTimeout < 0 {
			return fmt.Errorf("config: connguard probe timeout must be >= 0")
		}
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.lindad),
// honouring LINDAD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(ConfigDirEnv)); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lindad"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
