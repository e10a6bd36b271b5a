package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/lindad"
	"pkt.systems/lindad/internal/logswitch"
	"pkt.systems/lindad/internal/svcfields"
)

const (
	envPrefix   = "LINDAD"
	envLogLevel = "LINDAD_LOG_LEVEL"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LINDAD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lindad")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand, so failures can be logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !hasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads --config, or the default config file when it exists,
// into v. It returns the resolved path or "" when no file was loaded.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := lindad.DefaultConfigPath()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// newConfigViper returns a viper instance resolving LINDAD_* environment
// variables for every key.
func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newConfigViper()
	cmd := &cobra.Command{
		Use:           "lindad",
		Short:         "lindad is a Linda tuple-space server speaking a line protocol over TCP",
		SilenceErrors: true,
		Example: `
  # Serve on the default loopback endpoint
  lindad

  # Listen on all interfaces, cap connections and expose Prometheus metrics
  lindad --listen :54321 --max-connections 512 --metrics-listen 127.0.0.1:9464

  # Talk to a running server
  lindad client wr greeting hello
  lindad client ex greeting shout 1
  lindad client in shout
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			svcfields.WithSubsystem(baseLogger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to lindad",
				"app", "lindad",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			var cfg lindad.Config
			if err := bindConfig(v, &cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(v.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			sw := logswitch.New(baseLogger, level)
			logger := sw.Logger()
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
				if !logLevelPinned(cmd) {
					watcher, err := watchLogLevel(configFile, sw, svcfields.WithSubsystem(logger, "cli.config"))
					if err != nil {
						cliLogger.Warn("config watch disabled", "error", err)
					} else {
						defer watcher.Close()
					}
				}
			}

			server, err := lindad.NewServer(cfg, lindad.WithLogger(logger))
			if err != nil {
				return err
			}
			stopped := make(chan struct{})
			shutdownDone := make(chan error, 1)
			go func() {
				select {
				case <-ctx.Done():
				case <-stopped:
				}
				shutdownDone <- server.Close()
			}()

			startErr := server.Start()
			close(stopped)
			if err := <-shutdownDone; err != nil {
				cliLogger.Error("shutdown failed", "error", err)
			}
			if startErr != nil && !errors.Is(startErr, lindad.ErrServerClosed) {
				return startErr
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lindad/"+lindad.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error); reloaded when the config file changes")

	flags := cmd.Flags()
	flags.StringP("listen", "l", lindad.DefaultListen, "listen address")
	flags.String("listen-proto", lindad.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.String("line-max", humanizeBytes(lindad.DefaultLineMaxBytes), "maximum request line size including the newline")
	flags.Int("max-connections", lindad.DefaultMaxConnections, "maximum concurrently served connections (0 is unbounded)")
	flags.String("metrics-listen", lindad.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", lindad.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector endpoint (grpc://host:port or http(s)://host:port)")
	flags.Duration("shutdown-timeout", lindad.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.Duration("sample-interval", lindad.DefaultSampleInterval, "space and host sampling interval (0 disables the sampler)")
	flags.Duration("sample-log-interval", lindad.DefaultSampleLogInterval, "interval between sample logs (0 disables them)")
	flags.Bool("connguard-enabled", false, "block hosts that repeatedly send malformed requests")
	flags.Int("connguard-failure-threshold", lindad.DefaultConnguardFailureThreshold, "protocol errors within the window that block a host")
	flags.Duration("connguard-failure-window", lindad.DefaultConnguardFailureWindow, "window used to count protocol errors")
	flags.Duration("connguard-block-duration", lindad.DefaultConnguardBlockDuration, "time a blocked host is refused")
	flags.Duration("connguard-probe-timeout", lindad.DefaultConnguardProbeTimeout, "require a first byte within this timeout (0 disables)")

	bind := func(fs *pflag.FlagSet, name string) {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
	bind(persistentFlags, "config")
	bind(persistentFlags, "log-level")
	flags.VisitAll(func(f *pflag.Flag) { bind(flags, f.Name) })
	// LINDAD_LOG_LEVEL is shared with pslog.LoggerFromEnv.
	if err := v.BindEnv("log-level", envLogLevel); err != nil {
		panic(err)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newClientCommand(v))
	return cmd
}

// logLevelPinned reports whether a flag or environment variable fixed the
// log level, in which case config file edits must not override it.
func logLevelPinned(cmd *cobra.Command) bool {
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		return true
	}
	_, ok := os.LookupEnv(envLogLevel)
	return ok
}

func bindConfig(v *viper.Viper, cfg *lindad.Config) error {
	*cfg = lindad.DefaultConfig()
	cfg.Listen = v.GetString("listen")
	cfg.ListenProto = v.GetString("listen-proto")
	if raw := strings.TrimSpace(v.GetString("line-max")); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse line-max: %w", err)
		}
		cfg.LineMaxBytes = int(n)
	}
	cfg.MaxConnections = v.GetInt("max-connections")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cfg.SampleInterval = v.GetDuration("sample-interval")
	cfg.SampleLogInterval = v.GetDuration("sample-log-interval")
	cfg.ConnguardEnabled = v.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = v.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = v.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = v.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = v.GetDuration("connguard-probe-timeout")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
