package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lindad"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lindad configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lindad/" + lindad.DefaultConfigFileName
	if path, err := lindad.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lindad configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := lindad.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the generated file back unchanged.
type configDefaults struct {
	Listen                    string `yaml:"listen"`
	ListenProto               string `yaml:"listen-proto"`
	LineMax                   string `yaml:"line-max"`
	MaxConnections            int    `yaml:"max-connections"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	SampleInterval            string `yaml:"sample-interval"`
	SampleLogInterval         string `yaml:"sample-log-interval"`
	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string `yaml:"connguard-probe-timeout"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := lindad.DefaultConfig()
	defaults := configDefaults{
		Listen:                    cfg.Listen,
		ListenProto:               cfg.ListenProto,
		LineMax:                   humanizeBytes(int64(cfg.LineMaxBytes)),
		MaxConnections:            cfg.MaxConnections,
		MetricsListen:             cfg.MetricsListen,
		PprofListen:               cfg.PprofListen,
		EnableProfilingMetrics:    cfg.EnableProfilingMetrics,
		OTLPEndpoint:              cfg.OTLPEndpoint,
		ShutdownTimeout:           cfg.ShutdownTimeout.String(),
		SampleInterval:            cfg.SampleInterval.String(),
		SampleLogInterval:         cfg.SampleLogInterval.String(),
		ConnguardEnabled:          cfg.ConnguardEnabled,
		ConnguardFailureThreshold: cfg.ConnguardFailureThreshold,
		ConnguardFailureWindow:    cfg.ConnguardFailureWindow.String(),
		ConnguardBlockDuration:    cfg.ConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     cfg.ConnguardProbeTimeout.String(),
		LogLevel:                  "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# lindad configuration. Keys match the command line flags;\n# LINDAD_* environment variables override them.\n")
	return append(header, data...), nil
}
