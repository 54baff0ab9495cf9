package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sdss/cerebro/config"
)

// CLIConfig holds command-line configuration for the daemon.
type CLIConfig struct {
	ConfigPath      string
	Profile         string
	Socket          string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("CEREBRO_CONFIG", "/etc/cerebro/cerebro.yaml"),
		"Path to configuration file (env: CEREBRO_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("CEREBRO_CONFIG", "/etc/cerebro/cerebro.yaml"),
		"Path to configuration file (env: CEREBRO_CONFIG)")

	flag.StringVar(&cfg.Profile, "profile",
		getEnv("CEREBRO_PROFILE", config.DefaultProfile),
		"Configuration profile to run (env: CEREBRO_PROFILE)")

	flag.StringVar(&cfg.Socket, "socket",
		getEnv("CEREBRO_SOCKET", ""),
		"Control socket path, overrides the config file (env: CEREBRO_SOCKET)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CEREBRO_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CEREBRO_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CEREBRO_LOG_FORMAT", "json"),
		"Log format: json, text (env: CEREBRO_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("CEREBRO_DEBUG", false),
		"Enable debug logging (env: CEREBRO_DEBUG)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CEREBRO_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Per-component graceful stop timeout (env: CEREBRO_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Profile == "" {
		return fmt.Errorf("profile must not be empty")
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - telemetry collection and dispatch

Usage:
  %s [options]                 run the daemon
  %s status [-socket path]     show component status of a running daemon
  %s restart <source> [-socket path]
                               restart one source
  %s stop [-socket path]       ask the daemon to shut down

Options:
`, appName, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a custom config and profile
  %s --config=/etc/cerebro/apo.yaml --profile=minimal

  # Run with debug logging on the console
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export CEREBRO_CONFIG=/etc/cerebro/apo.yaml
  export CEREBRO_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --validate

  # Restart a wedged source
  %s restart weather

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "1" || value == "true" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
