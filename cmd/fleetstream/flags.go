package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds the parsed command line flags.
type CLIConfig struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Validate   bool
	Version    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config", "", "Path to JSON configuration file (defaults apply when empty)")
	flag.StringVar(&cfg.LogLevel, "log-level", "", "Log level override: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "", "Log format override: json, text")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate the configuration and exit")
	flag.BoolVar(&cfg.Version, "version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nFleetStream telematics engine\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	return cfg
}
