package config

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// CLIFlags holds command-line overrides. Nil means "not set".
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
}

// ParseFlags parses the common server flags. Long and short forms are both
// accepted: --config/-c, --port/-p.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("toolgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cf CLIFlags
	str := func(dst **string) func(string) error {
		return func(v string) error {
			*dst = &v
			return nil
		}
	}
	fs.Func("config", "path to YAML config", str(&cf.ConfigPath))
	fs.Func("c", "shorthand for --config", str(&cf.ConfigPath))
	fs.Func("port", "HTTP port", str(&cf.Port))
	fs.Func("p", "shorthand for --port", str(&cf.Port))
	fs.Func("log-level", "debug|info|warn|error", str(&cf.LogLevel))
	fs.Func("dsn", "PostgreSQL DSN", str(&cf.DSN))
	fs.Func("nats-url", "NATS URL", str(&cf.NatsURL))

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}
	return cf, nil
}

// LoadWithCLI loads configuration with the hierarchy
// defaults < YAML < ENV < CLI and returns the YAML path that was read.
// The path comes from --config, then TOOLGATE_CONFIG, then DefaultConfigFile.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	switch {
	case flags.ConfigPath != nil:
		path = *flags.ConfigPath
	case os.Getenv("TOOLGATE_CONFIG") != "":
		path = os.Getenv("TOOLGATE_CONFIG")
	}
	cfg, err := load(path, flags)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.NatsURL != nil {
		cfg.NATS.URL = *f.NatsURL
	}
}
