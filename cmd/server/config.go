package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Values come from an optional
// YAML file first, then flags override.
type Config struct {
	Hostname          string        `yaml:"hostname"`
	Port              int           `yaml:"port"`
	Subdomain         string        `yaml:"subdomain"`
	MetricsAddr       string        `yaml:"metrics"`
	MaxHeaderSize     int           `yaml:"max_header_size"`
	RedisAddr         string        `yaml:"redis"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Debug             bool          `yaml:"debug"`
}

var cfg = Config{
	Hostname:          "0.0.0.0",
	Port:              8080,
	MetricsAddr:       ":9100",
	MaxHeaderSize:     32 * 1024,
	HeartbeatInterval: 30 * time.Second,
}

// loadConfig merges an optional YAML file and the command line into cfg.
// The file is applied first and flags are registered against the merged
// values, so explicit flags always win.
func loadConfig(args []string) error {
	if path := configFileArg(args); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	fs := flag.NewFlagSet("doorway-server", flag.ExitOnError)
	fs.String("config", "", "optional YAML config file")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "bind address for the listener")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "bind port for the listener")
	fs.StringVar(&cfg.Subdomain, "subdomain", cfg.Subdomain, "base subdomain the server runs under; stripped from resolved names")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address")
	fs.IntVar(&cfg.MaxHeaderSize, "max-header-size", cfg.MaxHeaderSize, "maximum allowed request head bytes")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for cross-instance name claims (empty = in-memory only)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database number")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "interval between presence heartbeats")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	return fs.Parse(args)
}

// configFileArg extracts the -config value ahead of flag parsing, so the
// file can seed the defaults the other flags are registered with.
func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := strings.TrimPrefix(args[i], "-")
		arg = strings.TrimPrefix(arg, "-")
		if arg == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "config="); ok {
			return v
		}
	}
	return ""
}
