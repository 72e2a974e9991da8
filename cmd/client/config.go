package main

import (
	"flag"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL      string
	Name           string
	Target         string
	ReconnectDelay time.Duration
	Debug          bool
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ServerURL, "server", "ws://127.0.0.1:8080", "doorway server base URL (ws:// or wss://)")
	flag.StringVar(&cfg.Name, "name", "demo", "public name to claim")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:3000", "local address to expose")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 2*time.Second, "wait between reconnect attempts")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.Parse()
}
