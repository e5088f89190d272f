package main

import (
	"flag"
	"fmt"
	"os"
)

type appConfig struct {
	addr        string
	network     string
	single      bool
	persistent  bool
	detach      bool
	logFormat   string
	logLevel    string
	metricsAddr string
	rateLimit   float64
	rateBurst   int
}

func parseFlags() (*appConfig, error) {
	cfg := &appConfig{}

	addr := flag.String("addr", "", "listen address (required unless -single)")
	network := flag.String("network", "tcp", "listen network: tcp|unix")
	single := flag.Bool("single", false, "slave mode: exit once the one expected client drops (attached=true, persistent=false)")
	persistent := flag.Bool("persistent", false, "stay up with zero connected clients")
	detach := flag.Bool("detach", false, "do not exit when the client set empties")
	logFormat := flag.String("log-format", "text", "log format: text|json")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "metrics HTTP listen address (e.g. :9100); empty disables")
	rateLimit := flag.Float64("rate-limit", 0, "requests/sec allowed across the whole server (0 disables rate limiting)")
	rateBurst := flag.Int("rate-burst", 1, "burst size for -rate-limit")
	flag.Parse()

	cfg.addr = *addr
	cfg.network = *network
	cfg.single = *single
	cfg.persistent = *persistent
	cfg.detach = *detach
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.rateLimit = *rateLimit
	cfg.rateBurst = *rateBurst

	if cfg.addr == "" {
		if !cfg.single {
			return nil, fmt.Errorf("-addr is required unless -single is set")
		}
		cfg.addr = fmt.Sprintf("/tmp/procfab-%d", os.Getpid())
		cfg.network = "unix"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *appConfig) validate() error {
	switch c.network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("invalid -network: %s", c.network)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid -log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid -log-level: %s", c.logLevel)
	}
	if c.rateLimit < 0 {
		return fmt.Errorf("-rate-limit must be >= 0")
	}
	if c.rateBurst <= 0 {
		return fmt.Errorf("-rate-burst must be > 0")
	}
	return nil
}

// effectivePersistent and effectiveAttached resolve -single against the
// explicit -persistent/-detach flags, per spec.md §4.4: -single forces
// attached=true, persistent=false, overriding -persistent and -detach when
// the operator passed both.
func (c *appConfig) effectivePersistent() bool {
	if c.single {
		return false
	}
	return c.persistent
}

func (c *appConfig) effectiveAttached() bool {
	if c.single {
		return true
	}
	return !c.detach
}
