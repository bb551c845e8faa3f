// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package uotunnel holds the configuration of the UDP-over-TCP tunnel.
package uotunnel

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	tunerrors "github.com/absmach/uotunnel/pkg/errors"
	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by NewConfig.
const EnvPrefix = "UOT_"

// Mode selects the tunnel direction.
type Mode int

const (
	// UDP2TCP listens for UDP and relays each source over its own TCP
	// connection.
	UDP2TCP Mode = iota + 1
	// TCP2UDP listens for TCP and relays each connection through its own
	// UDP socket.
	TCP2UDP
)

func (m Mode) String() string {
	switch m {
	case UDP2TCP:
		return "udp2tcp"
	case TCP2UDP:
		return "tcp2udp"
	default:
		return "unknown"
	}
}

// ParseMode parses "udp2tcp" or "tcp2udp", ignoring case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp2tcp":
		return UDP2TCP, nil
	case "tcp2udp":
		return TCP2UDP, nil
	default:
		return 0, fmt.Errorf("%w: %q (expected udp2tcp or tcp2udp)", tunerrors.ErrInvalidMode, s)
	}
}

// ParseEndpoint resolves a host:port string. An empty host means every
// local address. Host names are resolved once, preferring IPv4.
func ParseEndpoint(s string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: %w", tunerrors.ErrInvalidEndpoint, s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: bad port", tunerrors.ErrInvalidEndpoint, s)
	}

	if host == "" {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port)), nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: cannot resolve host", tunerrors.ErrInvalidEndpoint, s)
	}
	chosen := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is4() {
			chosen = a.Unmap()
			break
		}
	}
	return netip.AddrPortFrom(chosen, uint16(port)), nil
}

// Config is the full process configuration. Fields are filled from the
// environment, then from an optional YAML file, then from flags.
type Config struct {
	Mode   string `env:"MODE"   yaml:"mode"`
	Listen string `env:"LISTEN" yaml:"listen"`
	Dest   string `env:"DEST"   yaml:"dest"`

	// Sessions
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"15s" yaml:"session_timeout"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"  envDefault:"10s" yaml:"sweep_interval"`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT"    envDefault:"5s"  yaml:"dial_timeout"`
	KeepAlive      time.Duration `env:"KEEP_ALIVE"      envDefault:"15s" yaml:"keep_alive"`
	MaxSessions    int           `env:"MAX_SESSIONS"    envDefault:"0"   yaml:"max_sessions"`
	StrictSource   bool          `env:"STRICT_SOURCE"   envDefault:"false" yaml:"strict_source"`
	ProxyProtocol  bool          `env:"PROXY_PROTOCOL"  envDefault:"false" yaml:"proxy_protocol"`

	// Buffers
	QueueSize      int `env:"QUEUE_SIZE"       envDefault:"1024" yaml:"queue_size"`
	MaxIdleBuffers int `env:"MAX_IDLE_BUFFERS" envDefault:"64"   yaml:"max_idle_buffers"`

	// Socket buffer sizes accept units ("4MiB", "512KB"); "0" keeps the
	// system default.
	ReadBufferSize  string `env:"READ_BUFFER_SIZE"  envDefault:"0" yaml:"read_buffer_size"`
	WriteBufferSize string `env:"WRITE_BUFFER_SIZE" envDefault:"0" yaml:"write_buffer_size"`

	// Admission
	RateLimit           float64       `env:"RATE_LIMIT"            envDefault:"0"   yaml:"rate_limit"`
	RateBurst           int           `env:"RATE_BURST"            envDefault:"10"  yaml:"rate_burst"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"   yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s" yaml:"breaker_reset_timeout"`

	// Observability
	MetricsAddress string `env:"METRICS_ADDRESS" yaml:"metrics_address"`
	HealthAddress  string `env:"HEALTH_ADDRESS"  yaml:"health_address"`
	MaxGoroutines  int    `env:"MAX_GOROUTINES"  envDefault:"0" yaml:"max_goroutines"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL"       envDefault:"info" yaml:"log_level"`
	LogFormat     string `env:"LOG_FORMAT"      envDefault:"json" yaml:"log_format"`
	LogFile       string `env:"LOG_FILE"        yaml:"log_file"`
	LogMaxSize    int    `env:"LOG_MAX_SIZE"    envDefault:"100" yaml:"log_max_size"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"   yaml:"log_max_backups"`
	LogMaxAge     int    `env:"LOG_MAX_AGE"     envDefault:"28"  yaml:"log_max_age"`
	LogCompress   bool   `env:"LOG_COMPRESS"    envDefault:"false" yaml:"log_compress"`
}

// Settings is a validated Config reduced to what the directors need.
type Settings struct {
	Mode   Mode
	Listen netip.AddrPort
	Dest   netip.AddrPort

	ReadBufferSize  int
	WriteBufferSize int
}

// NewConfig parses the environment. An empty opts.Prefix defaults to
// EnvPrefix.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the keys present in the YAML file at path onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks every field and resolves the endpoints.
func (c Config) Validate() (Settings, error) {
	mode, err := ParseMode(c.Mode)
	if err != nil {
		return Settings{}, err
	}
	listen, err := ParseEndpoint(c.Listen)
	if err != nil {
		return Settings{}, fmt.Errorf("listen: %w", err)
	}
	dest, err := ParseEndpoint(c.Dest)
	if err != nil {
		return Settings{}, fmt.Errorf("dest: %w", err)
	}
	if dest.Port() == 0 || dest.Addr().IsUnspecified() {
		return Settings{}, fmt.Errorf("dest: %w: %q is not a reachable endpoint", tunerrors.ErrInvalidEndpoint, c.Dest)
	}

	checks := []struct {
		ok   bool
		name string
	}{
		{c.SessionTimeout > 0, "session_timeout must be positive"},
		{c.SweepInterval > 0, "sweep_interval must be positive"},
		{c.DialTimeout > 0, "dial_timeout must be positive"},
		{c.QueueSize >= 0, "queue_size must not be negative"},
		{c.MaxIdleBuffers >= 0, "max_idle_buffers must not be negative"},
		{c.MaxSessions >= 0, "max_sessions must not be negative"},
		{c.RateLimit >= 0, "rate_limit must not be negative"},
		{c.BreakerMaxFailures >= 0, "breaker_max_failures must not be negative"},
	}
	for _, ch := range checks {
		if !ch.ok {
			return Settings{}, fmt.Errorf("%w: %s", tunerrors.ErrInvalidConfig, ch.name)
		}
	}

	rbuf, err := ParseSize(c.ReadBufferSize)
	if err != nil {
		return Settings{}, fmt.Errorf("read_buffer_size: %w", err)
	}
	wbuf, err := ParseSize(c.WriteBufferSize)
	if err != nil {
		return Settings{}, fmt.Errorf("write_buffer_size: %w", err)
	}

	return Settings{
		Mode:            mode,
		Listen:          listen,
		Dest:            dest,
		ReadBufferSize:  rbuf,
		WriteBufferSize: wbuf,
	}, nil
}

// ParseSize parses a byte size such as "1024", "64KB" or "4MiB". An empty
// string is zero.
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q: %w", tunerrors.ErrInvalidConfig, s, err)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: size %q too large", tunerrors.ErrInvalidConfig, s)
	}
	return int(n), nil
}
