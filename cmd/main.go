// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/uotunnel"
	"github.com/absmach/uotunnel/pkg/breaker"
	"github.com/absmach/uotunnel/pkg/metrics"
	"github.com/absmach/uotunnel/pkg/ratelimit"
	"github.com/absmach/uotunnel/pkg/server/tcp"
	"github.com/absmach/uotunnel/pkg/server/udp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

// director is implemented by both tunnel directors.
type director interface {
	Listen(ctx context.Context) error
	Ready() bool
	Count() int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		flagCfg    uotunnel.Config
	)

	cmd := &cobra.Command{
		Use:   "uotunnel -t udp2tcp|tcp2udp -l host:port -d host:port",
		Short: "Tunnel UDP datagrams over TCP and back",
		Long: `uotunnel relays UDP traffic across links that only carry TCP.

In udp2tcp mode it listens for UDP and carries every source endpoint over
its own TCP connection to the destination. In tcp2udp mode it listens for
TCP and sends the frames of every connection as datagrams from its own UDP
socket to the destination.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env file is optional
			_ = godotenv.Load()

			cfg, err := uotunnel.NewConfig(env.Options{Prefix: uotunnel.EnvPrefix})
			if err != nil {
				return fmt.Errorf("failed to parse environment: %w", err)
			}
			if configPath != "" {
				if err := cfg.LoadFile(configPath); err != nil {
					return err
				}
			}
			applyFlags(cmd, &cfg, flagCfg)

			settings, err := cfg.Validate()
			if err != nil {
				return err
			}

			cmd.SilenceUsage = true
			return run(cmd.Context(), cfg, settings)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	f.StringVarP(&flagCfg.Mode, "type", "t", "", "tunnel mode: udp2tcp or tcp2udp")
	f.StringVarP(&flagCfg.Listen, "listen", "l", "", "listen endpoint (host:port)")
	f.StringVarP(&flagCfg.Dest, "dest", "d", "", "destination endpoint (host:port)")
	f.DurationVar(&flagCfg.SessionTimeout, "session-timeout", 15*time.Second, "idle time before a session is closed")
	f.DurationVar(&flagCfg.SweepInterval, "sweep-interval", 10*time.Second, "idle session sweep period")
	f.DurationVar(&flagCfg.DialTimeout, "dial-timeout", 5*time.Second, "outbound TCP connect timeout (udp2tcp)")
	f.IntVar(&flagCfg.QueueSize, "queue-size", 1024, "per-connection send queue capacity")
	f.IntVar(&flagCfg.MaxSessions, "max-sessions", 0, "maximum concurrent sessions (0 for no limit)")
	f.BoolVar(&flagCfg.StrictSource, "strict-source", false, "drop datagrams not sent by the destination (tcp2udp)")
	f.BoolVar(&flagCfg.ProxyProtocol, "proxy-protocol", false, "expect a PROXY protocol header on accepted connections (tcp2udp)")
	f.StringVar(&flagCfg.ReadBufferSize, "read-buffer", "0", "socket receive buffer size, e.g. 4MiB (0 for system default)")
	f.StringVar(&flagCfg.WriteBufferSize, "write-buffer", "0", "socket send buffer size, e.g. 4MiB (0 for system default)")
	f.StringVar(&flagCfg.MetricsAddress, "metrics-addr", "", "Prometheus metrics listen address")
	f.StringVar(&flagCfg.HealthAddress, "health-addr", "", "health endpoints listen address")
	f.StringVar(&flagCfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.StringVar(&flagCfg.LogFormat, "log-format", "json", "log format: json or text")
	f.StringVar(&flagCfg.LogFile, "log-file", "", "write logs to a rotated file instead of stdout")

	return cmd
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cmd *cobra.Command, cfg *uotunnel.Config, fl uotunnel.Config) {
	set := map[string]func(){
		"type":            func() { cfg.Mode = fl.Mode },
		"listen":          func() { cfg.Listen = fl.Listen },
		"dest":            func() { cfg.Dest = fl.Dest },
		"session-timeout": func() { cfg.SessionTimeout = fl.SessionTimeout },
		"sweep-interval":  func() { cfg.SweepInterval = fl.SweepInterval },
		"dial-timeout":    func() { cfg.DialTimeout = fl.DialTimeout },
		"queue-size":      func() { cfg.QueueSize = fl.QueueSize },
		"max-sessions":    func() { cfg.MaxSessions = fl.MaxSessions },
		"strict-source":   func() { cfg.StrictSource = fl.StrictSource },
		"proxy-protocol":  func() { cfg.ProxyProtocol = fl.ProxyProtocol },
		"read-buffer":     func() { cfg.ReadBufferSize = fl.ReadBufferSize },
		"write-buffer":    func() { cfg.WriteBufferSize = fl.WriteBufferSize },
		"metrics-addr":    func() { cfg.MetricsAddress = fl.MetricsAddress },
		"health-addr":     func() { cfg.HealthAddress = fl.HealthAddress },
		"log-level":       func() { cfg.LogLevel = fl.LogLevel },
		"log-format":      func() { cfg.LogFormat = fl.LogFormat },
		"log-file":        func() { cfg.LogFile = fl.LogFile },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

func run(ctx context.Context, cfg uotunnel.Config, settings uotunnel.Settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	logger := setupLogger(cfg)
	logger.Info("starting uotunnel",
		slog.String("mode", settings.Mode.String()),
		slog.String("listen", settings.Listen.String()),
		slog.String("dest", settings.Dest.String()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("uotunnel", reg)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit, cfg.RateBurst, 0, 0)
		defer limiter.Close()
	}

	d := newDirector(cfg, settings, limiter, m, logger)

	g.Go(func() error {
		return d.Listen(ctx)
	})

	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddress, reg, logger)
		})
		g.Go(func() error {
			sampleResources(ctx, m, 15*time.Second)
			return nil
		})
	}
	if cfg.HealthAddress != "" {
		g.Go(func() error {
			return serveHealth(ctx, cfg.HealthAddress, newChecker(d, cfg), logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("uotunnel terminated with error: %s", err))
		return err
	}
	logger.Info("uotunnel stopped")
	return nil
}

func newDirector(cfg uotunnel.Config, settings uotunnel.Settings, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) director {
	switch settings.Mode {
	case uotunnel.UDP2TCP:
		var cb *breaker.CircuitBreaker
		if cfg.BreakerMaxFailures > 0 {
			cb = breaker.New(breaker.Config{
				MaxFailures:      cfg.BreakerMaxFailures,
				ResetTimeout:     cfg.BreakerResetTimeout,
				SuccessThreshold: 1,
			})
		}
		return udp.New(udp.Config{
			Address:         settings.Listen.String(),
			TargetAddress:   settings.Dest.String(),
			SessionTimeout:  cfg.SessionTimeout,
			SweepInterval:   cfg.SweepInterval,
			DialTimeout:     cfg.DialTimeout,
			KeepAlive:       cfg.KeepAlive,
			QueueSize:       cfg.QueueSize,
			MaxIdleBuffers:  cfg.MaxIdleBuffers,
			MaxSessions:     cfg.MaxSessions,
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			Breaker:         cb,
			Limiter:         limiter,
			Metrics:         m,
			Logger:          logger,
		})
	default:
		return tcp.New(tcp.Config{
			Address:         settings.Listen.String(),
			TargetAddress:   settings.Dest.String(),
			SessionTimeout:  cfg.SessionTimeout,
			SweepInterval:   cfg.SweepInterval,
			KeepAlive:       cfg.KeepAlive,
			StrictSource:    cfg.StrictSource,
			ProxyProtocol:   cfg.ProxyProtocol,
			QueueSize:       cfg.QueueSize,
			MaxIdleBuffers:  cfg.MaxIdleBuffers,
			MaxSessions:     cfg.MaxSessions,
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			Limiter:         limiter,
			Metrics:         m,
			Logger:          logger,
		})
	}
}

// setupLogger creates a structured logger with the configured level,
// format and destination.
func setupLogger(cfg uotunnel.Config) *slog.Logger {
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAge,
			Compress:   cfg.LogCompress,
		}
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
