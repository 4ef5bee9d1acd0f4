package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/detour/internal/config"
	"github.com/die-net/detour/internal/events"
	"github.com/die-net/detour/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	settings := config.Default()
	if err := settings.SetUpstreamURL(defaultUpstream()); err != nil {
		return fmt.Errorf("invalid ALL_PROXY: %w", err)
	}

	settings.RegisterFlags(pflag.CommandLine)
	var (
		configPath  = pflag.String("config", "", "YAML settings file. Flags given explicitly override it.")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		logJSON     = pflag.Bool("log-json", false, "Log JSON lines instead of console output")
		verbose     = pflag.Bool("verbose", false, "Enable per-connection logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger := newLogger(*logJSON, *verbose)

	if *configPath != "" {
		file, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if file.UpstreamHost == "" {
			file.UpstreamHost, file.UpstreamPort = settings.UpstreamHost, settings.UpstreamPort
		}
		if err := file.ApplyFlags(pflag.CommandLine); err != nil {
			return err
		}
		settings = file
	}

	cfg, err := settings.ProxyConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := events.NewMetricsSink(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	cfg.Sink = events.Multi(events.NewLogSink(logger), metrics)

	srv, err := proxy.New(cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	ln, err := proxy.Listen(ctx, cfg.Listen, cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	// Sessions outlive ctx by up to the shutdown grace.
	stopped := make(chan struct{})
	context.AfterFunc(ctx, func() {
		srv.Stop()
		close(stopped)
	})

	g.Go(func() error {
		if err := srv.Serve(context.WithoutCancel(ctx), ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		<-stopped
		return nil
	})

	// SIGHUP forgets every remembered reachability outcome.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				srv.ClearReachabilityCache()
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().
		Str("listen", cfg.Listen).
		Str("upstream", settings.UpstreamURL()).
		Msg("proxy listening")

	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}

func newLogger(jsonOutput, verbose bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	if jsonOutput {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
}

// defaultUpstream returns ALL_PROXY when it names a SOCKS5 proxy.
func defaultUpstream() string {
	p := os.Getenv("ALL_PROXY")
	if p == "" {
		p = os.Getenv("all_proxy")
	}
	if !strings.HasPrefix(strings.ToLower(p), "socks5://") {
		return ""
	}
	return p
}
