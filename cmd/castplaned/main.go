package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"castplane/internal/assignment"
	"castplane/internal/castplane"
	"castplane/internal/config"
	"castplane/internal/controller"
	"castplane/internal/discovery"
	"castplane/internal/dlnaclient"
	"castplane/internal/mediaserver"
	"castplane/internal/supervisor"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App bundles the long-running collaborators cmd/castplaned wires
// together: one struct the lifecycle methods hang off, built once in
// NewApp and run once in Run.
type App struct {
	logger     *slog.Logger
	cfg        *config.Config
	monitor    *shutdownMonitor
	catalog    *castplane.MemoryCatalog
	sink       *castplane.MemoryEventSink
	media      *mediaserver.Server
	discoverer *discovery.Discoverer
	ctrl       *controller.Controller
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, hostIP string) (*App, error) {
	media, err := mediaserver.New(ctx, logger.With("component", "mediaserver"), mediaserver.Config{
		PortRangeLow:   cfg.MediaServer.PortRangeLow,
		PortRangeHigh:  cfg.MediaServer.PortRangeHigh,
		DrainTimeout:   cfg.MediaServer.DrainTimeout,
		RateLimitRPS:   cfg.MediaServer.RateLimitRPS,
		RateLimitBurst: cfg.MediaServer.RateLimitBurst,
	}, hostIP)
	if err != nil {
		return nil, fmt.Errorf("start media server: %w", err)
	}

	catalog := castplane.NewMemoryCatalog()
	sink := castplane.NewMemoryEventSink()

	dial := func(controlURL string) controller.RendererClient {
		return dlnaclient.New(controlURL, cfg.SOAP.Timeout, cfg.SOAP.RetryDelay)
	}

	ctrl := controller.New(logger.With("component", "controller"), controller.Config{
		Supervisor: supervisor.Config{
			TickInterval:        cfg.Supervisor.TickInterval,
			StallThresholdTicks: cfg.Supervisor.StallThresholdTicks,
			PreRestartMargin:    cfg.Supervisor.PreRestartMargin,
		},
		Assignment: assignment.Config{
			RetryBaseMS:       cfg.Assignment.RetryBaseMS,
			RetryCapMS:        cfg.Assignment.RetryCapMS,
			RetryMaxAttempts:  cfg.Assignment.RetryMaxAttempts,
			ActivationTimeout: cfg.Supervisor.ActivationTimeout,
		},
		MissThreshold: cfg.Discovery.MissThreshold,
	}, catalog, sink, media, dial)

	discoverer := discovery.New(logger.With("component", "discovery"), cfg.Discovery.SearchInterval, cfg.Discovery.DescriptionTimeout, cfg.Discovery.MissThreshold)

	monitor := NewShutdownMonitor(cfg.ShutdownTimers, logger)

	return &App{
		logger:     logger,
		cfg:        cfg,
		monitor:    monitor,
		catalog:    catalog,
		sink:       sink,
		media:      media,
		discoverer: discoverer,
		ctrl:       ctrl,
	}, nil
}

func main() {
	stderr := os.Stderr

	cfg := config.DefaultConfig()
	if err := config.ParseArgs(cfg, os.Args[1:], stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Logger.Level})
	logger := slog.New(logHandler).With("app", "castplane")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostIP, err := getLocalIP()
	if err != nil {
		logger.Error("failed to determine local IP", "error", err)
		os.Exit(1)
	}

	app, err := NewApp(ctx, cfg, logger, hostIP)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("castplaned exited with error", "error", err)
		os.Exit(1)
	}
}

func (a *App) Run(ctx context.Context) error {
	if err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer a.ctrl.Close()

	a.monitor.Start(ctx)

	metricsSrv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: promhttp.Handler()}
	metricsErrCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	mediaErrCh := make(chan error, 1)
	go func() {
		if err := a.media.Serve(ctx); err != nil {
			mediaErrCh <- fmt.Errorf("media server: %w", err)
		}
	}()

	discoveryErrCh := make(chan error, 1)
	go func() {
		err := a.discoverer.Start(ctx, func(evt discovery.Event) {
			a.monitor.NotifyActivity()
			a.handleDiscoveryEvent(evt)
		})
		if err != nil {
			discoveryErrCh <- fmt.Errorf("discovery: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")
	case err := <-a.monitor.StopCh:
		a.logger.Info("auto-shutdown triggered", "reason", err)
	case err := <-mediaErrCh:
		return err
	case err := <-discoveryErrCh:
		return err
	case err := <-metricsErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.MediaServer.DrainTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("metrics server did not drain cleanly", "error", err)
	}

	a.logger.Info("castplaned stopped")
	return nil
}

// handleDiscoveryEvent drives the Controller off each SSDP observation
// directly: Appeared/Refreshed register or refresh the renderer record,
// Byebye unregisters it. The Discoverer already applies its own
// staleness window (2.5x advertised max-age) before emitting Byebye, so
// cmd/castplaned's wiring does not additionally run SyncWithDiscovery's
// sweep-counted miss_threshold path — that operation remains available on
// *controller.Controller for an embedder that drives discovery sweeps of
// its own instead of consuming discrete per-device events.
func (a *App) handleDiscoveryEvent(evt discovery.Event) {
	switch evt.Kind {
	case discovery.EventAppeared, discovery.EventRefreshed:
		a.ctrl.Register(evt.Descriptor)
	case discovery.EventByebye:
		a.ctrl.Unregister(castplane.RendererID(evt.Descriptor.USN))
	}
}

func getLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("get local IP: %w", err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
