package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	pchttp "github.com/Strob0t/ProbeCore/internal/adapter/http"
	pcmcp "github.com/Strob0t/ProbeCore/internal/adapter/mcp"
	pcnats "github.com/Strob0t/ProbeCore/internal/adapter/nats"
	"github.com/Strob0t/ProbeCore/internal/adapter/natskv"
	pcotel "github.com/Strob0t/ProbeCore/internal/adapter/otel"
	"github.com/Strob0t/ProbeCore/internal/adapter/ristretto"
	"github.com/Strob0t/ProbeCore/internal/adapter/simstage"
	"github.com/Strob0t/ProbeCore/internal/adapter/tiered"
	"github.com/Strob0t/ProbeCore/internal/adapter/ws"
	"github.com/Strob0t/ProbeCore/internal/config"
	"github.com/Strob0t/ProbeCore/internal/logger"
	"github.com/Strob0t/ProbeCore/internal/middleware"
	"github.com/Strob0t/ProbeCore/internal/port/cache"
	"github.com/Strob0t/ProbeCore/internal/port/messagequeue"
	"github.com/Strob0t/ProbeCore/internal/resilience"
	"github.com/Strob0t/ProbeCore/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"simulated", cfg.Device.Simulated,
		"nats", cfg.NATS.URL != "",
		"mcp", cfg.MCP.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	otelOpts := pcotel.Options{ServiceName: cfg.OTEL.ServiceName, Insecure: cfg.OTEL.Insecure}
	if cfg.OTEL.Enabled {
		otelOpts.Endpoint = cfg.OTEL.Endpoint
	}
	shutdownOTEL, err := pcotel.Setup(ctx, otelOpts)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := pcotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	if !cfg.Device.Simulated {
		return errors.New("device: only the simulated controller is available in this build")
	}
	simCfg := simstage.DefaultConfig()
	simCfg.PhaseDuration = cfg.Device.PhaseDuration
	simCfg.Noise = cfg.Device.Noise
	dev := simstage.New(simCfg)
	defer func() { _ = dev.Close() }()
	slog.Info("stage controller ready", "driver", "simstage")

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	var readings cache.Cache = l1

	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		q, err := pcnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = q.Drain() }()
		queue = q

		if cfg.Cache.L2Bucket != "" {
			l2, err := natskv.Open(ctx, q.JetStream(), cfg.Cache.L2Bucket, cfg.Stream.CacheTTL)
			if err != nil {
				return fmt.Errorf("cache l2: %w", err)
			}
			readings = tiered.New(l1, l2, cfg.Stream.CacheTTL)
			slog.Info("sharing readings via nats kv", "bucket", cfg.Cache.L2Bucket)
		}
	}

	hub := ws.NewHub(originHost(cfg.Server.CORSOrigin))
	defer hub.Close()

	// --- Services ---

	// Task execution stops when any server fails or a signal arrives.
	g, gctx := errgroup.WithContext(ctx)

	bus := service.NewProgressBus(cfg.Tasks.EventBuffer)
	bus.SetMetrics(metrics)
	bus.Subscribe(service.BroadcastForwarder(hub))
	if queue != nil {
		bus.Subscribe(service.QueueForwarder(queue))
	}

	manager := service.NewTaskManager(cfg.Tasks.HistorySize, bus)
	exec := service.NewExecutor(manager)
	exec.SetMetrics(metrics)
	tasks := service.NewTaskService(gctx, manager, exec, dev, cfg.Tasks)
	tasks.SetMetrics(metrics)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout).
		OnStateChange(func(from, to string) {
			slog.Warn("device breaker state changed", "from", from, "to", to)
		})
	positions := service.NewPositionService(dev, readings, breaker, manager, cfg.Stream.CacheTTL)
	positions.SetMetrics(metrics)
	ioSvc := service.NewIOService(dev, manager)
	ioSvc.SetMetrics(metrics)

	if queue != nil {
		unsubscribe, err := tasks.StartCancelSubscriber(ctx, queue)
		if err != nil {
			return fmt.Errorf("cancel subscriber: %w", err)
		}
		defer unsubscribe()
	}

	// --- HTTP ---

	handlers := &pchttp.Handlers{
		Tasks:     tasks,
		Positions: positions,
		IO:        ioSvc,
		Device:    dev,
		Hub:       hub,
		Queue:     queue,
		Cache:     l1,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(pchttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(pchttp.SecurityHeaders)
	r.Use(pchttp.CORS(cfg.Server.CORSOrigin))
	r.Use(pcotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/health", handlers.Health)
	r.Get("/ws", hub.HandleWS)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler)
		r.Use(chimw.Timeout(30 * time.Second))
		pchttp.MountRoutes(r, handlers)
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var mcpSrv *pcmcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = pcmcp.NewServer(pcmcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "probecore",
			Version: pchttp.Version,
			APIKey:  cfg.MCP.APIKey,
		}, pcmcp.ServerDeps{Tasks: tasks, Positions: positions})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	// The bus outlives gctx so the terminal events of tasks cancelled at
	// shutdown still reach clients.
	busCtx, stopBus := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBus()
	g.Go(func() error { return bus.Run(busCtx) })
	g.Go(func() error { return positions.Stream(gctx, hub, cfg.Stream.RateHz) })
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if mcpSrv != nil {
			if err := mcpSrv.Stop(shutdownCtx); err != nil {
				slog.Warn("mcp shutdown", "error", err)
			}
		}
		err := srv.Shutdown(shutdownCtx)
		exec.Wait()
		stopBus()
		return err
	})

	return g.Wait()
}

// originHost turns a CORS origin such as "http://localhost:3000" into the
// host pattern the WebSocket upgrader matches against.
func originHost(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}
