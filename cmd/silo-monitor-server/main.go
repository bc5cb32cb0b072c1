package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-monitor/internal/api/http"
	"github.com/EternisAI/silo-monitor/internal/db"
	"github.com/EternisAI/silo-monitor/internal/events"
	grpcserver "github.com/EternisAI/silo-monitor/internal/grpc/server"
	"github.com/EternisAI/silo-monitor/internal/heartbeat"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/EternisAI/silo-monitor/internal/scheduler"
	"github.com/EternisAI/silo-monitor/internal/store"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Monitor Server", "version", AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	reg := registry.New(bus)
	hub := logstream.NewHub(config.Logstream)
	ingestor := telemetry.NewIngestor(reg, hub, config.Telemetry)
	monitor := heartbeat.NewMonitor(reg, bus, config.Heartbeat)

	var (
		pool    *pgxpool.Pool
		st      *store.Store
		connLog *store.ConnectionLogger
	)
	if config.DB.Enabled() {
		if err := db.RunMigrations(ctx, config.DB); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		var err error
		pool, err = db.InitDB(ctx, config.DB)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = store.New(pool)
		connLog = store.NewConnectionLogger(bus, st)
	} else {
		slog.Warn("No database configured, history is kept in memory only")
	}

	var (
		js jetstream.JetStream
		nc *nats.Conn
	)
	if config.Nats.URL != "" {
		var err error
		js, nc, err = notify.ConnectJetStream(ctx, config.Nats.URL, config.Nats.Stream, config.Nats.Subject,
			nats.Name("silo-monitor"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			slog.Error("Failed to connect to NATS", "url", config.Nats.URL, "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to NATS", "url", config.Nats.URL, "stream", config.Nats.Stream)
	}

	dispatchOpts := []notify.Option{notify.WithHistorySize(config.Notify.HistorySize)}
	if st != nil {
		dispatchOpts = append(dispatchOpts, notify.WithRecorder(st))
	}
	dispatcher := notify.NewDispatcher(bus, dispatchOpts...)
	if err := notify.Configure(dispatcher, config.Notify.Channels, js); err != nil {
		slog.Error("Failed to configure notification channels", "error", err)
		os.Exit(1)
	}
	alerts := notify.NewAlertRouter(bus, dispatcher, config.Notify.Routes)

	sched := scheduler.New(scheduler.NewLockManager(), bus, config.Scheduler)
	if st != nil {
		sched.SetRecorder(st)
	}
	sched.RegisterTask(scheduler.TaskPruneMetrics, scheduler.PruneMetricsTask(ingestor))
	sched.RegisterTask(scheduler.TaskNotify, scheduler.NotifyTask(dispatcher))
	sched.RegisterTask(scheduler.TaskFleetReport, scheduler.FleetReportTask(reg, dispatcher))
	for _, job := range config.Scheduler.Jobs {
		if _, err := sched.AddJob(job); err != nil {
			slog.Error("Failed to add job", "job_id", job.ID, "error", err)
			os.Exit(1)
		}
	}

	tlsConfig := &grpcserver.TLSConfig{
		Enabled:    config.Grpc.TLS.Enabled,
		CertFile:   config.Grpc.TLS.CertFile,
		KeyFile:    config.Grpc.TLS.KeyFile,
		CAFile:     config.Grpc.TLS.CAFile,
		ClientAuth: config.Grpc.TLS.ClientAuth,
	}
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, tlsConfig, ingestor)

	services := &internalhttp.Services{
		Registry:   reg,
		Monitor:    monitor,
		Ingestor:   ingestor,
		Hub:        hub,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Store:      st,
	}

	origins := config.Http.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(ctx, engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	monitor.Start()
	hub.Start()
	alerts.Start()
	if connLog != nil {
		connLog.Start()
	}
	sched.Start()

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	cancel()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()

	sched.Stop()
	monitor.Stop()
	hub.Stop()
	// before the registry so shutdown disconnects do not page anyone
	alerts.Stop()
	reg.Stop()
	dispatcher.Stop()
	if connLog != nil {
		connLog.Stop()
	}
	bus.Close()

	if pool != nil {
		pool.Close()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			slog.Error("NATS drain error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}
