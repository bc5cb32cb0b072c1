package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpcclient "github.com/EternisAI/silo-monitor/internal/grpc/client"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/google/uuid"
)

var AppVersion string

const logSource = "silo-monitor-agent"

func main() {
	InitConfig()

	slog.Info("Silo Monitor Agent", "version", AppVersion, "agent_id", config.Grpc.AgentID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := NewCollector(config.Grpc.AgentID, config.Collector)
	sysInfo := collector.SystemInfo(ctx)

	var tlsConfig *grpcclient.TLSConfig
	if config.Grpc.TLS.Enabled {
		tlsConfig = &grpcclient.TLSConfig{
			Enabled:            true,
			CertFile:           config.Grpc.TLS.CertFile,
			KeyFile:            config.Grpc.TLS.KeyFile,
			CAFile:             config.Grpc.TLS.CAFile,
			ServerNameOverride: config.Grpc.TLS.ServerNameOverride,
		}
	}

	grpcClient := grpcclient.NewClient(grpcclient.Config{
		ServerAddr:        config.Grpc.ServerAddress,
		AgentID:           config.Grpc.AgentID,
		TLS:               tlsConfig,
		HeartbeatInterval: config.Grpc.HeartbeatInterval,
		Registration: telemetry.RegisterMessage{
			Capabilities: []string{"metrics", "logs"},
			Labels:       config.Labels,
			SystemInfo:   sysInfo,
		},
	})
	if err := grpcClient.Start(); err != nil {
		slog.Error("Failed to start gRPC client", "error", err)
		os.Exit(1)
	}

	sendLog(grpcClient, logstream.LevelInfo, "agent started", map[string]any{"version": AppVersion})

	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		collector.Run(ctx, config.Collector.Interval, grpcClient.SendMetric)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	sendLog(grpcClient, logstream.LevelInfo, "agent stopping", map[string]any{"signal": sig.String()})
	cancel()
	<-collectDone

	// let the send loop flush the stopping entry
	time.Sleep(200 * time.Millisecond)

	if err := grpcClient.Stop(); err != nil {
		slog.Error("gRPC client stop error", "error", err)
	}
	slog.Info("Shutdown complete")
}

func sendLog(c *grpcclient.Client, level logstream.Level, msg string, meta map[string]any) {
	err := c.SendLog(logstream.LogEntry{
		ID:        uuid.NewString(),
		AgentID:   c.AgentID(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    logSource,
		Message:   msg,
		Metadata:  meta,
	})
	if err != nil {
		slog.Warn("Failed to queue log entry", "error", err)
	}
}
