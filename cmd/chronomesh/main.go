package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/VanDung-dev/ChronoMesh-Engine/api"
	"github.com/VanDung-dev/ChronoMesh-Engine/chat"
	"github.com/VanDung-dev/ChronoMesh-Engine/config"
	"github.com/VanDung-dev/ChronoMesh-Engine/network"
	"github.com/VanDung-dev/ChronoMesh-Engine/timesync"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		bind       = flag.String("bind", "", "bind address override (tcp://host:port)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *bind != "" {
		cfg.Node.BindAddress = *bind
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	nodeID := network.DeriveNodeID([]byte(cfg.Node.KeyMaterial))
	logger.Info("starting node",
		zap.String("node_id", string(nodeID)),
		zap.String("bind", cfg.Node.BindAddress))

	metrics := api.DefaultMetrics

	svcConfig := network.ServiceConfig{
		NodeID:        nodeID,
		BindAddress:   cfg.Node.BindAddress,
		SeedNodes:     cfg.Node.Seeds,
		DispatchGrace: 3 * time.Second,
	}
	svc := network.NewNetworkService(svcConfig, logger.Named("network"))
	svc.SetMetrics(metrics)

	clk := clock.New()

	stats := timesync.NewStatsAggregator(cfg.Sync.StatisticsWindowSize)
	engine := timesync.NewEngine(nodeID, svc, svc.Registry(), stats, timesync.EngineConfig{
		SyncInterval: cfg.SyncInterval(),
		SyncTimeout:  cfg.SyncTimeout(),
		MaxClockSkew: time.Hour,
	}, clk, logger.Named("timesync"))
	engine.SetMetrics(metrics)

	scheduler := timesync.NewScheduler(nodeID, svc, svc.Registry(), svc.Transport(), timesync.HeartbeatConfig{
		Interval:      cfg.HeartbeatInterval(),
		MissThreshold: cfg.Heartbeat.HeartbeatMissThreshold,
	}, clk, logger.Named("heartbeat"))
	scheduler.SetMetrics(metrics)
	scheduler.SetLostFunc(stats.Remove)

	chatSvc := chat.NewService(nodeID, svc, logger.Named("chat"))

	if err := svc.RegisterHandler(network.TypeTimeSync, engine); err != nil {
		logger.Fatal("handler registration failed", zap.Error(err))
	}
	if err := svc.RegisterHandler(network.TypeChat, chatSvc); err != nil {
		logger.Fatal("handler registration failed", zap.Error(err))
	}
	svc.SetInboundHook(scheduler.MarkActivity)

	if err := svc.Start(); err != nil {
		logger.Fatal("network start failed", zap.Error(err))
	}
	engine.Start()
	scheduler.Start()

	var metricsServer *api.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = api.NewMetricsServer(cfg.Metrics.ListenAddress)
		metricsServer.StartAsync()
		logger.Info("metrics server listening",
			zap.String("address", cfg.Metrics.ListenAddress))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	scheduler.Stop()
	engine.Stop()
	svc.Stop()
	if metricsServer != nil {
		metricsServer.Stop()
	}
	logger.Info("node stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
