package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"nyxstore/internal/config"
	"nyxstore/internal/logger"
	"nyxstore/internal/observability/metrics"
	"nyxstore/internal/observability/tracing"
	"nyxstore/internal/pd"
	grpcserver "nyxstore/internal/server/grpc"
)

func main() {
	configPath := flag.String("config", "configs/pd.example.yaml", "path to PD config")
	flag.Parse()

	cfg, err := config.LoadPDConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg, err := logger.New(os.Stderr, cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.Exporter("nyxstore-pd"))
	if err != nil {
		lg.Fatal("tracing setup", zap.Error(err))
	}

	service, err := pd.NewPersistentService(cfg.DataDir)
	if err != nil {
		lg.Fatal("failed to create PD service", zap.Error(err))
	}

	if cfg.Metrics.Address != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := metrics.StartServer(ctx, cfg.Metrics.Address, registry, lg); err != nil {
			lg.Fatal("metrics server", zap.Error(err))
		}
	}

	srv := grpcserver.New(grpcserver.Config{Address: cfg.Address}, grpcserver.PDBinder{Service: service}, lg)
	if err := srv.Start(ctx); err != nil {
		lg.Fatal("start grpc server", zap.Error(err))
	}
	lg.Info("PD server started", zap.String("addr", cfg.Address), zap.String("data", cfg.DataDir))

	<-ctx.Done()
	srv.Stop()
	if err := service.Close(); err != nil {
		lg.Warn("close PD service", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(shutdownCtx)
	lg.Info("PD server stopped")
}
