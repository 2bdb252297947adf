package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nyxstore/internal/config"
	"nyxstore/internal/logger"
	"nyxstore/internal/observability/metrics"
	"nyxstore/internal/observability/tracing"
	"nyxstore/internal/pd"
	pdgrpc "nyxstore/internal/pd/grpc"
	"nyxstore/internal/pdworker"
	raftnet "nyxstore/internal/raft"
	"nyxstore/internal/raftstore"
	regionpkg "nyxstore/internal/region"
	grpcserver "nyxstore/internal/server/grpc"
)

func main() {
	configPath := flag.String("config", "configs/server.example.yaml", "path to server config")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
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
	if err := run(ctx, cfg, lg.With(zap.Uint64("store", cfg.StoreID))); err != nil {
		lg.Fatal("store server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, lg *zap.Logger) error {
	tcfg := cfg.Tracing.Exporter("nyxstore-server")
	tcfg.StoreID = cfg.StoreID
	shutdownTracing, err := tracing.Setup(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			lg.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	client, err := pdgrpc.NewClient(cfg.PD.Address, cfg.PD.Timeout)
	if err != nil {
		return fmt.Errorf("connect pd: %w", err)
	}
	defer client.Close()
	shared := pd.NewShared(client)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	worker := newScheduler(cfg, shared, lg, pdworker.NewMetrics(registry, cfg.Metrics.Namespace))
	worker.Start()
	defer worker.Stop()

	transport := raftnet.NewGRPCTransport(nil, storeResolver(client, cfg.PD.Timeout), lg.Named("transport"))
	defer transport.Close()

	store, err := raftstore.NewStore(cfg.StoreOptions(lg), transport, shared, worker)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Stop(); err != nil {
			lg.Warn("store stop", zap.Error(err))
		}
	}()

	if err := registerStore(ctx, cfg, shared, lg); err != nil {
		return err
	}
	store.Start()

	if cfg.Bootstrap.Enabled {
		if err := bootstrapFirstRegion(ctx, cfg, client, store, lg); err != nil {
			return err
		}
	}

	srv := grpcserver.New(cfg.GRPCConfig(), grpcserver.StoreBinder{Store: store, Logger: lg.Named("grpc")}, lg)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}
	defer srv.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		collector := metrics.NewStoreCollector(registry, cfg.Metrics.Namespace)
		if err := metrics.StartServer(gctx, cfg.Metrics.Address, registry, lg); err != nil {
			return err
		}
		g.Go(func() error {
			collector.Run(gctx, cfg.Metrics.Interval, store.Diagnostics)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")
		return nil
	})
	return g.Wait()
}

type taskScheduler interface {
	pdworker.Scheduler
	Start()
	Stop()
}

func newScheduler(cfg *config.ServerConfig, client *pd.Shared, lg *zap.Logger, m *pdworker.Metrics) taskScheduler {
	opts := cfg.WorkerOptions(lg, m)
	if cfg.Worker.Shards > 1 {
		return pdworker.NewPool(cfg.Worker.Shards, pdworker.NewRunner(client), opts)
	}
	return pdworker.NewWorker(pdworker.NewRunner(client), opts)
}

// registerStore announces this store to PD, retrying until PD is reachable.
func registerStore(ctx context.Context, cfg *config.ServerConfig, client *pd.Shared, lg *zap.Logger) error {
	st := regionpkg.Store{
		ID:       cfg.StoreID,
		Address:  cfg.GRPC.AdvertiseAddress,
		Capacity: cfg.Capacity,
		Labels:   cfg.Labels,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.PutStore(ctx, st)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.PD.RegisterTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			lg.Warn("register store with pd", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		return fmt.Errorf("register store %d: %w", cfg.StoreID, err)
	}
	return nil
}

// bootstrapFirstRegion creates the configured region with a single local
// peer unless PD already knows it.
func bootstrapFirstRegion(ctx context.Context, cfg *config.ServerConfig, client *pdgrpc.Client, store *raftstore.Store, lg *zap.Logger) error {
	id := regionpkg.ID(cfg.Bootstrap.RegionID)
	existing, err := client.GetRegionByID(ctx, id)
	if err != nil {
		return fmt.Errorf("bootstrap: lookup region %d: %w", id, err)
	}
	if existing != nil {
		lg.Info("cluster already bootstrapped", zap.Stringer("region", existing))
		return nil
	}
	r := regionpkg.Region{
		ID:    id,
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: cfg.Bootstrap.PeerID, StoreID: cfg.StoreID}},
	}
	if err := store.BootstrapRegion(ctx, r); err != nil && !errors.Is(err, raftstore.ErrRegionExists) {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := client.BootstrapRegion(ctx, r); err != nil {
		return fmt.Errorf("bootstrap: record region %d: %w", id, err)
	}
	lg.Info("bootstrapped cluster", zap.Stringer("region", &r))
	return nil
}

func storeResolver(client *pdgrpc.Client, timeout time.Duration) raftnet.AddressResolver {
	return func(storeID uint64) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		stores, err := client.Stores(ctx)
		if err != nil {
			return "", err
		}
		for _, st := range stores {
			if st.ID == storeID && st.Address != "" {
				return st.Address, nil
			}
		}
		return "", fmt.Errorf("store %d is not registered", storeID)
	}
}
