package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"nyxstore/internal/raftstore"
)

// StoreCollector exposes store diagnostics as Prometheus metrics.
type StoreCollector struct {
	regions          prometheus.Gauge
	uninitialized    prometheus.Gauge
	leaders          prometheus.Gauge
	aborted          prometheus.Gauge
	tombstones       prometheus.Gauge
	diskUsage        prometheus.Gauge
	messages         *prometheus.GaugeVec
	messagesDropped  prometheus.Gauge
	peersDestroyed   prometheus.Gauge
	snapshotsApplied prometheus.Gauge
	refreshes        prometheus.Gauge
}

// NewStoreCollector creates a collector registered on reg (default if nil).
func NewStoreCollector(reg prometheus.Registerer, namespace string) *StoreCollector {
	if namespace == "" {
		namespace = "nyxstore"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      name,
			Help:      help,
		})
	}
	return &StoreCollector{
		regions:       gauge("regions", "Region peers hosted by this store."),
		uninitialized: gauge("uninitialized_regions", "Peers created from raft messages that have not received data yet."),
		leaders:       gauge("leader_regions", "Regions led by a peer on this store."),
		aborted:       gauge("aborted_regions", "Peers that stopped after a fatal apply error."),
		tombstones:    gauge("tombstones", "Tombstone markers persisted by this store."),
		diskUsage:     gauge("disk_usage_bytes", "Bytes used by the store engine."),
		messages: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "raft_messages_received",
			Help:      "Incoming raft messages by admission outcome since start.",
		}, []string{"verdict"}),
		messagesDropped:  gauge("raft_messages_dropped", "Raft messages dropped because the store inbox was full."),
		peersDestroyed:   gauge("peers_destroyed", "Peers destroyed and tombstoned since start."),
		snapshotsApplied: gauge("snapshots_applied", "Raft snapshots applied since start."),
		refreshes:        gauge("region_refreshes", "Authority region lookups issued since start."),
	}
}

// Observe updates metrics from the supplied diagnostics sample.
func (c *StoreCollector) Observe(diag raftstore.Diagnostics) {
	c.regions.Set(float64(diag.Regions))
	c.uninitialized.Set(float64(diag.Uninitialized))
	c.leaders.Set(float64(diag.Leaders))
	c.aborted.Set(float64(diag.Aborted))
	c.tombstones.Set(float64(diag.Tombstones))
	c.diskUsage.Set(float64(diag.DiskUsage))
	for verdict, n := range diag.Messages {
		c.messages.WithLabelValues(verdict).Set(float64(n))
	}
	c.messagesDropped.Set(float64(diag.MessagesDropped))
	c.peersDestroyed.Set(float64(diag.PeersDestroyed))
	c.snapshotsApplied.Set(float64(diag.SnapshotsApplied))
	c.refreshes.Set(float64(diag.Refreshes))
}

// Run samples source every interval until ctx is canceled.
func (c *StoreCollector) Run(ctx context.Context, interval time.Duration, source func() raftstore.Diagnostics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Observe(source())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Observe(source())
		}
	}
}

// StartServer serves gatherer on addr under /metrics until ctx is canceled.
func StartServer(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("addr", lis.Addr().String()))
	return nil
}
