package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"nyxstore/internal/observability/tracing"
	"nyxstore/internal/pdworker"
	"nyxstore/internal/raftstore"
	grpcserver "nyxstore/internal/server/grpc"
)

// ServerConfig captures the YAML configuration of a store server.
type ServerConfig struct {
	StoreID   uint64            `yaml:"storeID"`
	DataDir   string            `yaml:"dataDir"`
	Capacity  uint64            `yaml:"capacity"`
	Labels    map[string]string `yaml:"labels"`
	GRPC      GRPCConfig        `yaml:"grpc"`
	PD        PDClientConfig    `yaml:"pd"`
	Raft      RaftConfig        `yaml:"raft"`
	Worker    WorkerConfig      `yaml:"worker"`
	Bootstrap BootstrapConfig   `yaml:"bootstrap"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Tracing   TracingConfig     `yaml:"tracing"`
	Log       LogConfig         `yaml:"log"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
	// AdvertiseAddress is the address registered with PD; defaults to
	// Address.
	AdvertiseAddress string `yaml:"advertiseAddress"`
}

type PDClientConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	// RegisterTimeout bounds the retries of the initial store registration.
	RegisterTimeout time.Duration `yaml:"registerTimeout"`
}

type RaftConfig struct {
	TickInterval           time.Duration `yaml:"tickInterval"`
	ElectionTick           int           `yaml:"electionTick"`
	HeartbeatTick          int           `yaml:"heartbeatTick"`
	StoreHeartbeatInterval time.Duration `yaml:"storeHeartbeatInterval"`
	MaxLeaderMissing       time.Duration `yaml:"maxLeaderMissing"`
	RaftLogGCThreshold     uint64        `yaml:"raftLogGCThreshold"`
	SyncLog                bool          `yaml:"syncLog"`
}

type WorkerConfig struct {
	TaskTimeout time.Duration `yaml:"taskTimeout"`
	// Shards above one spreads tasks over a region-sharded pool.
	Shards int `yaml:"shards"`
}

// BootstrapConfig asks the server to create the first region on this store
// when PD does not know it yet.
type BootstrapConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RegionID uint64 `yaml:"regionID"`
	PeerID   uint64 `yaml:"peerID"`
}

type MetricsConfig struct {
	Address   string        `yaml:"address"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// PDConfig captures the YAML configuration of the PD server.
type PDConfig struct {
	Address string        `yaml:"address"`
	DataDir string        `yaml:"dataDir"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

const (
	DefaultGRPCAddress     = "127.0.0.1:20160"
	DefaultPDAddress       = "127.0.0.1:2379"
	DefaultPDTimeout       = 3 * time.Second
	DefaultRegisterTimeout = time.Minute
	DefaultMetricsInterval = 5 * time.Second
	DefaultLogLevel        = "info"
)

// Normalize applies defaults and validates the configuration.
func (c *ServerConfig) Normalize() error {
	if c.StoreID == 0 {
		return fmt.Errorf("config: storeID must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must be set")
	}
	if c.GRPC.Address == "" {
		c.GRPC.Address = DefaultGRPCAddress
	}
	if c.GRPC.AdvertiseAddress == "" {
		c.GRPC.AdvertiseAddress = c.GRPC.Address
	}
	if c.PD.Address == "" {
		c.PD.Address = DefaultPDAddress
	}
	if c.PD.Timeout <= 0 {
		c.PD.Timeout = DefaultPDTimeout
	}
	if c.PD.RegisterTimeout <= 0 {
		c.PD.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.Raft.ElectionTick != 0 && c.Raft.HeartbeatTick >= c.Raft.ElectionTick {
		return fmt.Errorf("config: raft.heartbeatTick (%d) must be smaller than raft.electionTick (%d)",
			c.Raft.HeartbeatTick, c.Raft.ElectionTick)
	}
	if c.Worker.TaskTimeout <= 0 {
		c.Worker.TaskTimeout = pdworker.DefaultTaskTimeout
	}
	if c.Worker.Shards <= 0 {
		c.Worker.Shards = 1
	}
	if c.Bootstrap.Enabled && (c.Bootstrap.RegionID == 0 || c.Bootstrap.PeerID == 0) {
		return fmt.Errorf("config: bootstrap requires regionID and peerID")
	}
	c.Metrics.normalize()
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	return nil
}

// Normalize applies defaults and validates the configuration.
func (c *PDConfig) Normalize() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must be set")
	}
	if c.Address == "" {
		c.Address = DefaultPDAddress
	}
	c.Metrics.normalize()
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	return nil
}

func (m *MetricsConfig) normalize() {
	if m.Namespace == "" {
		m.Namespace = "nyxstore"
	}
	if m.Interval <= 0 {
		m.Interval = DefaultMetricsInterval
	}
}

// StoreOptions converts the configuration into raftstore options.
func (c *ServerConfig) StoreOptions(logger *zap.Logger) raftstore.Options {
	return raftstore.Options{
		StoreID:                c.StoreID,
		Address:                c.GRPC.AdvertiseAddress,
		DataDir:                c.DataDir,
		Capacity:               c.Capacity,
		Labels:                 c.Labels,
		TickInterval:           c.Raft.TickInterval,
		ElectionTick:           c.Raft.ElectionTick,
		HeartbeatTick:          c.Raft.HeartbeatTick,
		StoreHeartbeatInterval: c.Raft.StoreHeartbeatInterval,
		MaxLeaderMissing:       c.Raft.MaxLeaderMissing,
		RaftLogGCThreshold:     c.Raft.RaftLogGCThreshold,
		SyncLog:                c.Raft.SyncLog,
		Logger:                 logger,
	}
}

// WorkerOptions converts the configuration into PD worker options.
func (c *ServerConfig) WorkerOptions(logger *zap.Logger, metrics *pdworker.Metrics) pdworker.Options {
	return pdworker.Options{
		TaskTimeout: c.Worker.TaskTimeout,
		Logger:      logger,
		Metrics:     metrics,
	}
}

func (c *ServerConfig) GRPCConfig() grpcserver.Config {
	return grpcserver.Config{Address: c.GRPC.Address}
}

func (t TracingConfig) Exporter(service string) tracing.Config {
	return tracing.Config{
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		ServiceName: service,
		SampleRatio: t.SampleRatio,
	}
}
