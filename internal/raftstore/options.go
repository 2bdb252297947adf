package raftstore

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTickInterval           = 100 * time.Millisecond
	DefaultElectionTick           = 10
	DefaultHeartbeatTick          = 2
	DefaultStoreHeartbeatInterval = 10 * time.Second
	DefaultRefreshInterval        = time.Second
	DefaultRefreshTimeout         = 2 * time.Second
	DefaultRaftLogGCThreshold     = 64
	DefaultInboxSize              = 4096
)

// Options configures a Store.
type Options struct {
	StoreID  uint64
	Address  string
	DataDir  string
	Capacity uint64
	Labels   map[string]string

	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int

	// StoreHeartbeatInterval is the mean period of store heartbeats; each
	// tick is jittered.
	StoreHeartbeatInterval time.Duration
	// MaxLeaderMissing is how long a peer may go without a known leader
	// before it asks the authority for the current region. Zero means
	// twice the election timeout.
	MaxLeaderMissing time.Duration
	// RefreshInterval rate-limits authority lookups per region.
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration

	// RaftLogGCThreshold is the number of applied entries kept in a peer's
	// log before it is compacted.
	RaftLogGCThreshold uint64
	InboxSize          int
	SyncLog            bool

	Logger *zap.Logger
}

func (o *Options) normalize() error {
	if o.StoreID == 0 {
		return fmt.Errorf("raftstore: store id must be set")
	}
	if o.DataDir == "" {
		return fmt.Errorf("raftstore: data dir must be set")
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.ElectionTick <= 0 {
		o.ElectionTick = DefaultElectionTick
	}
	if o.HeartbeatTick <= 0 {
		o.HeartbeatTick = DefaultHeartbeatTick
	}
	if o.HeartbeatTick >= o.ElectionTick {
		return fmt.Errorf("raftstore: heartbeat tick %d must be below election tick %d", o.HeartbeatTick, o.ElectionTick)
	}
	if o.StoreHeartbeatInterval <= 0 {
		o.StoreHeartbeatInterval = DefaultStoreHeartbeatInterval
	}
	if o.MaxLeaderMissing <= 0 {
		o.MaxLeaderMissing = 2 * time.Duration(o.ElectionTick) * o.TickInterval
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.RaftLogGCThreshold == 0 {
		o.RaftLogGCThreshold = DefaultRaftLogGCThreshold
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}
