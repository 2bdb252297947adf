package raftstore

import (
	"sync/atomic"
)

type counters struct {
	verdicts         [numVerdicts]atomic.Uint64
	dropped          atomic.Uint64
	destroyed        atomic.Uint64
	snapshotsApplied atomic.Uint64
	refreshes        atomic.Uint64
}

// Diagnostics is a point-in-time summary of a store.
type Diagnostics struct {
	StoreID       uint64
	Regions       int
	Uninitialized int
	Leaders       int
	Aborted       int
	Tombstones    int
	DiskUsage     uint64
	// Messages counts incoming raft messages by admission outcome.
	Messages         map[string]uint64
	MessagesDropped  uint64
	PeersDestroyed   uint64
	SnapshotsApplied uint64
	Refreshes        uint64
}

func (s *Store) Diagnostics() Diagnostics {
	d := Diagnostics{
		StoreID:          s.opts.StoreID,
		Messages:         make(map[string]uint64, numVerdicts),
		MessagesDropped:  s.counters.dropped.Load(),
		PeersDestroyed:   s.counters.destroyed.Load(),
		SnapshotsApplied: s.counters.snapshotsApplied.Load(),
		Refreshes:        s.counters.refreshes.Load(),
	}
	for v := verdict(0); v < numVerdicts; v++ {
		d.Messages[v.String()] = s.counters.verdicts[v].Load()
	}
	s.viewMu.RLock()
	for _, v := range s.views {
		switch {
		case v.aborted:
			d.Aborted++
		case !v.initialized:
			d.Uninitialized++
		default:
			d.Regions++
			if v.leader != 0 && v.leader == v.peer.ID {
				d.Leaders++
			}
		}
	}
	d.Tombstones = len(s.tombstones)
	s.viewMu.RUnlock()
	if !s.isStopped() {
		d.DiskUsage = s.engine.diskUsage()
	}
	return d
}
