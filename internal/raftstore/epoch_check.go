package raftstore

import (
	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxstore/internal/pd"
	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

type verdict int

const (
	verdictAccept verdict = iota
	verdictCreatePeer
	verdictRegionNotFound
	verdictStaleEpoch
	verdictTombstone
	verdictRefresh
	verdictIgnore
	numVerdicts
)

var verdictNames = [numVerdicts]string{
	verdictAccept:         "accept",
	verdictCreatePeer:     "create_peer",
	verdictRegionNotFound: "region_not_found",
	verdictStaleEpoch:     "stale_epoch",
	verdictTombstone:      "tombstone",
	verdictRefresh:        "refresh",
	verdictIgnore:         "ignore",
}

func (v verdict) String() string {
	if v >= 0 && v < numVerdicts {
		return verdictNames[v]
	}
	return "unknown"
}

// peerView is the published, read-only state of one local peer.
type peerView struct {
	peer        regionpkg.Peer
	region      regionpkg.Region
	initialized bool
	leader      uint64
	aborted     bool
}

// removed reports whether the local region no longer lists the local peer.
func (v *peerView) removed() bool {
	if !v.initialized {
		return false
	}
	_, ok := v.region.PeerByID(v.peer.ID)
	return !ok
}

type checkResult struct {
	verdict verdict
	// refresh asks the authority for the current region in the background.
	refresh bool
	// notifySender sends the stale sender a tombstone notice.
	notifySender bool
	localEpoch   regionpkg.Epoch
	reason       string
}

// canCreatePeer reports whether a message type may only come from a leader
// and can therefore bootstrap a new local peer.
func canCreatePeer(t raftpb.MessageType) bool {
	switch t {
	case raftpb.MsgApp, raftpb.MsgHeartbeat, raftpb.MsgSnap:
		return true
	}
	return false
}

// checkRaftMessage decides what a store does with an incoming message
// given its local peer (nil if none) and tombstone marker (nil if none).
// It has no side effects.
func checkRaftMessage(storeID uint64, local *peerView, tomb *tombstoneState, msg *api.RaftMessage, msgType raftpb.MessageType) checkResult {
	msgEpoch := pd.ProtoToEpoch(msg.RegionEpoch)
	if msg.ToPeer.StoreID != storeID {
		return checkResult{verdict: verdictRegionNotFound, reason: "misrouted"}
	}
	if tomb != nil && msg.ToPeer.ID <= tomb.PeerID {
		return checkResult{verdict: verdictRegionNotFound, localEpoch: tomb.Epoch, reason: "tombstone"}
	}

	if msg.IsTombstone {
		if local == nil || !local.initialized || local.peer.ID != msg.ToPeer.ID {
			return checkResult{verdict: verdictIgnore, reason: "notice for unknown peer"}
		}
		if local.removed() || msgEpoch.ConfVersion > local.region.Epoch.ConfVersion {
			return checkResult{verdict: verdictTombstone, localEpoch: local.region.Epoch, reason: "tombstone notice"}
		}
		return checkResult{verdict: verdictIgnore, localEpoch: local.region.Epoch, reason: "notice not newer"}
	}

	if local == nil {
		if canCreatePeer(msgType) && msg.ToPeer.ID != 0 {
			return checkResult{verdict: verdictCreatePeer}
		}
		return checkResult{verdict: verdictRegionNotFound, reason: "stale peer"}
	}
	if local.aborted {
		return checkResult{verdict: verdictIgnore, reason: "region aborted"}
	}

	if local.peer.ID != msg.ToPeer.ID {
		if msg.ToPeer.ID < local.peer.ID {
			return checkResult{verdict: verdictRegionNotFound, reason: "target peer older than local"}
		}
		if !local.initialized && canCreatePeer(msgType) {
			return checkResult{verdict: verdictCreatePeer, reason: "replace uninitialized peer"}
		}
		return checkResult{verdict: verdictRefresh, refresh: true, reason: "local peer older than target"}
	}
	if !local.initialized {
		return checkResult{verdict: verdictAccept}
	}

	localEpoch := local.region.Epoch
	if local.removed() && msgEpoch.ConfVersion <= localEpoch.ConfVersion {
		return checkResult{verdict: verdictTombstone, localEpoch: localEpoch, reason: "local peer removed"}
	}
	if msgEpoch.IsStale(localEpoch) {
		if _, member := local.region.PeerByID(msg.FromPeer.ID); !member {
			return checkResult{verdict: verdictStaleEpoch, notifySender: true, localEpoch: localEpoch, reason: "stale sender"}
		}
		return checkResult{verdict: verdictAccept, localEpoch: localEpoch}
	}
	if msgEpoch.IsNewer(localEpoch) {
		return checkResult{verdict: verdictAccept, refresh: true, localEpoch: localEpoch, reason: "newer epoch"}
	}
	return checkResult{verdict: verdictAccept, localEpoch: localEpoch}
}
