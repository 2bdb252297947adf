package raftstore

import (
	"encoding/json"
	"fmt"

	regionpkg "nyxstore/internal/region"
)

// regionLocalState is the persisted state of an initialized local peer.
type regionLocalState struct {
	Region       regionpkg.Region `json:"region"`
	PeerID       uint64           `json:"peer_id"`
	AppliedIndex uint64           `json:"applied_index"`
}

// tombstoneState marks a region whose local replica was destroyed. Messages
// addressed to PeerID or any earlier peer of the region are rejected.
type tombstoneState struct {
	RegionID regionpkg.ID    `json:"region_id"`
	PeerID   uint64          `json:"peer_id"`
	Epoch    regionpkg.Epoch `json:"epoch"`
}

func (e *engine) loadRegionStates() ([]regionLocalState, error) {
	lower, upper := localBounds(regionStateTag)
	var states []regionLocalState
	err := e.scan(lower, upper, func(key, value []byte) error {
		var st regionLocalState
		if err := json.Unmarshal(value, &st); err != nil {
			return fmt.Errorf("decode region state %x: %w", key, err)
		}
		states = append(states, st)
		return nil
	})
	return states, err
}

func (e *engine) loadTombstones() (map[regionpkg.ID]tombstoneState, error) {
	lower, upper := localBounds(tombstoneTag)
	out := make(map[regionpkg.ID]tombstoneState)
	err := e.scan(lower, upper, func(key, value []byte) error {
		var ts tombstoneState
		if err := json.Unmarshal(value, &ts); err != nil {
			return fmt.Errorf("decode tombstone %x: %w", key, err)
		}
		out[ts.RegionID] = ts
		return nil
	})
	return out, err
}

const (
	opPut    = "put"
	opDelete = "delete"
)

type writeRequest struct {
	Op    string `json:"op"`
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type splitRequest struct {
	SplitKey    []byte       `json:"split_key"`
	NewRegionID regionpkg.ID `json:"new_region_id"`
	NewPeerIDs  []uint64     `json:"new_peer_ids"`
}

// raftCmd is the payload of a normal raft entry.
type raftCmd struct {
	// Origin and RequestID identify the proposer's waiter.
	Origin    uint64          `json:"origin"`
	RequestID uint64          `json:"request_id"`
	Epoch     regionpkg.Epoch `json:"epoch"`
	Requests  []writeRequest  `json:"requests,omitempty"`
	Split     *splitRequest   `json:"split,omitempty"`
}

// confContext travels in raftpb.ConfChange.Context.
type confContext struct {
	Origin    uint64         `json:"origin"`
	RequestID uint64         `json:"request_id"`
	Peer      regionpkg.Peer `json:"peer"`
}

type kvPair struct {
	Key   []byte `json:"k"`
	Value []byte `json:"v"`
}

// snapshotData is the payload of a generated raft snapshot.
type snapshotData struct {
	Region regionpkg.Region `json:"region"`
	Data   []kvPair         `json:"data,omitempty"`
}
