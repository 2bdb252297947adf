package region

import (
	"bytes"
	"errors"
	"fmt"
)

// ID uniquely identifies a Region.
type ID uint64

// KeyRange describes the inclusive-exclusive key range handled by a Region.
type KeyRange struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"` // empty slice denotes infinity
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	if len(r.Start) > 0 && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if len(r.End) > 0 && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}

// Overlaps reports whether two ranges share at least one key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	if len(r.End) > 0 && bytes.Compare(r.End, other.Start) <= 0 {
		return false
	}
	if len(other.End) > 0 && bytes.Compare(other.End, r.Start) <= 0 {
		return false
	}
	return true
}

// PeerRole distinguishes voting members from learners.
type PeerRole int

const (
	// Voter is a full voting member of the Region's Raft group.
	Voter PeerRole = iota
	// Learner only receives logs; not part of quorum until promoted.
	Learner
)

func (r PeerRole) String() string {
	if r == Learner {
		return "learner"
	}
	return "voter"
}

// Peer describes a Region replica hosted on a Store.
type Peer struct {
	ID      uint64   `json:"id"`
	StoreID uint64   `json:"store_id"`
	Role    PeerRole `json:"role,omitempty"`
}

func (p Peer) String() string {
	return fmt.Sprintf("peer %d on store %d", p.ID, p.StoreID)
}

// State captures the lifecycle of a Region.
type State int

const (
	// StateActive indicates the Region is serving traffic.
	StateActive State = iota
	// StateSplitting indicates the Region is splitting its key range.
	StateSplitting
	// StateMerging indicates the Region is merging with another Region.
	StateMerging
	// StateTombstone indicates the Region has been removed.
	StateTombstone
)

var stateNames = map[State]string{
	StateActive:    "active",
	StateSplitting: "splitting",
	StateMerging:   "merging",
	StateTombstone: "tombstone",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) State {
	for state, name := range stateNames {
		if name == s {
			return state
		}
	}
	return StateActive
}

var (
	ErrDuplicatePeer  = errors.New("region: duplicate peer id")
	ErrDuplicateStore = errors.New("region: more than one peer on a store")
	ErrInvalidRange   = errors.New("region: start key not below end key")
)

// Region aggregates metadata describing a single shard of the keyspace.
type Region struct {
	ID     ID       `json:"id"`
	Range  KeyRange `json:"range"`
	Epoch  Epoch    `json:"epoch"`
	Peers  []Peer   `json:"peers,omitempty"`
	State  State    `json:"state,omitempty"`
	Leader uint64   `json:"leader,omitempty"` // Peer ID currently considered leader (best-effort hint)
}

// ContainsKey reports whether the region manages the provided key.
func (r *Region) ContainsKey(key []byte) bool {
	if r == nil {
		return false
	}
	return r.Range.Contains(key)
}

// FindPeer returns the peer hosted on storeID.
func (r *Region) FindPeer(storeID uint64) (Peer, bool) {
	if r == nil {
		return Peer{}, false
	}
	for _, p := range r.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Peer{}, false
}

// PeerByID returns the peer with the given id.
func (r *Region) PeerByID(id uint64) (Peer, bool) {
	if r == nil {
		return Peer{}, false
	}
	for _, p := range r.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// RemovePeer drops the peer with id and reports whether it was present.
func (r *Region) RemovePeer(id uint64) bool {
	for i, p := range r.Peers {
		if p.ID == id {
			r.Peers = append(r.Peers[:i:i], r.Peers[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks structural invariants: unique peer ids, one peer per store
// and an ordered key range.
func (r *Region) Validate() error {
	if len(r.Range.Start) > 0 && len(r.Range.End) > 0 && bytes.Compare(r.Range.Start, r.Range.End) >= 0 {
		return fmt.Errorf("%w: region %d", ErrInvalidRange, r.ID)
	}
	ids := make(map[uint64]struct{}, len(r.Peers))
	stores := make(map[uint64]struct{}, len(r.Peers))
	for _, p := range r.Peers {
		if _, ok := ids[p.ID]; ok {
			return fmt.Errorf("%w: region %d peer %d", ErrDuplicatePeer, r.ID, p.ID)
		}
		if _, ok := stores[p.StoreID]; ok {
			return fmt.Errorf("%w: region %d store %d", ErrDuplicateStore, r.ID, p.StoreID)
		}
		ids[p.ID] = struct{}{}
		stores[p.StoreID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the Region metadata for safe mutation.
func (r *Region) Clone() Region {
	if r == nil {
		return Region{}
	}
	cp := *r
	cp.Range = KeyRange{
		Start: append([]byte(nil), r.Range.Start...),
		End:   append([]byte(nil), r.Range.End...),
	}
	if len(r.Peers) > 0 {
		cp.Peers = append([]Peer(nil), r.Peers...)
	}
	return cp
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d [%s, %s) %s peers=%v", r.ID, EscapeKey(r.Range.Start), EscapeKey(r.Range.End), r.Epoch, r.Peers)
}
