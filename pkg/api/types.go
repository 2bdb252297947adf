package api

// Peer mirrors region.Peer on the wire.
type Peer struct {
	ID      uint64 `json:"id"`
	StoreID uint64 `json:"store_id"`
	Learner bool   `json:"learner,omitempty"`
}

func (p *Peer) GetID() uint64 {
	if p == nil {
		return 0
	}
	return p.ID
}

func (p *Peer) GetStoreID() uint64 {
	if p == nil {
		return 0
	}
	return p.StoreID
}

// RegionEpoch mirrors region.Epoch on the wire.
type RegionEpoch struct {
	Version     uint64 `json:"version"`
	ConfVersion uint64 `json:"conf_version"`
}

// RegionDescriptor is the wire form of a region.
type RegionDescriptor struct {
	RegionID     uint64      `json:"region_id"`
	StartKey     []byte      `json:"start_key,omitempty"`
	EndKey       []byte      `json:"end_key,omitempty"`
	Epoch        RegionEpoch `json:"epoch"`
	Peers        []*Peer     `json:"peers,omitempty"`
	State        string      `json:"state,omitempty"`
	LeaderPeerID uint64      `json:"leader_peer_id,omitempty"`
}

func (r *RegionDescriptor) GetRegionID() uint64 {
	if r == nil {
		return 0
	}
	return r.RegionID
}

// StoreDescriptor is the wire form of a store.
type StoreDescriptor struct {
	StoreID     uint64            `json:"store_id"`
	Address     string            `json:"address"`
	Capacity    uint64            `json:"capacity,omitempty"`
	Available   uint64            `json:"available,omitempty"`
	RegionCount uint64            `json:"region_count,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}
