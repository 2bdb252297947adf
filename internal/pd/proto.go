package pd

import (
	"fmt"

	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

func PeerToProto(p regionpkg.Peer) *api.Peer {
	return &api.Peer{ID: p.ID, StoreID: p.StoreID, Learner: p.Role == regionpkg.Learner}
}

func ProtoToPeer(p *api.Peer) regionpkg.Peer {
	if p == nil {
		return regionpkg.Peer{}
	}
	role := regionpkg.Voter
	if p.Learner {
		role = regionpkg.Learner
	}
	return regionpkg.Peer{ID: p.ID, StoreID: p.StoreID, Role: role}
}

func EpochToProto(e regionpkg.Epoch) api.RegionEpoch {
	return api.RegionEpoch{Version: e.Version, ConfVersion: e.ConfVersion}
}

func ProtoToEpoch(e api.RegionEpoch) regionpkg.Epoch {
	return regionpkg.Epoch{Version: e.Version, ConfVersion: e.ConfVersion}
}

// RegionToProto converts a Region into its wire descriptor.
func RegionToProto(region regionpkg.Region) *api.RegionDescriptor {
	desc := &api.RegionDescriptor{
		RegionID:     uint64(region.ID),
		StartKey:     append([]byte(nil), region.Range.Start...),
		EndKey:       append([]byte(nil), region.Range.End...),
		Epoch:        EpochToProto(region.Epoch),
		State:        region.State.String(),
		LeaderPeerID: region.Leader,
	}
	for _, p := range region.Peers {
		desc.Peers = append(desc.Peers, PeerToProto(p))
	}
	return desc
}

// ProtoToRegion converts a wire descriptor back into a Region.
func ProtoToRegion(desc *api.RegionDescriptor) (regionpkg.Region, error) {
	if desc == nil {
		return regionpkg.Region{}, fmt.Errorf("region descriptor is nil")
	}
	region := regionpkg.Region{
		ID: regionpkg.ID(desc.RegionID),
		Range: regionpkg.KeyRange{
			Start: append([]byte(nil), desc.StartKey...),
			End:   append([]byte(nil), desc.EndKey...),
		},
		Epoch:  ProtoToEpoch(desc.Epoch),
		State:  regionpkg.ParseState(desc.State),
		Leader: desc.LeaderPeerID,
	}
	for _, p := range desc.Peers {
		if p == nil {
			continue
		}
		region.Peers = append(region.Peers, ProtoToPeer(p))
	}
	return region, nil
}

func StoreToProto(store regionpkg.Store) *api.StoreDescriptor {
	clone := store.Clone()
	return &api.StoreDescriptor{
		StoreID:     clone.ID,
		Address:     clone.Address,
		Capacity:    clone.Capacity,
		Available:   clone.Available,
		RegionCount: clone.RegionCount,
		Labels:      clone.Labels,
	}
}

func ProtoToStore(desc *api.StoreDescriptor) (regionpkg.Store, error) {
	if desc == nil {
		return regionpkg.Store{}, fmt.Errorf("store descriptor is nil")
	}
	return regionpkg.Store{
		ID:          desc.StoreID,
		Address:     desc.Address,
		Capacity:    desc.Capacity,
		Available:   desc.Available,
		RegionCount: desc.RegionCount,
		Labels:      desc.Labels,
	}.Clone(), nil
}
