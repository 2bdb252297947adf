package raftstore

import (
	"context"
	"errors"
	"fmt"

	"nyxstore/internal/pd"
	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

// Status answers a status command from the published view of the
// addressed region. Semantic rejections are carried in the response
// header; the returned error is reserved for transport-level failures.
func (s *Store) Status(ctx context.Context, req *api.StatusRequest) (*api.StatusResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isStopped() {
		return nil, ErrStoreStopped
	}
	resp := &api.StatusResponse{CmdType: req.CmdType}
	v, err := s.checkHeader(req.Header)
	if err != nil {
		resp.Header.Error = toAPIError(err)
		return resp, nil
	}
	var leader *regionpkg.Peer
	if v.leader != 0 {
		if p, ok := v.region.PeerByID(v.leader); ok {
			leader = &p
		}
	}
	switch req.CmdType {
	case api.StatusCmdRegionLeader:
		if leader == nil {
			resp.Header.Error = toAPIError(&NotLeaderError{RegionID: v.region.ID})
			return resp, nil
		}
		resp.RegionLeader = &api.RegionLeaderResponse{Leader: *pd.PeerToProto(*leader)}
	case api.StatusCmdRegionDetail:
		detail := &api.RegionDetailResponse{Region: pd.RegionToProto(v.region)}
		if leader != nil {
			detail.Leader = pd.PeerToProto(*leader)
		}
		resp.RegionDetail = detail
	default:
		resp.Header.Error = &api.Error{Message: fmt.Sprintf("unsupported status command %d", req.CmdType)}
	}
	return resp, nil
}

// checkHeader validates a request header against the published view.
func (s *Store) checkHeader(h api.RequestHeader) (*peerView, error) {
	id := regionpkg.ID(h.RegionID)
	s.viewMu.RLock()
	v := s.views[id]
	s.viewMu.RUnlock()
	if v == nil || !v.initialized || v.aborted {
		return nil, &RegionNotFoundError{RegionID: id}
	}
	if h.Peer != nil && h.Peer.ID != 0 && h.Peer.ID != v.peer.ID {
		return nil, &RegionNotFoundError{RegionID: id}
	}
	if h.RegionEpoch != nil {
		requested := pd.ProtoToEpoch(*h.RegionEpoch)
		local := v.region.Epoch
		if requested.IsStale(local) {
			return nil, &StaleEpochError{RegionID: id, Current: local, Requested: requested}
		}
		if requested.IsNewer(local) {
			s.requestRefresh(id)
			return nil, &EpochNotMatchError{RegionID: id, Current: local, Requested: requested}
		}
	}
	return v, nil
}

// toAPIError maps a store rejection onto its wire form.
func toAPIError(err error) *api.Error {
	out := &api.Error{Message: err.Error()}
	var (
		notFound *RegionNotFoundError
		stale    *StaleEpochError
		notMatch *EpochNotMatchError
		leader   *NotLeaderError
	)
	switch {
	case errors.As(err, &notFound):
		out.RegionNotFound = &api.RegionNotFound{RegionID: uint64(notFound.RegionID)}
	case errors.As(err, &stale):
		out.StaleEpoch = &api.StaleEpoch{CurrentEpoch: pd.EpochToProto(stale.Current)}
	case errors.As(err, &notMatch):
		out.StaleEpoch = &api.StaleEpoch{CurrentEpoch: pd.EpochToProto(notMatch.Current)}
	case errors.As(err, &leader):
		out.NotLeader = &api.NotLeader{RegionID: uint64(leader.RegionID)}
		if leader.Leader != nil {
			out.NotLeader.Leader = pd.PeerToProto(*leader.Leader)
		}
	}
	return out
}
