package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	regionpkg "nyxstore/internal/region"
)

func (s *Store) nextRequestID() uint64 {
	s.requestSeq++
	return s.requestSeq
}

// leaderPeer returns the local peer of id if it leads the region.
func (s *Store) leaderPeer(id regionpkg.ID) (*peer, error) {
	p := s.peers[id]
	if p == nil || !p.initialized {
		return nil, &RegionNotFoundError{RegionID: id}
	}
	if p.aborted {
		return nil, fmt.Errorf("%w: region %d", ErrRegionAborted, id)
	}
	if !p.isLeader() {
		return nil, &NotLeaderError{RegionID: id, Leader: p.leaderPeer()}
	}
	return p, nil
}

func proposeError(err error) error {
	if errors.Is(err, raft.ErrProposalDropped) {
		return ErrProposalDropped
	}
	return err
}

func (s *Store) wait(ctx context.Context, done chan error) error {
	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopC:
		return ErrStoreStopped
	}
}

// proposeCommand proposes the command built by build on the region leader
// and waits until the local peer applied it.
func (s *Store) proposeCommand(ctx context.Context, id regionpkg.ID, build func(p *peer) (raftCmd, error)) error {
	var done chan error
	err := s.do(ctx, func() error {
		p, err := s.leaderPeer(id)
		if err != nil {
			return err
		}
		cmd, err := build(p)
		if err != nil {
			return err
		}
		cmd.Origin, cmd.RequestID, cmd.Epoch = s.opts.StoreID, s.nextRequestID(), p.region.Epoch
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		deadline, _ := ctx.Deadline()
		done = p.addProposal(cmd.RequestID, deadline)
		if err := p.node.Propose(data); err != nil {
			delete(p.proposals, cmd.RequestID)
			done = nil
			return proposeError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.wait(ctx, done)
}

// Put writes key through the region's raft log.
func (s *Store) Put(ctx context.Context, id regionpkg.ID, key, value []byte) error {
	return s.write(ctx, id, writeRequest{Op: opPut, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

// Delete removes key through the region's raft log.
func (s *Store) Delete(ctx context.Context, id regionpkg.ID, key []byte) error {
	return s.write(ctx, id, writeRequest{Op: opDelete, Key: append([]byte(nil), key...)})
}

func (s *Store) write(ctx context.Context, id regionpkg.ID, req writeRequest) error {
	return s.proposeCommand(ctx, id, func(p *peer) (raftCmd, error) {
		if !p.region.ContainsKey(req.Key) {
			return raftCmd{}, fmt.Errorf("%w: key %s region %d", ErrKeyNotInRange, regionpkg.EscapeKey(req.Key), id)
		}
		return raftCmd{Requests: []writeRequest{req}}, nil
	})
}

// Split splits region id at splitKey. The right half becomes region
// newRegionID whose peers take newPeerIDs, in the order of the current
// peers.
func (s *Store) Split(ctx context.Context, id regionpkg.ID, splitKey []byte, newRegionID regionpkg.ID, newPeerIDs []uint64) error {
	req := &splitRequest{
		SplitKey:    append([]byte(nil), splitKey...),
		NewRegionID: newRegionID,
		NewPeerIDs:  append([]uint64(nil), newPeerIDs...),
	}
	return s.proposeCommand(ctx, id, func(p *peer) (raftCmd, error) {
		if _, _, err := validateSplit(&p.region, req); err != nil {
			return raftCmd{}, err
		}
		return raftCmd{Split: req}, nil
	})
}

// ChangePeer adds or removes target through a raft conf change and waits
// until the local peer applied it. Changes that would not alter the region
// return immediately.
func (s *Store) ChangePeer(ctx context.Context, id regionpkg.ID, changeType raftpb.ConfChangeType, target regionpkg.Peer) error {
	var done chan error
	err := s.do(ctx, func() error {
		p, err := s.leaderPeer(id)
		if err != nil {
			return err
		}
		if p.confChangeRequest != 0 {
			return ErrConfChangePending
		}
		switch changeType {
		case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
			if target.ID == 0 || target.StoreID == 0 {
				return fmt.Errorf("%w: %s", ErrInvalidPeer, target)
			}
			if existing, ok := p.region.FindPeer(target.StoreID); ok && existing.ID != target.ID {
				return fmt.Errorf("%w: store %d already hosts peer %d", ErrInvalidPeer, target.StoreID, existing.ID)
			}
			role := regionpkg.Voter
			if changeType == raftpb.ConfChangeAddLearnerNode {
				role = regionpkg.Learner
			}
			if existing, ok := p.region.PeerByID(target.ID); ok && existing.Role == role {
				return nil
			}
			target.Role = role
		case raftpb.ConfChangeRemoveNode:
			existing, ok := p.region.PeerByID(target.ID)
			if !ok {
				return nil
			}
			target = existing
		default:
			return fmt.Errorf("raftstore: unsupported conf change %s", changeType)
		}

		requestID := s.nextRequestID()
		cctx, err := json.Marshal(confContext{Origin: s.opts.StoreID, RequestID: requestID, Peer: target})
		if err != nil {
			return err
		}
		deadline, _ := ctx.Deadline()
		done = p.addProposal(requestID, deadline)
		p.confChangeRequest = requestID
		cc := raftpb.ConfChange{Type: changeType, NodeID: target.ID, Context: cctx}
		if err := p.node.ProposeConfChange(cc); err != nil {
			delete(p.proposals, requestID)
			p.confChangeRequest = 0
			done = nil
			return proposeError(err)
		}
		p.logger.Info("proposed conf change", zap.Stringer("type", changeType), zap.Stringer("target", target))
		return nil
	})
	if err != nil {
		return err
	}
	return s.wait(ctx, done)
}

// BootstrapRegion creates the local peer of a brand new region r from its
// initial snapshot. A region that was tombstoned here must be cleared with
// ClearTombstone first.
func (s *Store) BootstrapRegion(ctx context.Context, r regionpkg.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	meta, ok := r.FindPeer(s.opts.StoreID)
	if !ok {
		return fmt.Errorf("%w: region %d has no peer on store %d", ErrInvalidPeer, r.ID, s.opts.StoreID)
	}
	r = r.Clone()
	r.Leader = 0
	return s.do(ctx, func() error {
		if s.peers[r.ID] != nil {
			return fmt.Errorf("%w: region %d", ErrRegionExists, r.ID)
		}
		s.viewMu.RLock()
		_, tombstoned := s.tombstones[r.ID]
		other, overlap := s.overlappingLocked(r.Range, r.ID)
		s.viewMu.RUnlock()
		if tombstoned {
			return fmt.Errorf("%w: region %d", ErrTombstoneExists, r.ID)
		}
		if overlap {
			return fmt.Errorf("%w: range of region %d overlaps region %d", ErrRegionExists, r.ID, other)
		}

		storage, err := s.bootstrapRaftStorage(r, raftpb.HardState{})
		if err != nil {
			return err
		}
		b := s.engine.newBatch()
		defer b.Close()
		if err := putJSON(b, regionStateKey(r.ID), regionLocalState{Region: r, PeerID: meta.ID, AppliedIndex: raftInitIndex}); err != nil {
			return err
		}
		if err := s.engine.commitSync(b); err != nil {
			return err
		}
		p, err := s.newPeer(r, meta, true, storage, raftInitIndex)
		if err != nil {
			return err
		}
		s.peers[r.ID] = p
		s.publish(p)
		p.logger.Info("bootstrapped region", zap.Stringer("region", &r))
		if len(r.Peers) == 1 {
			return p.node.Campaign()
		}
		return nil
	})
}

// ClearTombstone removes the tombstone marker of id so the region can be
// bootstrapped on this store again.
func (s *Store) ClearTombstone(ctx context.Context, id regionpkg.ID) error {
	return s.do(ctx, func() error {
		s.viewMu.RLock()
		_, ok := s.tombstones[id]
		s.viewMu.RUnlock()
		if !ok {
			return nil
		}
		b := s.engine.newBatch()
		defer b.Close()
		if err := b.Delete(tombstoneKey(id), nil); err != nil {
			return err
		}
		if err := s.engine.commitSync(b); err != nil {
			return err
		}
		s.viewMu.Lock()
		delete(s.tombstones, id)
		s.viewMu.Unlock()
		s.logger.Info("cleared tombstone", zap.Uint64("region", uint64(id)))
		return nil
	})
}
