package raftstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxstore/internal/pdworker"
	"nyxstore/internal/raftstorage"
	regionpkg "nyxstore/internal/region"
)

// Every region starts from a raft snapshot at this index and term, so a
// fresh peer can never be mistaken for one that already holds entries.
const (
	raftInitIndex = 5
	raftInitTerm  = 5
)

func (s *Store) applyEntries(p *peer, ents []raftpb.Entry) error {
	for i := range ents {
		if p.pendingDestroy {
			return nil
		}
		ent := ents[i]
		var err error
		switch ent.Type {
		case raftpb.EntryNormal:
			err = s.applyNormal(p, ent)
		case raftpb.EntryConfChange:
			err = s.applyConfChange(p, ent)
		default:
			p.logger.Warn("skip unsupported entry", zap.Stringer("type", ent.Type), zap.Uint64("index", ent.Index))
			err = s.persistApplied(p, ent.Index)
		}
		if err != nil {
			return fmt.Errorf("apply entry %d: %w", ent.Index, err)
		}
		p.applied = ent.Index
	}
	return nil
}

func (s *Store) persistApplied(p *peer, index uint64) error {
	b := s.engine.newBatch()
	defer b.Close()
	if err := putRegionState(b, p, p.region, index); err != nil {
		return err
	}
	return s.engine.commit(b)
}

func putRegionState(b *pebble.Batch, p *peer, r regionpkg.Region, index uint64) error {
	return putJSON(b, regionStateKey(r.ID), regionLocalState{Region: r, PeerID: p.meta.ID, AppliedIndex: index})
}

func (s *Store) applyNormal(p *peer, ent raftpb.Entry) error {
	if len(ent.Data) == 0 {
		return s.persistApplied(p, ent.Index)
	}
	var cmd raftCmd
	if err := json.Unmarshal(ent.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	b := s.engine.newBatch()
	defer b.Close()
	var (
		result error
		split  *splitOutcome
	)
	if cmd.Split != nil {
		split, result = s.prepareSplit(p, cmd)
	} else {
		result = checkWriteCommand(&p.region, cmd)
	}
	next := p.region
	switch {
	case result != nil:
	case split != nil:
		if err := p.region.Epoch.Observe(split.left.Epoch); err != nil {
			return err
		}
		if err := s.writeSplit(b, split); err != nil {
			return err
		}
		next = split.left
	default:
		if err := writeRequests(b, cmd.Requests); err != nil {
			return err
		}
	}
	if err := putRegionState(b, p, next, ent.Index); err != nil {
		return err
	}
	if err := s.engine.commit(b); err != nil {
		return err
	}
	if split != nil && result == nil {
		if err := s.finishSplit(p, split); err != nil {
			return err
		}
	}
	if result != nil {
		p.logger.Debug("command rejected at apply", zap.Uint64("index", ent.Index), zap.Error(result))
	}
	if cmd.Origin == s.opts.StoreID {
		p.finishProposal(cmd.RequestID, result)
	}
	return nil
}

func checkWriteCommand(r *regionpkg.Region, cmd raftCmd) error {
	if cmd.Epoch.Version != r.Epoch.Version {
		return &StaleEpochError{RegionID: r.ID, Current: r.Epoch, Requested: cmd.Epoch}
	}
	for _, req := range cmd.Requests {
		if !r.ContainsKey(req.Key) {
			return fmt.Errorf("%w: key %s region %d", ErrKeyNotInRange, regionpkg.EscapeKey(req.Key), r.ID)
		}
	}
	return nil
}

func writeRequests(b *pebble.Batch, reqs []writeRequest) error {
	for _, req := range reqs {
		var err error
		switch req.Op {
		case opPut:
			err = b.Set(dataKey(req.Key), req.Value, nil)
		case opDelete:
			err = b.Delete(dataKey(req.Key), nil)
		default:
			err = fmt.Errorf("unknown write op %q", req.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyConfChange(p *peer, ent raftpb.Entry) error {
	if len(ent.Data) == 0 {
		return s.persistApplied(p, ent.Index)
	}
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(ent.Data); err != nil {
		return fmt.Errorf("decode conf change: %w", err)
	}
	var cctx confContext
	if len(cc.Context) > 0 {
		if err := json.Unmarshal(cc.Context, &cctx); err != nil {
			return fmt.Errorf("decode conf change context: %w", err)
		}
	}
	cs := p.node.ApplyConfChange(cc)
	if err := p.storage.SetConfState(*cs); err != nil {
		return err
	}

	next := p.region.Clone()
	target := cctx.Peer
	target.ID = cc.NodeID
	changed := false
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		target.Role = regionpkg.Voter
		if cc.Type == raftpb.ConfChangeAddLearnerNode {
			target.Role = regionpkg.Learner
		}
		changed = upsertPeer(&next, target)
	case raftpb.ConfChangeRemoveNode:
		if existing, ok := next.PeerByID(cc.NodeID); ok {
			target = existing
		}
		changed = next.RemovePeer(cc.NodeID)
	}
	if changed {
		next.Epoch.ConfVersion++
	}
	if err := p.region.Epoch.Observe(next.Epoch); err != nil {
		return err
	}

	b := s.engine.newBatch()
	defer b.Close()
	if err := putRegionState(b, p, next, ent.Index); err != nil {
		return err
	}
	if err := s.engine.commit(b); err != nil {
		return err
	}
	p.region = next
	delete(p.peerCache, cc.NodeID)
	if self, ok := next.PeerByID(p.meta.ID); ok {
		p.meta = self
	}
	if cc.Type == raftpb.ConfChangeRemoveNode && cc.NodeID == p.meta.ID {
		p.pendingDestroy = true
	}
	p.logger.Info("applied conf change", zap.Stringer("type", cc.Type), zap.Uint64("node", cc.NodeID),
		zap.Bool("changed", changed), zap.Stringer("epoch", next.Epoch))
	if changed && p.isLeader() {
		s.schedule(pdworker.NewAskChangePeer(cc.Type, next, target))
	}
	if cctx.Origin == s.opts.StoreID {
		p.finishProposal(cctx.RequestID, nil)
	}
	return nil
}

// upsertPeer adds target or updates its role, reporting whether r changed.
func upsertPeer(r *regionpkg.Region, target regionpkg.Peer) bool {
	for i, existing := range r.Peers {
		if existing.ID == target.ID {
			if existing.Role == target.Role {
				return false
			}
			r.Peers[i].Role = target.Role
			return true
		}
	}
	r.Peers = append(r.Peers, target)
	return true
}

func (s *Store) schedule(t pdworker.Task) {
	if err := s.scheduler.Schedule(t); err != nil {
		s.logger.Warn("schedule pd task", zap.Stringer("task", t), zap.Error(err))
	}
}

type splitOutcome struct {
	splitKey  []byte
	left      regionpkg.Region
	right     regionpkg.Region
	rightPeer regionpkg.Peer
	// createRight is false when the right peer already exists initialized
	// or was tombstoned on this store.
	createRight bool
	keepData    bool
	replace     *peer
	storage     *raftstorage.Storage
}

// validateSplit checks a split of r at key into a region with the given
// ids and returns both halves.
func validateSplit(r *regionpkg.Region, req *splitRequest) (left, right regionpkg.Region, err error) {
	key := req.SplitKey
	if len(key) == 0 || !r.ContainsKey(key) || bytes.Equal(key, r.Range.Start) {
		return left, right, fmt.Errorf("%w: key %s not inside region %d", ErrInvalidSplit, regionpkg.EscapeKey(key), r.ID)
	}
	if req.NewRegionID == 0 || req.NewRegionID == r.ID {
		return left, right, fmt.Errorf("%w: bad new region id %d", ErrInvalidSplit, req.NewRegionID)
	}
	if len(req.NewPeerIDs) != len(r.Peers) {
		return left, right, fmt.Errorf("%w: %d peer ids for %d peers", ErrInvalidSplit, len(req.NewPeerIDs), len(r.Peers))
	}
	left, right = r.Clone(), r.Clone()
	left.Range.End = append([]byte(nil), key...)
	left.Epoch.Version++
	right.ID = req.NewRegionID
	right.Range.Start = append([]byte(nil), key...)
	right.Epoch.Version = left.Epoch.Version
	right.Leader = 0
	for i := range right.Peers {
		right.Peers[i].ID = req.NewPeerIDs[i]
	}
	if err := right.Validate(); err != nil {
		return left, right, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}
	return left, right, nil
}

func (s *Store) prepareSplit(p *peer, cmd raftCmd) (*splitOutcome, error) {
	if !cmd.Epoch.Equal(p.region.Epoch) {
		return nil, &StaleEpochError{RegionID: p.id(), Current: p.region.Epoch, Requested: cmd.Epoch}
	}
	left, right, err := validateSplit(&p.region, cmd.Split)
	if err != nil {
		return nil, err
	}
	out := &splitOutcome{splitKey: append([]byte(nil), cmd.Split.SplitKey...), left: left, right: right}
	out.rightPeer, out.createRight = right.FindPeer(s.opts.StoreID)
	if existing := s.peers[right.ID]; existing != nil {
		if existing.initialized {
			out.createRight, out.keepData = false, true
		} else {
			out.replace = existing
		}
	}
	s.viewMu.RLock()
	ts, tombstoned := s.tombstones[right.ID]
	s.viewMu.RUnlock()
	if tombstoned && ts.PeerID >= out.rightPeer.ID {
		out.createRight = false
	}
	if !out.createRight {
		out.replace = nil
	}
	return out, nil
}

// writeSplit stages the right half of a split in b and prepares its raft
// storage.
func (s *Store) writeSplit(b *pebble.Batch, out *splitOutcome) error {
	if !out.createRight {
		if out.keepData {
			return nil
		}
		lower, upper := dataBounds(out.right.Range)
		return b.DeleteRange(lower, upper, nil)
	}
	var hs raftpb.HardState
	if out.replace != nil {
		hs, _, _ = out.replace.storage.InitialState()
		if err := out.replace.storage.Destroy(); err != nil {
			return err
		}
	}
	storage, err := s.bootstrapRaftStorage(out.right, hs)
	if err != nil {
		return err
	}
	out.storage = storage
	return putJSON(b, regionStateKey(out.right.ID), regionLocalState{
		Region:       out.right,
		PeerID:       out.rightPeer.ID,
		AppliedIndex: raftInitIndex,
	})
}

func (s *Store) finishSplit(p *peer, out *splitOutcome) error {
	p.region = out.left
	leader := p.isLeader()
	s.publish(p)
	if out.replace != nil {
		delete(s.peers, out.right.ID)
		out.replace.failProposals(0, ErrPeerDestroyed)
	}
	if out.createRight {
		rp, err := s.newPeer(out.right, out.rightPeer, true, out.storage, raftInitIndex)
		if err != nil {
			return fmt.Errorf("create split region %d: %w", out.right.ID, err)
		}
		s.peers[out.right.ID] = rp
		s.publish(rp)
		if leader {
			if err := rp.node.Campaign(); err != nil {
				rp.logger.Warn("campaign after split", zap.Error(err))
			}
		}
	}
	p.logger.Info("applied split", zap.String("key", regionpkg.EscapeKey(out.splitKey)),
		zap.Stringer("left", &out.left), zap.Stringer("right", &out.right), zap.Bool("created", out.createRight))
	if leader {
		s.schedule(pdworker.NewAskSplit(p.id(), out.right, out.splitKey, p.meta))
	}
	return nil
}

// bootstrapRaftStorage creates the raft state of a new region at the
// initial snapshot, keeping any term and vote of an earlier uninitialized
// incarnation.
func (s *Store) bootstrapRaftStorage(r regionpkg.Region, prev raftpb.HardState) (*raftstorage.Storage, error) {
	dir := s.raftDir(r.ID)
	if raftstorage.Exists(dir) {
		old, err := raftstorage.New(dir, raftstorage.Options{})
		if err != nil {
			return nil, err
		}
		if err := old.Destroy(); err != nil {
			return nil, err
		}
	}
	storage, err := raftstorage.New(dir, raftstorage.Options{Sync: s.opts.SyncLog})
	if err != nil {
		return nil, err
	}
	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
		Index:     raftInitIndex,
		Term:      raftInitTerm,
		ConfState: confStateOf(r),
	}}
	if err := storage.ApplySnapshot(snap); err != nil {
		return nil, err
	}
	hs := raftpb.HardState{Term: raftInitTerm, Commit: raftInitIndex}
	if prev.Term > raftInitTerm {
		hs.Term, hs.Vote = prev.Term, prev.Vote
	}
	if err := storage.SetHardState(hs); err != nil {
		return nil, err
	}
	return storage, nil
}

func confStateOf(r regionpkg.Region) raftpb.ConfState {
	var cs raftpb.ConfState
	for _, p := range r.Peers {
		if p.Role == regionpkg.Learner {
			cs.Learners = append(cs.Learners, p.ID)
		} else {
			cs.Voters = append(cs.Voters, p.ID)
		}
	}
	return cs
}
