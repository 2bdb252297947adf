package raftstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxstore/internal/pd"
	raftnet "nyxstore/internal/raft"
	api "nyxstore/pkg/api"
)

// handleReady persists, sends and applies one raft Ready of p.
func (s *Store) handleReady(p *peer) {
	rd := p.node.Ready()
	if rd.SoftState != nil {
		p.onSoftState(rd.SoftState, time.Now())
	}
	if !raft.IsEmptyHardState(rd.HardState) && rd.HardState.Term > p.term {
		p.term = rd.HardState.Term
		p.failProposals(p.term, ErrProposalDropped)
	}
	if !raft.IsEmptyHardState(rd.HardState) || len(rd.Entries) > 0 || !raft.IsEmptySnap(rd.Snapshot) {
		if err := p.storage.Save(rd.HardState, rd.Entries, rd.Snapshot); err != nil {
			s.abortPeer(p, fmt.Errorf("persist raft state: %w", err))
			return
		}
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := s.applySnapshot(p, rd.Snapshot); err != nil {
			s.abortPeer(p, err)
			return
		}
	}
	s.sendMessages(p, rd.Messages)
	if err := s.applyEntries(p, rd.CommittedEntries); err != nil {
		s.abortPeer(p, err)
		return
	}
	p.node.Advance(rd)

	if p.pendingDestroy {
		s.destroyPeer(p, "removed by conf change")
		return
	}
	s.maybeCompactLog(p)
	s.publish(p)
}

func (s *Store) sendMessages(p *peer, msgs []raftpb.Message) {
	for _, m := range msgs {
		to, ok := p.resolve(m.To)
		if !ok {
			p.logger.Debug("drop message to unknown peer", zap.Uint64("to", m.To), zap.Stringer("type", m.Type))
			p.node.ReportUnreachable(m.To)
			continue
		}
		data, err := m.Marshal()
		if err != nil {
			p.logger.Error("marshal raft message", zap.Error(err))
			continue
		}
		msg := &api.RaftMessage{
			RegionID:    uint64(p.id()),
			FromPeer:    *pd.PeerToProto(p.meta),
			ToPeer:      *pd.PeerToProto(to),
			RegionEpoch: pd.EpochToProto(p.region.Epoch),
			Message:     data,
		}
		err = s.transport.Send(msg)
		if err != nil {
			if errors.Is(err, raftnet.ErrStoreUnreachable) || errors.Is(err, raftnet.ErrDropped) {
				p.node.ReportUnreachable(m.To)
			}
			p.logger.Debug("send raft message", zap.Uint64("to", m.To), zap.Stringer("type", m.Type), zap.Error(err))
		}
		if m.Type == raftpb.MsgSnap {
			status := raft.SnapshotFinish
			if err != nil {
				status = raft.SnapshotFailure
			}
			p.node.ReportSnapshot(m.To, status)
		}
	}
}

// applySnapshot installs the region state and data carried by snap.
func (s *Store) applySnapshot(p *peer, snap raftpb.Snapshot) error {
	var data snapshotData
	if err := json.Unmarshal(snap.Data, &data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if p.initialized {
		if err := p.region.Epoch.Observe(data.Region.Epoch); err != nil {
			return err
		}
	}
	b := s.engine.newBatch()
	defer b.Close()
	if p.initialized {
		lower, upper := dataBounds(p.region.Range)
		if err := b.DeleteRange(lower, upper, nil); err != nil {
			return err
		}
	}
	lower, upper := dataBounds(data.Region.Range)
	if err := b.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	for _, kv := range data.Data {
		if err := b.Set(dataKey(kv.Key), kv.Value, nil); err != nil {
			return err
		}
	}
	if meta, ok := data.Region.PeerByID(p.meta.ID); ok {
		p.meta = meta
	}
	state := regionLocalState{Region: data.Region, PeerID: p.meta.ID, AppliedIndex: snap.Metadata.Index}
	if err := putJSON(b, regionStateKey(p.id()), state); err != nil {
		return err
	}
	if err := s.engine.commitSync(b); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	p.region = data.Region
	p.initialized = true
	p.applied = snap.Metadata.Index
	for id := range p.peerCache {
		if _, ok := p.region.PeerByID(id); ok {
			delete(p.peerCache, id)
		}
	}
	s.counters.snapshotsApplied.Add(1)
	p.logger.Info("applied snapshot", zap.Uint64("index", snap.Metadata.Index), zap.Stringer("region", &p.region))
	return nil
}

// maybeCompactLog truncates the raft log up to the applied index once it
// grows past the threshold.
func (s *Store) maybeCompactLog(p *peer) {
	if !p.initialized {
		return
	}
	first, err := p.storage.FirstIndex()
	if err != nil || p.applied < first || p.applied-first+1 <= s.opts.RaftLogGCThreshold {
		return
	}
	cs := p.storage.ConfState()
	if _, err := p.storage.CreateSnapshot(p.applied, nil, &cs); err != nil {
		p.logger.Debug("mark raft log snapshot", zap.Error(err))
		return
	}
	if err := p.storage.Compact(p.applied); err != nil {
		p.logger.Debug("compact raft log", zap.Error(err))
		return
	}
	p.logger.Debug("compacted raft log", zap.Uint64("index", p.applied))
}

// abortPeer parks a region after an invariant violation or storage failure.
// The rest of the store keeps running.
func (s *Store) abortPeer(p *peer, err error) {
	p.aborted = true
	p.logger.Error("region aborted", zap.Error(err))
	p.failProposals(0, fmt.Errorf("%w: %v", ErrRegionAborted, err))
	s.publish(p)
}

// destroyPeer removes the local replica and writes its tombstone marker.
func (s *Store) destroyPeer(p *peer, reason string) {
	id := p.id()
	p.logger.Info("destroying peer", zap.String("reason", reason), zap.Stringer("epoch", p.region.Epoch))
	b := s.engine.newBatch()
	defer b.Close()
	if p.initialized {
		s.viewMu.RLock()
		other, overlap := s.overlappingLocked(p.region.Range, id)
		s.viewMu.RUnlock()
		if overlap {
			p.logger.Warn("keep data shared with another region", zap.Uint64("other", uint64(other)))
		} else {
			lower, upper := dataBounds(p.region.Range)
			if err := b.DeleteRange(lower, upper, nil); err != nil {
				s.abortPeer(p, err)
				return
			}
		}
	}
	tomb := tombstoneState{RegionID: id, PeerID: p.meta.ID, Epoch: p.region.Epoch}
	s.viewMu.RLock()
	if prev, ok := s.tombstones[id]; ok && prev.PeerID > tomb.PeerID {
		tomb.PeerID = prev.PeerID
	}
	s.viewMu.RUnlock()
	err := b.Delete(regionStateKey(id), nil)
	if err == nil {
		err = putJSON(b, tombstoneKey(id), tomb)
	}
	if err == nil {
		err = s.engine.commitSync(b)
	}
	if err != nil {
		s.abortPeer(p, fmt.Errorf("write tombstone: %w", err))
		return
	}
	if err := p.storage.Destroy(); err != nil {
		p.logger.Warn("remove raft state", zap.Error(err))
	}
	delete(s.peers, id)
	p.failProposals(0, ErrPeerDestroyed)

	s.viewMu.Lock()
	s.setViewLocked(id, nil)
	s.tombstones[id] = tomb
	s.viewMu.Unlock()
	s.counters.destroyed.Add(1)
}
