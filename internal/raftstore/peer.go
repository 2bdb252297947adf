package raftstore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxstore/internal/raftstorage"
	regionpkg "nyxstore/internal/region"
)

// proposal is a client waiting for its command to be applied locally.
type proposal struct {
	term     uint64
	deadline time.Time
	done     chan error
}

// peer is the local replica of one region. All fields are owned by the
// store loop.
type peer struct {
	logger *zap.Logger

	meta        regionpkg.Peer
	region      regionpkg.Region
	initialized bool
	aborted     bool

	storage *peerStorage
	node    *raft.RawNode

	applied  uint64
	term     uint64
	leaderID uint64
	// leaderMissingSince is zero while a leader is known.
	leaderMissingSince time.Time
	// pendingDestroy is set when the peer applied its own removal.
	pendingDestroy bool

	// peerCache remembers senders not (yet) listed in the local region,
	// such as the leader of a region this peer has no snapshot for.
	peerCache map[uint64]regionpkg.Peer

	proposals map[uint64]*proposal
	// confChangeRequest is the request id of the in-flight conf change.
	confChangeRequest uint64
}

// peerStorage serves raft snapshots generated from the applied state
// instead of the stored snapshot marker.
type peerStorage struct {
	*raftstorage.Storage
	peer   *peer
	engine *engine
}

func (ps *peerStorage) Snapshot() (raftpb.Snapshot, error) {
	p := ps.peer
	if !p.initialized {
		return ps.Storage.Snapshot()
	}
	term, err := ps.Term(p.applied)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	data, err := ps.snapshotData(p.region)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	return raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     p.applied,
			Term:      term,
			ConfState: ps.ConfState(),
		},
	}, nil
}

func (ps *peerStorage) snapshotData(r regionpkg.Region) ([]byte, error) {
	snap := snapshotData{Region: r.Clone()}
	lower, upper := dataBounds(r.Range)
	err := ps.engine.scan(lower, upper, func(key, value []byte) error {
		snap.Data = append(snap.Data, kvPair{Key: userKey(key), Value: append([]byte(nil), value...)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan region %d: %w", r.ID, err)
	}
	return json.Marshal(snap)
}

func (p *peer) id() regionpkg.ID { return p.region.ID }

func (p *peer) isLeader() bool {
	return p.node.BasicStatus().RaftState == raft.StateLeader
}

// resolve maps a raft node id onto the peer it belongs to.
func (p *peer) resolve(id uint64) (regionpkg.Peer, bool) {
	if pr, ok := p.region.PeerByID(id); ok {
		return pr, true
	}
	pr, ok := p.peerCache[id]
	return pr, ok
}

func (p *peer) leaderPeer() *regionpkg.Peer {
	if p.leaderID == 0 {
		return nil
	}
	if pr, ok := p.resolve(p.leaderID); ok {
		return &pr
	}
	return nil
}

func (p *peer) view() *peerView {
	r := p.region.Clone()
	r.Leader = p.leaderID
	return &peerView{
		peer:        p.meta,
		region:      r,
		initialized: p.initialized,
		leader:      p.leaderID,
		aborted:     p.aborted,
	}
}

func (p *peer) addProposal(requestID uint64, deadline time.Time) chan error {
	done := make(chan error, 1)
	p.proposals[requestID] = &proposal{term: p.term, deadline: deadline, done: done}
	return done
}

func (p *peer) finishProposal(requestID uint64, err error) {
	prop, ok := p.proposals[requestID]
	if !ok {
		return
	}
	delete(p.proposals, requestID)
	if p.confChangeRequest == requestID {
		p.confChangeRequest = 0
	}
	prop.done <- err
}

// failProposals fails every waiter proposed before term. A zero term fails
// all of them.
func (p *peer) failProposals(term uint64, err error) {
	for id, prop := range p.proposals {
		if term == 0 || prop.term < term {
			p.finishProposal(id, err)
		}
	}
}

func (p *peer) sweepProposals(now time.Time) {
	for id, prop := range p.proposals {
		if !prop.deadline.IsZero() && now.After(prop.deadline) {
			p.finishProposal(id, ErrProposalDropped)
		}
	}
}

func (p *peer) onSoftState(ss *raft.SoftState, now time.Time) {
	if ss.Lead == p.leaderID {
		return
	}
	p.logger.Debug("leader changed", zap.Uint64("from", p.leaderID), zap.Uint64("to", ss.Lead))
	p.leaderID = ss.Lead
	if ss.Lead == 0 {
		p.leaderMissingSince = now
	} else {
		p.leaderMissingSince = time.Time{}
	}
}
