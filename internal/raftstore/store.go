// Package raftstore hosts the raft replicas of many regions on one store
// and enforces the region epoch and tombstone rules on every message that
// reaches them.
package raftstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/lthibault/jitterbug"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxstore/internal/pd"
	"nyxstore/internal/pdworker"
	raftnet "nyxstore/internal/raft"
	"nyxstore/internal/raftstorage"
	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

const maxReadyRounds = 3

type inboundMessage struct {
	msg  *api.RaftMessage
	raft raftpb.Message
}

type rangeItem struct {
	start []byte
	id    regionpkg.ID
}

func rangeItemLess(a, b rangeItem) bool {
	if c := bytes.Compare(a.start, b.start); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

// Store hosts the local peers of many regions. A single loop goroutine owns
// every raft node; other goroutines read the published views.
type Store struct {
	opts       Options
	logger     *zap.Logger
	raftLogger raft.Logger
	engine     *engine
	transport  raftnet.Transport
	pd         *pd.Shared
	scheduler  pdworker.Scheduler

	// owned by the loop
	peers      map[regionpkg.ID]*peer
	requestSeq uint64

	viewMu     sync.RWMutex
	views      map[regionpkg.ID]*peerView
	tombstones map[regionpkg.ID]tombstoneState
	ranges     *btree.BTreeG[rangeItem]

	inbox    chan inboundMessage
	tasks    chan func()
	refreshC chan refreshResult

	refreshMu       sync.Mutex
	refreshInFlight map[regionpkg.ID]bool
	refreshLast     map[regionpkg.ID]time.Time
	refreshClosed   bool
	refreshWG       sync.WaitGroup

	lifeMu  sync.Mutex
	started bool
	stopped bool
	stopC   chan struct{}
	doneC   chan struct{}

	counters counters
}

// NewStore opens the engine under opts.DataDir and recovers every region
// and tombstone persisted there. Authority lookups go through client and
// authority reports are handed to scheduler.
func NewStore(opts Options, transport raftnet.Transport, client *pd.Shared, scheduler pdworker.Scheduler) (*Store, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if transport == nil || client == nil || scheduler == nil {
		return nil, fmt.Errorf("raftstore: transport, pd client and scheduler are required")
	}
	logger := opts.Logger.With(zap.Uint64("store", opts.StoreID))
	eng, err := openEngine(opts.DataDir, opts.SyncLog, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{
		opts:            opts,
		logger:          logger,
		raftLogger:      newRaftLogger(logger),
		engine:          eng,
		transport:       transport,
		pd:              client,
		scheduler:       scheduler,
		peers:           make(map[regionpkg.ID]*peer),
		views:           make(map[regionpkg.ID]*peerView),
		ranges:          btree.NewG(16, rangeItemLess),
		inbox:           make(chan inboundMessage, opts.InboxSize),
		tasks:           make(chan func()),
		refreshC:        make(chan refreshResult, 64),
		refreshInFlight: make(map[regionpkg.ID]bool),
		refreshLast:     make(map[regionpkg.ID]time.Time),
		stopC:           make(chan struct{}),
		doneC:           make(chan struct{}),
	}
	if err := s.recover(); err != nil {
		_ = eng.close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	tombstones, err := s.engine.loadTombstones()
	if err != nil {
		return err
	}
	s.tombstones = tombstones
	states, err := s.engine.loadRegionStates()
	if err != nil {
		return err
	}
	for _, st := range states {
		storage, err := raftstorage.New(s.raftDir(st.Region.ID), raftstorage.Options{Sync: s.opts.SyncLog})
		if err != nil {
			return err
		}
		hs, _, _ := storage.InitialState()
		first, _ := storage.FirstIndex()
		applied := st.AppliedIndex
		if applied > hs.Commit {
			applied = hs.Commit
		}
		if applied < first-1 {
			applied = first - 1
		}
		meta, ok := st.Region.PeerByID(st.PeerID)
		if !ok {
			meta = regionpkg.Peer{ID: st.PeerID, StoreID: s.opts.StoreID}
		}
		p, err := s.newPeer(st.Region, meta, true, storage, applied)
		if err != nil {
			return fmt.Errorf("recover region %d: %w", st.Region.ID, err)
		}
		s.peers[p.id()] = p
		s.publish(p)
	}
	s.logger.Info("store recovered", zap.Int("regions", len(states)), zap.Int("tombstones", len(tombstones)))
	return nil
}

func (s *Store) raftDir(id regionpkg.ID) string {
	return filepath.Join(s.opts.DataDir, raftDirName, strconv.FormatUint(uint64(id), 10))
}

func (s *Store) newPeer(r regionpkg.Region, meta regionpkg.Peer, initialized bool, storage *raftstorage.Storage, applied uint64) (*peer, error) {
	p := &peer{
		logger:             s.logger.With(zap.Uint64("region", uint64(r.ID)), zap.Uint64("peer", meta.ID)),
		meta:               meta,
		region:             r,
		initialized:        initialized,
		applied:            applied,
		leaderMissingSince: time.Now(),
		peerCache:          make(map[uint64]regionpkg.Peer),
		proposals:          make(map[uint64]*proposal),
	}
	p.storage = &peerStorage{Storage: storage, peer: p, engine: s.engine}
	hs, _, err := storage.InitialState()
	if err != nil {
		return nil, err
	}
	p.term = hs.Term
	node, err := raft.NewRawNode(&raft.Config{
		ID:              meta.ID,
		ElectionTick:    s.opts.ElectionTick,
		HeartbeatTick:   s.opts.HeartbeatTick,
		Storage:         p.storage,
		Applied:         applied,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          s.raftLogger,
	})
	if err != nil {
		return nil, err
	}
	p.node = node
	return p, nil
}

// Start launches the store loop.
func (s *Store) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop halts the loop, fails pending proposals and closes the engine.
func (s *Store) Stop() error {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return nil
	}
	s.stopped = true
	running := s.started
	close(s.stopC)
	s.lifeMu.Unlock()
	if running {
		<-s.doneC
	}

	s.refreshMu.Lock()
	s.refreshClosed = true
	s.refreshMu.Unlock()
	s.refreshWG.Wait()

	for _, p := range s.peers {
		p.failProposals(0, ErrStoreStopped)
	}
	s.logger.Info("store stopped")
	return s.engine.close()
}

func (s *Store) isStopped() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

// do runs fn on the loop goroutine, or inline while the loop is not yet
// running.
func (s *Store) do(ctx context.Context, fn func() error) error {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return ErrStoreStopped
	}
	if !s.started {
		defer s.lifeMu.Unlock()
		return fn()
	}
	s.lifeMu.Unlock()

	errC := make(chan error, 1)
	select {
	case s.tasks <- func() { errC <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopC:
		return ErrStoreStopped
	}
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopC:
		return ErrStoreStopped
	}
}

func (s *Store) run() {
	defer close(s.doneC)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	heartbeat := jitterbug.New(s.opts.StoreHeartbeatInterval, &jitterbug.Norm{Stdev: s.opts.StoreHeartbeatInterval / 10})
	defer heartbeat.Stop()

	s.reportStore()
	for {
		select {
		case <-s.stopC:
			return
		case in := <-s.inbox:
			s.onRaftMessage(in)
		case fn := <-s.tasks:
			fn()
		case res := <-s.refreshC:
			s.onRefresh(res)
		case now := <-ticker.C:
			s.onTick(now)
		case <-heartbeat.C:
			s.reportStore()
		}
		s.processReady()
	}
}

func (s *Store) processReady() {
	for round := 0; round < maxReadyRounds; round++ {
		progressed := false
		for _, p := range s.peers {
			if p.aborted || !p.node.HasReady() {
				continue
			}
			s.handleReady(p)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (s *Store) onTick(now time.Time) {
	for _, p := range s.peers {
		if p.aborted {
			continue
		}
		p.node.Tick()
		p.sweepProposals(now)
		if p.initialized && p.leaderID == 0 && now.Sub(p.leaderMissingSince) >= s.opts.MaxLeaderMissing {
			p.logger.Info("leader missing, refreshing region", zap.Duration("since", now.Sub(p.leaderMissingSince)))
			s.requestRefresh(p.id())
			p.leaderMissingSince = now
		}
	}
}

// reportStore schedules a heartbeat carrying the current store statistics.
func (s *Store) reportStore() {
	st := regionpkg.Store{
		ID:       s.opts.StoreID,
		Address:  s.opts.Address,
		Capacity: s.opts.Capacity,
		Labels:   s.opts.Labels,
	}
	if usage := s.engine.diskUsage(); st.Capacity > usage {
		st.Available = st.Capacity - usage
	}
	for _, p := range s.peers {
		if p.initialized {
			st.RegionCount++
		}
	}
	if err := s.scheduler.Schedule(pdworker.NewHeartbeat(st)); err != nil {
		s.logger.Warn("schedule store heartbeat", zap.Error(err))
	}
}

// HandleRaftMessage admits a message from another store. Rejections are
// decided here against the published view and returned to the sender;
// admitted messages are queued for the loop, which checks them again.
func (s *Store) HandleRaftMessage(ctx context.Context, msg *api.RaftMessage) error {
	if s.isStopped() {
		return ErrStoreStopped
	}
	var m raftpb.Message
	if !msg.IsTombstone {
		if err := m.Unmarshal(msg.Message); err != nil {
			return fmt.Errorf("decode raft message for region %d: %w", msg.RegionID, err)
		}
	}
	s.viewMu.RLock()
	res := s.checkLocked(msg, m.Type)
	s.viewMu.RUnlock()
	s.counters.verdicts[res.verdict].Add(1)

	id := regionpkg.ID(msg.RegionID)
	if res.refresh {
		s.requestRefresh(id)
	}
	switch res.verdict {
	case verdictRegionNotFound:
		s.logger.Debug("reject raft message", zap.Uint64("region", msg.RegionID),
			zap.Uint64("to_peer", msg.ToPeer.ID), zap.String("reason", res.reason), zap.Stringer("type", m.Type))
		return &RegionNotFoundError{RegionID: id}
	case verdictStaleEpoch:
		if res.notifySender {
			s.sendTombstoneNotice(msg, res.localEpoch)
		}
		return &StaleEpochError{RegionID: id, Current: res.localEpoch, Requested: pd.ProtoToEpoch(msg.RegionEpoch)}
	case verdictRefresh, verdictIgnore:
		return nil
	case verdictTombstone:
		if err := s.enqueue(inboundMessage{msg: msg, raft: m}); err != nil {
			return err
		}
		if msg.IsTombstone {
			return nil
		}
		return &RegionNotFoundError{RegionID: id}
	}
	return s.enqueue(inboundMessage{msg: msg, raft: m})
}

func (s *Store) enqueue(in inboundMessage) error {
	select {
	case s.inbox <- in:
		return nil
	default:
		s.counters.dropped.Add(1)
		return ErrStoreBusy
	}
}

func (s *Store) checkLocked(msg *api.RaftMessage, t raftpb.MessageType) checkResult {
	id := regionpkg.ID(msg.RegionID)
	var tomb *tombstoneState
	if ts, ok := s.tombstones[id]; ok {
		tomb = &ts
	}
	return checkRaftMessage(s.opts.StoreID, s.views[id], tomb, msg, t)
}

// sendTombstoneNotice tells a stale sender that it is no longer a member,
// stamped with the local epoch.
func (s *Store) sendTombstoneNotice(msg *api.RaftMessage, local regionpkg.Epoch) {
	notice := &api.RaftMessage{
		RegionID:    msg.RegionID,
		FromPeer:    msg.ToPeer,
		ToPeer:      msg.FromPeer,
		RegionEpoch: pd.EpochToProto(local),
		IsTombstone: true,
	}
	if err := s.transport.Send(notice); err != nil {
		s.logger.Debug("send tombstone notice", zap.Uint64("region", msg.RegionID),
			zap.Uint64("to_store", msg.FromPeer.StoreID), zap.Error(err))
	}
}

func (s *Store) onRaftMessage(in inboundMessage) {
	id := regionpkg.ID(in.msg.RegionID)
	s.viewMu.RLock()
	res := s.checkLocked(in.msg, in.raft.Type)
	s.viewMu.RUnlock()

	switch res.verdict {
	case verdictAccept:
	case verdictCreatePeer:
		if err := s.createPeer(in.msg); err != nil {
			s.logger.Warn("create peer", zap.Uint64("region", uint64(id)), zap.Error(err))
			return
		}
	case verdictTombstone:
		if p := s.peers[id]; p != nil {
			s.destroyPeer(p, res.reason)
		}
		return
	default:
		return
	}

	p := s.peers[id]
	if p == nil || p.aborted {
		return
	}
	from := pd.ProtoToPeer(&in.msg.FromPeer)
	if _, ok := p.region.PeerByID(from.ID); !ok && from.ID != 0 {
		p.peerCache[from.ID] = from
	}
	if in.raft.Type == raftpb.MsgSnap && !s.acceptSnapshot(p, in.raft) {
		return
	}
	if err := p.node.Step(in.raft); err != nil {
		p.logger.Debug("step raft message", zap.Stringer("type", in.raft.Type), zap.Error(err))
	}
}

// createPeer creates an uninitialized peer for a message from a leader this
// store has no replica for. It gets its state through a snapshot.
func (s *Store) createPeer(msg *api.RaftMessage) error {
	id := regionpkg.ID(msg.RegionID)
	if old := s.peers[id]; old != nil {
		if old.initialized {
			return fmt.Errorf("%w: region %d", ErrRegionExists, id)
		}
		old.logger.Info("replacing uninitialized peer", zap.Uint64("new_peer", msg.ToPeer.ID))
		old.failProposals(0, ErrPeerDestroyed)
		delete(s.peers, id)
		if err := old.storage.Destroy(); err != nil {
			return err
		}
	}
	storage, err := raftstorage.New(s.raftDir(id), raftstorage.Options{Sync: s.opts.SyncLog})
	if err != nil {
		return err
	}
	p, err := s.newPeer(regionpkg.Region{ID: id}, pd.ProtoToPeer(&msg.ToPeer), false, storage, 0)
	if err != nil {
		return err
	}
	p.logger.Info("created uninitialized peer", zap.Uint64("from_peer", msg.FromPeer.ID))
	s.peers[id] = p
	s.publish(p)
	return nil
}

// acceptSnapshot rejects snapshots whose range would overlap another local
// region; the leader retries once the overlap is resolved.
func (s *Store) acceptSnapshot(p *peer, m raftpb.Message) bool {
	var snap snapshotData
	if err := json.Unmarshal(m.Snapshot.Data, &snap); err != nil {
		p.logger.Warn("decode snapshot", zap.Error(err))
		return false
	}
	if snap.Region.ID != p.id() {
		return false
	}
	if p.initialized && snap.Region.Epoch.IsStale(p.region.Epoch) {
		return false
	}
	s.viewMu.RLock()
	other, overlap := s.overlappingLocked(snap.Region.Range, p.id())
	s.viewMu.RUnlock()
	if overlap {
		p.logger.Info("drop snapshot overlapping local region", zap.Uint64("other", uint64(other)))
		return false
	}
	return true
}

func (s *Store) publish(p *peer) {
	v := p.view()
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	s.setViewLocked(p.id(), v)
}

func (s *Store) setViewLocked(id regionpkg.ID, v *peerView) {
	if old := s.views[id]; old != nil && old.initialized {
		s.ranges.Delete(rangeItem{start: old.region.Range.Start, id: id})
	}
	if v == nil {
		delete(s.views, id)
		return
	}
	s.views[id] = v
	if v.initialized {
		s.ranges.ReplaceOrInsert(rangeItem{start: v.region.Range.Start, id: id})
	}
}

// overlappingLocked returns an initialized local region other than exclude
// whose range overlaps r.
func (s *Store) overlappingLocked(r regionpkg.KeyRange, exclude regionpkg.ID) (regionpkg.ID, bool) {
	var (
		found regionpkg.ID
		ok    bool
	)
	check := func(it rangeItem) bool {
		if it.id == exclude {
			return true
		}
		if v := s.views[it.id]; v != nil && v.region.Range.Overlaps(r) {
			found, ok = it.id, true
		}
		return false
	}
	s.ranges.DescendLessOrEqual(rangeItem{start: r.Start, id: math.MaxUint64}, check)
	if ok {
		return found, true
	}
	s.ranges.AscendGreaterOrEqual(rangeItem{start: r.Start}, func(it rangeItem) bool {
		if len(r.End) > 0 && bytes.Compare(it.start, r.End) >= 0 {
			return false
		}
		if it.id == exclude {
			return true
		}
		if v := s.views[it.id]; v != nil && v.region.Range.Overlaps(r) {
			found, ok = it.id, true
			return false
		}
		return true
	})
	return found, ok
}

// RegionByKey returns the local region whose range holds key.
func (s *Store) RegionByKey(key []byte) (regionpkg.Region, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	var (
		out regionpkg.Region
		ok  bool
	)
	s.ranges.DescendLessOrEqual(rangeItem{start: key, id: math.MaxUint64}, func(it rangeItem) bool {
		if v := s.views[it.id]; v != nil && v.region.ContainsKey(key) {
			out, ok = v.region.Clone(), true
		}
		return false
	})
	return out, ok
}

// Region returns the local view of a region.
func (s *Store) Region(id regionpkg.ID) (regionpkg.Region, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	v := s.views[id]
	if v == nil || !v.initialized {
		return regionpkg.Region{}, false
	}
	return v.region.Clone(), true
}

// Tombstone returns the tombstone marker of a region, if any.
func (s *Store) Tombstone(id regionpkg.ID) (peerID uint64, epoch regionpkg.Epoch, ok bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	ts, ok := s.tombstones[id]
	return ts.PeerID, ts.Epoch, ok
}

// Get reads key straight from the local engine, regardless of which region
// owns it. A missing key yields nil.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.engine.get(dataKey(key))
}

// StoreID returns the id of the store.
func (s *Store) StoreID() uint64 { return s.opts.StoreID }
