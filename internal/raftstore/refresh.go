package raftstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	regionpkg "nyxstore/internal/region"
)

type refreshResult struct {
	id     regionpkg.ID
	region *regionpkg.Region
	err    error
}

// requestRefresh looks the region up at the authority in the background.
// At most one lookup per region is in flight, and lookups for a region are
// spaced by RefreshInterval.
func (s *Store) requestRefresh(id regionpkg.ID) {
	now := time.Now()
	s.refreshMu.Lock()
	if s.refreshClosed || s.refreshInFlight[id] || now.Sub(s.refreshLast[id]) < s.opts.RefreshInterval {
		s.refreshMu.Unlock()
		return
	}
	s.refreshInFlight[id] = true
	s.refreshLast[id] = now
	s.refreshWG.Add(1)
	s.refreshMu.Unlock()

	go func() {
		defer s.refreshWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RefreshTimeout)
		r, err := s.pd.GetRegionByID(ctx, id)
		cancel()

		s.refreshMu.Lock()
		delete(s.refreshInFlight, id)
		s.refreshMu.Unlock()
		s.counters.refreshes.Add(1)
		select {
		case s.refreshC <- refreshResult{id: id, region: r, err: err}:
		case <-s.stopC:
		}
	}()
}

// onRefresh destroys the local peer when the authority shows it was
// removed by a later membership change.
func (s *Store) onRefresh(res refreshResult) {
	if res.err != nil {
		s.logger.Debug("refresh region", zap.Uint64("region", uint64(res.id)), zap.Error(res.err))
		return
	}
	p := s.peers[res.id]
	if p == nil || !p.initialized || p.aborted || res.region == nil {
		return
	}
	auth := res.region
	if _, ok := auth.PeerByID(p.meta.ID); ok {
		return
	}
	if auth.Epoch.ConfVersion > p.region.Epoch.ConfVersion {
		s.destroyPeer(p, "removed according to pd")
	}
}
