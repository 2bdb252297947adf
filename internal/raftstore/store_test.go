package raftstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxstore/internal/pd"
	"nyxstore/internal/pdworker"
	raftnet "nyxstore/internal/raft"
	"nyxstore/internal/raftstore"
	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

func waitLeader(t *testing.T, c *testCluster, storeID uint64, id regionpkg.ID) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp := c.status(storeID, id, nil)
		return resp.Header.Error == nil && resp.HasRegionLeader()
	}, waitFor, tick)
}

func TestSingleStoreReadWrite(t *testing.T) {
	c := newTestCluster(t, 1)
	c.bootstrap()
	waitLeader(t, c, 1, 1)
	s := c.stores[1]
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, 1, []byte("k"), []byte("v")))
	require.Equal(t, []byte("v"), c.get(1, "k"))
	require.NoError(t, s.Delete(ctx, 1, []byte("k")))
	require.Nil(t, c.get(1, "k"))

	r, ok := s.RegionByKey([]byte("anything"))
	require.True(t, ok)
	require.Equal(t, regionpkg.ID(1), r.ID)

	_, err := s.Get([]byte("missing"))
	require.NoError(t, err)
}

func TestStatusHeaderChecks(t *testing.T) {
	c := newTestCluster(t, 1)
	c.bootstrap()
	waitLeader(t, c, 1, 1)
	s := c.stores[1]
	ctx := context.Background()

	call := func(h api.RequestHeader) *api.StatusResponse {
		resp, err := s.Status(ctx, &api.StatusRequest{Header: h, CmdType: api.StatusCmdRegionLeader})
		require.NoError(t, err)
		return resp
	}

	resp := call(api.RequestHeader{RegionID: 1, RegionEpoch: &api.RegionEpoch{Version: 1, ConfVersion: 1}})
	require.Nil(t, resp.Header.Error)
	require.Equal(t, uint64(1), resp.RegionLeader.Leader.ID)
	require.Equal(t, uint64(1), resp.RegionLeader.Leader.StoreID)

	resp = call(api.RequestHeader{RegionID: 7})
	require.True(t, resp.Header.Error.HasRegionNotFound())

	resp = call(api.RequestHeader{RegionID: 1, Peer: &api.Peer{ID: 5, StoreID: 1}})
	require.True(t, resp.Header.Error.HasRegionNotFound())

	resp = call(api.RequestHeader{RegionID: 1, RegionEpoch: &api.RegionEpoch{Version: 0, ConfVersion: 1}})
	require.True(t, resp.Header.Error.HasStaleEpoch())
	require.Equal(t, api.RegionEpoch{Version: 1, ConfVersion: 1}, resp.Header.Error.StaleEpoch.CurrentEpoch)

	resp = call(api.RequestHeader{RegionID: 1, RegionEpoch: &api.RegionEpoch{Version: 3, ConfVersion: 1}})
	require.True(t, resp.Header.Error.HasStaleEpoch())

	detail, err := s.Status(ctx, &api.StatusRequest{Header: api.RequestHeader{RegionID: 1}, CmdType: api.StatusCmdRegionDetail})
	require.NoError(t, err)
	require.Nil(t, detail.Header.Error)
	require.Equal(t, uint64(1), detail.RegionDetail.Region.RegionID)
	require.Equal(t, uint64(1), detail.RegionDetail.Leader.ID)

	bad, err := s.Status(ctx, &api.StatusRequest{Header: api.RequestHeader{RegionID: 1}})
	require.NoError(t, err)
	require.NotNil(t, bad.Header.Error)
}

func TestProposalRejections(t *testing.T) {
	c := newTestCluster(t, 1)
	r := regionpkg.Region{
		ID:    1,
		Range: regionpkg.KeyRange{Start: []byte("a"), End: []byte("m")},
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: 1, StoreID: 1}},
	}
	s := c.stores[1]
	ctx := context.Background()
	require.NoError(t, s.BootstrapRegion(ctx, r))
	waitLeader(t, c, 1, 1)

	require.ErrorIs(t, s.BootstrapRegion(ctx, r), raftstore.ErrRegionExists)
	require.ErrorIs(t, s.Put(ctx, 1, []byte("z"), []byte("v")), raftstore.ErrKeyNotInRange)
	require.True(t, raftstore.IsRegionNotFound(s.Put(ctx, 9, []byte("b"), nil)))
	require.ErrorIs(t, s.Split(ctx, 1, []byte("a"), 2, []uint64{2}), raftstore.ErrInvalidSplit)
	require.ErrorIs(t, s.Split(ctx, 1, []byte("c"), 2, nil), raftstore.ErrInvalidSplit)
	require.ErrorIs(t, s.ChangePeer(ctx, 1, raftpb.ConfChangeAddNode, regionpkg.Peer{ID: 3, StoreID: 1}), raftstore.ErrInvalidPeer)

	// removing a peer that is not a member changes nothing
	require.NoError(t, s.ChangePeer(ctx, 1, raftpb.ConfChangeRemoveNode, regionpkg.Peer{ID: 42, StoreID: 4}))
	got, ok := s.Region(1)
	require.True(t, ok)
	require.Equal(t, r.Epoch, got.Epoch)

	overlapping := regionpkg.Region{
		ID:    2,
		Range: regionpkg.KeyRange{Start: []byte("c"), End: []byte("x")},
		Peers: []regionpkg.Peer{{ID: 2, StoreID: 1}},
	}
	require.ErrorIs(t, s.BootstrapRegion(ctx, overlapping), raftstore.ErrRegionExists)
}

func TestSingleStoreSplit(t *testing.T) {
	c := newTestCluster(t, 1)
	c.bootstrap()
	waitLeader(t, c, 1, 1)
	s := c.stores[1]
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, 1, []byte("b"), []byte("left")))
	require.NoError(t, s.Put(ctx, 1, []byte("y"), []byte("right")))

	require.NoError(t, s.Split(ctx, 1, []byte("m"), 2, []uint64{2}))
	left, ok := s.Region(1)
	require.True(t, ok)
	require.Equal(t, []byte("m"), left.Range.End)
	require.Equal(t, uint64(2), left.Epoch.Version)

	waitLeader(t, c, 1, 2)
	right, ok := s.RegionByKey([]byte("y"))
	require.True(t, ok)
	require.Equal(t, regionpkg.ID(2), right.ID)
	require.NoError(t, s.Put(ctx, 2, []byte("z"), []byte("v")))
	require.Equal(t, []byte("right"), c.get(1, "y"))

	require.Eventually(t, func() bool {
		r, err := c.pd.GetRegionByID(ctx, 2)
		return err == nil && r != nil && string(r.Range.Start) == "m"
	}, waitFor, tick)

	// the old epoch no longer addresses region 1
	resp := c.status(1, 1, nil)
	require.Nil(t, resp.Header.Error)
	stale, err := s.Status(ctx, &api.StatusRequest{
		Header:  api.RequestHeader{RegionID: 1, RegionEpoch: &api.RegionEpoch{Version: 1, ConfVersion: 1}},
		CmdType: api.StatusCmdRegionLeader,
	})
	require.NoError(t, err)
	require.True(t, stale.Header.Error.HasStaleEpoch())
}

func TestStoreRecoversAfterRestart(t *testing.T) {
	c := newTestCluster(t, 1)
	c.bootstrap()
	waitLeader(t, c, 1, 1)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"} {
		require.NoError(t, c.stores[1].Put(ctx, 1, []byte(k), []byte("v-"+k)))
	}

	c.stopStore(1)
	c.startStore(1)
	s := c.stores[1]
	r, ok := s.Region(1)
	require.True(t, ok)
	require.Equal(t, regionpkg.Epoch{Version: 1, ConfVersion: 1}, r.Epoch)
	require.Equal(t, []byte("v-k"), c.get(1, "k"))

	waitLeader(t, c, 1, 1)
	require.NoError(t, s.Put(ctx, 1, []byte("after"), []byte("restart")))
	require.Equal(t, []byte("restart"), c.get(1, "after"))
}

func TestDataDirIsLocked(t *testing.T) {
	c := newTestCluster(t, 1)
	w := pdworker.NewWorker(pdworker.NewRunner(c.shared), pdworker.Options{})
	t.Cleanup(w.Stop)
	_, err := raftstore.NewStore(raftstore.Options{StoreID: 1, DataDir: c.dirs[1]}, c.transport, c.shared, w)
	require.ErrorIs(t, err, raftstore.ErrStoreLocked)
}

func TestStoreHeartbeatReachesPD(t *testing.T) {
	c := newTestCluster(t, 1)
	c.bootstrap()
	require.Eventually(t, func() bool {
		st, ok := c.pd.Store(1)
		return ok && st.Address == "store-1" && st.RegionCount == 1 && st.Capacity == 1<<30
	}, waitFor, tick)
}

func TestNewStoreValidatesOptions(t *testing.T) {
	shared := pd.NewShared(pd.NewService())
	w := pdworker.NewWorker(pdworker.NewRunner(shared), pdworker.Options{})
	t.Cleanup(w.Stop)
	tr := raftnet.NewLocalTransport()

	_, err := raftstore.NewStore(raftstore.Options{DataDir: t.TempDir()}, tr, shared, w)
	require.Error(t, err)
	_, err = raftstore.NewStore(raftstore.Options{StoreID: 1}, tr, shared, w)
	require.Error(t, err)
	_, err = raftstore.NewStore(raftstore.Options{StoreID: 1, DataDir: t.TempDir(), ElectionTick: 2, HeartbeatTick: 2}, tr, shared, w)
	require.Error(t, err)

	s, err := raftstore.NewStore(raftstore.Options{StoreID: 1, DataDir: t.TempDir()}, tr, shared, w)
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.Put(context.Background(), 1, []byte("k"), nil), raftstore.ErrStoreStopped)
}

func TestProposalToUnknownRegion(t *testing.T) {
	c := newTestCluster(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.stores[1].Put(ctx, 1, []byte("k"), nil)
	require.True(t, raftstore.IsRegionNotFound(err))
	_, ok := raftstore.AsNotLeader(err)
	require.False(t, ok)
}
