package pdworker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap/zaptest"

	"nyxstore/internal/pd"
	"nyxstore/internal/pdworker"
	regionpkg "nyxstore/internal/region"

	"github.com/stretchr/testify/require"
)

type handlerFunc func(context.Context, pdworker.Task) error

func (f handlerFunc) Run(ctx context.Context, t pdworker.Task) error { return f(ctx, t) }

func newWorker(t *testing.T, h pdworker.Handler, metrics *pdworker.Metrics) *pdworker.Worker {
	t.Helper()
	w := pdworker.NewWorker(h, pdworker.Options{
		Name:        "test",
		TaskTimeout: time.Second,
		Logger:      zaptest.NewLogger(t),
		Metrics:     metrics,
	})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerRunsTasksInOrder(t *testing.T) {
	client := &recordingClient{}
	w := newWorker(t, pdworker.NewRunner(pd.NewShared(client)), nil)

	var want []string
	for i := 1; i <= 20; i++ {
		require.NoError(t, w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: uint64(i)})))
		want = append(want, fmt.Sprintf("store:%d", i))
	}
	w.Stop()
	require.Equal(t, want, client.calls())
}

func TestWorkerDropsFailuresWithoutRetry(t *testing.T) {
	client := &recordingClient{err: errors.New("authority unavailable")}
	reg := prometheus.NewRegistry()
	metrics := pdworker.NewMetrics(reg, "")
	w := newWorker(t, pdworker.NewRunner(pd.NewShared(client)), metrics)

	require.NoError(t, w.Schedule(pdworker.NewAskChangePeer(raftpb.ConfChangeAddNode, regionpkg.Region{ID: 1}, regionpkg.Peer{ID: 2})))
	require.NoError(t, w.Schedule(pdworker.NewAskSplit(1, regionpkg.Region{ID: 2}, []byte("k"), regionpkg.Peer{ID: 1})))
	w.Stop()

	// each task issued exactly one call, and the second ran despite the first failing
	require.Equal(t, []string{"change:1", "split:2"}, client.calls())

	count, err := testutil.GatherAndCount(reg, "nyxstore_pd_worker_tasks_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestWorkerSurvivesPanics(t *testing.T) {
	var ran atomic.Int32
	h := handlerFunc(func(_ context.Context, task pdworker.Task) error {
		ran.Add(1)
		if hb, ok := task.(pdworker.Heartbeat); ok && hb.Store.ID == 1 {
			panic("boom")
		}
		return nil
	})
	w := newWorker(t, h, nil)

	require.NoError(t, w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 1})))
	require.NoError(t, w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 2})))
	w.Stop()
	require.Equal(t, int32(2), ran.Load())
}

func TestWorkerScheduleNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	h := handlerFunc(func(context.Context, pdworker.Task) error {
		<-release
		return nil
	})
	w := newWorker(t, h, nil)
	defer close(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: uint64(i + 1)}))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("schedule blocked behind a stuck authority call")
	}
	require.GreaterOrEqual(t, w.Pending(), 999)
}

func TestWorkerRejectsAfterStop(t *testing.T) {
	w := newWorker(t, handlerFunc(func(context.Context, pdworker.Task) error { return nil }), nil)
	w.Stop()
	err := w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 1}))
	require.ErrorIs(t, err, pdworker.ErrStopped)
	// a second Stop is harmless
	w.Stop()
}

func TestWorkerStopDrainsUnstartedQueue(t *testing.T) {
	client := &recordingClient{}
	w := pdworker.NewWorker(pdworker.NewRunner(pd.NewShared(client)), pdworker.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 4})))
	w.Stop()
	require.Equal(t, []string{"store:4"}, client.calls())
}

func TestWorkerAppliesTaskTimeout(t *testing.T) {
	var deadline atomic.Bool
	h := handlerFunc(func(ctx context.Context, _ pdworker.Task) error {
		_, ok := ctx.Deadline()
		deadline.Store(ok)
		return nil
	})
	w := newWorker(t, h, nil)
	require.NoError(t, w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 1})))
	w.Stop()
	require.True(t, deadline.Load())
}

// exclusionClient fails the test if PutStore ever overlaps a region call.
type exclusionClient struct {
	readers  atomic.Int32
	writers  atomic.Int32
	violated atomic.Bool

	mu    sync.Mutex
	calls int
}

func (c *exclusionClient) read() {
	c.readers.Add(1)
	if c.writers.Load() > 0 {
		c.violated.Store(true)
	}
	time.Sleep(time.Millisecond)
	c.readers.Add(-1)
	c.count()
}

func (c *exclusionClient) count() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *exclusionClient) AskChangePeer(context.Context, regionpkg.Region, regionpkg.Peer) error {
	c.read()
	return nil
}

func (c *exclusionClient) AskSplit(context.Context, regionpkg.Region, []byte, regionpkg.Peer) error {
	c.read()
	return nil
}

func (c *exclusionClient) GetRegionByID(context.Context, regionpkg.ID) (*regionpkg.Region, error) {
	c.read()
	return nil, nil
}

func (c *exclusionClient) PutStore(context.Context, regionpkg.Store) error {
	c.writers.Add(1)
	if c.readers.Load() > 0 || c.writers.Load() > 1 {
		c.violated.Store(true)
	}
	time.Sleep(time.Millisecond)
	c.writers.Add(-1)
	c.count()
	return nil
}

func TestPoolHeartbeatExcludesRegionCalls(t *testing.T) {
	client := &exclusionClient{}
	shared := pd.NewShared(client)
	pool := pdworker.NewPool(4, pdworker.NewRunner(shared), pdworker.Options{Logger: zaptest.NewLogger(t)})
	pool.Start()

	const regions = 40
	for i := 1; i <= regions; i++ {
		r := regionpkg.Region{ID: regionpkg.ID(i), Peers: []regionpkg.Peer{{ID: uint64(i), StoreID: 1}}}
		require.NoError(t, pool.Schedule(pdworker.NewAskChangePeer(raftpb.ConfChangeAddNode, r, regionpkg.Peer{ID: 100, StoreID: 2})))
		if i%5 == 0 {
			require.NoError(t, pool.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: uint64(i)})))
		}
	}
	// a store-side reader racing the worker
	for i := 0; i < 10; i++ {
		_, _ = shared.GetRegionByID(context.Background(), 1)
	}
	pool.Stop()

	require.False(t, client.violated.Load())
	client.mu.Lock()
	defer client.mu.Unlock()
	require.Equal(t, regions+regions/5+10, client.calls)
	require.ErrorIs(t, pool.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 1})), pdworker.ErrStopped)
}

func TestPoolKeepsRegionOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[regionpkg.ID][]uint64)
	h := handlerFunc(func(_ context.Context, task pdworker.Task) error {
		change := task.(pdworker.AskChangePeer)
		mu.Lock()
		seen[change.Region.ID] = append(seen[change.Region.ID], change.Region.Epoch.ConfVersion)
		mu.Unlock()
		return nil
	})
	pool := pdworker.NewPool(3, h, pdworker.Options{Logger: zaptest.NewLogger(t)})
	pool.Start()
	for conf := uint64(1); conf <= 10; conf++ {
		for id := regionpkg.ID(1); id <= 6; id++ {
			r := regionpkg.Region{ID: id, Epoch: regionpkg.Epoch{ConfVersion: conf}}
			require.NoError(t, pool.Schedule(pdworker.NewAskChangePeer(raftpb.ConfChangeAddNode, r, regionpkg.Peer{})))
		}
	}
	pool.Stop()

	for id, confs := range seen {
		require.Len(t, confs, 10, "region %d", id)
		for i := 1; i < len(confs); i++ {
			require.Less(t, confs[i-1], confs[i], "region %d", id)
		}
	}
}

func TestBackToBackHeartbeatsLastWins(t *testing.T) {
	service := pd.NewService()
	w := newWorker(t, pdworker.NewRunner(pd.NewShared(service)), nil)

	require.NoError(t, w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 7, Address: "10.0.0.7:1", Capacity: 100})))
	require.NoError(t, w.Schedule(pdworker.NewHeartbeat(regionpkg.Store{ID: 7, Address: "10.0.0.7:2", Capacity: 200})))
	w.Stop()

	st, ok := service.Store(7)
	require.True(t, ok)
	require.Equal(t, "10.0.0.7:2", st.Address)
	require.Equal(t, uint64(200), st.Capacity)
}

// slowChangeClient delays membership reports so a split of the same region
// queued right after would overtake it on another worker.
type slowChangeClient struct {
	*pd.Service
}

func (c slowChangeClient) AskChangePeer(ctx context.Context, r regionpkg.Region, p regionpkg.Peer) error {
	time.Sleep(50 * time.Millisecond)
	return c.Service.AskChangePeer(ctx, r, p)
}

func TestPoolOrdersSplitAfterParentConfChange(t *testing.T) {
	service := pd.NewService()
	parent := regionpkg.Region{
		ID:    1,
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: 1, StoreID: 1}},
	}
	require.NoError(t, service.BootstrapRegion(context.Background(), parent))

	pool := pdworker.NewPool(2, pdworker.NewRunner(pd.NewShared(slowChangeClient{service})),
		pdworker.Options{Logger: zaptest.NewLogger(t)})
	pool.Start()

	changed := parent.Clone()
	changed.Epoch.ConfVersion = 2
	changed.Peers = append(changed.Peers, regionpkg.Peer{ID: 2, StoreID: 2})
	require.NoError(t, pool.Schedule(pdworker.NewAskChangePeer(raftpb.ConfChangeAddNode, changed, regionpkg.Peer{ID: 2, StoreID: 2})))

	right := regionpkg.Region{
		ID:    100,
		Range: regionpkg.KeyRange{Start: []byte("m")},
		Epoch: regionpkg.Epoch{Version: 2, ConfVersion: 2},
		Peers: []regionpkg.Peer{{ID: 3, StoreID: 1}, {ID: 4, StoreID: 2}},
	}
	require.NoError(t, pool.Schedule(pdworker.NewAskSplit(parent.ID, right, []byte("m"), regionpkg.Peer{ID: 1, StoreID: 1})))
	pool.Stop()

	got, err := service.GetRegionByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, regionpkg.Epoch{Version: 2, ConfVersion: 2}, got.Epoch)
	require.Len(t, got.Peers, 2)
	require.Equal(t, []byte("m"), got.Range.End)

	split, err := service.GetRegionByID(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, split)
}
