package pd_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nyxstore/internal/pd"
	regionpkg "nyxstore/internal/region"

	"github.com/stretchr/testify/require"
)

// gateClient blocks every call until release is closed.
type gateClient struct {
	release chan struct{}
	inCalls atomic.Int32
}

func (g *gateClient) wait() {
	g.inCalls.Add(1)
	defer g.inCalls.Add(-1)
	<-g.release
}

func (g *gateClient) AskChangePeer(context.Context, regionpkg.Region, regionpkg.Peer) error {
	g.wait()
	return nil
}

func (g *gateClient) AskSplit(context.Context, regionpkg.Region, []byte, regionpkg.Peer) error {
	g.wait()
	return nil
}

func (g *gateClient) PutStore(context.Context, regionpkg.Store) error {
	g.wait()
	return nil
}

func (g *gateClient) GetRegionByID(context.Context, regionpkg.ID) (*regionpkg.Region, error) {
	g.wait()
	return nil, nil
}

func TestSharedReadersRunConcurrently(t *testing.T) {
	gate := &gateClient{release: make(chan struct{})}
	shared := pd.NewShared(gate)
	ctx := context.Background()

	go func() { _ = shared.AskChangePeer(ctx, regionpkg.Region{ID: 1}, regionpkg.Peer{}) }()
	go func() { _ = shared.AskSplit(ctx, regionpkg.Region{ID: 2}, []byte("k"), regionpkg.Peer{}) }()
	go func() { _, _ = shared.GetRegionByID(ctx, 3) }()

	require.Eventually(t, func() bool { return gate.inCalls.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(gate.release)
	require.Eventually(t, func() bool { return gate.inCalls.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSharedPutStoreIsExclusive(t *testing.T) {
	gate := &gateClient{release: make(chan struct{})}
	shared := pd.NewShared(gate)
	ctx := context.Background()

	go func() { _ = shared.AskChangePeer(ctx, regionpkg.Region{ID: 1}, regionpkg.Peer{}) }()
	require.Eventually(t, func() bool { return gate.inCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	var putDone atomic.Bool
	go func() {
		_ = shared.PutStore(ctx, regionpkg.Store{ID: 1})
		putDone.Store(true)
	}()

	// PutStore cannot enter while a reader holds the handle.
	require.Never(t, func() bool { return gate.inCalls.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	close(gate.release)
	require.Eventually(t, putDone.Load, time.Second, 5*time.Millisecond)
}
