package raft

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"

	api "nyxstore/pkg/api"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	ch  chan *api.RaftMessage
	err error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *api.RaftMessage, 8)}
}

func (r *recorder) HandleRaftMessage(_ context.Context, msg *api.RaftMessage) error {
	select {
	case r.ch <- msg:
	default:
	}
	return r.err
}

func TestLocalTransportRoutesByStore(t *testing.T) {
	tr := NewLocalTransport()
	rec := newRecorder()
	tr.Register(2, rec)

	msg := &api.RaftMessage{RegionID: 1, ToPeer: api.Peer{ID: 5, StoreID: 2}}
	require.NoError(t, tr.Send(msg))
	require.Equal(t, msg, <-rec.ch)

	err := tr.Send(&api.RaftMessage{RegionID: 1, ToPeer: api.Peer{ID: 6, StoreID: 3}})
	require.ErrorIs(t, err, ErrStoreUnreachable)

	rec.err = errors.New("region not found")
	require.EqualError(t, tr.Send(msg), "region not found")
}

func TestLocalTransportFilters(t *testing.T) {
	tr := NewLocalTransport()
	rec := newRecorder()
	tr.Register(2, rec)
	tr.AddFilter(func(m *api.RaftMessage) bool { return m.RegionID != 9 })

	require.ErrorIs(t, tr.Send(&api.RaftMessage{RegionID: 9, ToPeer: api.Peer{StoreID: 2}}), ErrDropped)
	require.NoError(t, tr.Send(&api.RaftMessage{RegionID: 1, ToPeer: api.Peer{StoreID: 2}}))

	tr.ClearFilters()
	require.NoError(t, tr.Send(&api.RaftMessage{RegionID: 9, ToPeer: api.Peer{StoreID: 2}}))
}

func TestGRPCTransportSend(t *testing.T) {
	rec := newRecorder()
	rec.err = errors.New("stale epoch")
	server := grpc.NewServer()
	RegisterGRPCTransportServer(server, rec, zaptest.NewLogger(t))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	addr := lis.Addr().String()
	tr := NewGRPCTransport(nil, func(storeID uint64) (string, error) {
		if storeID == 2 {
			return addr, nil
		}
		return "", errors.New("unknown store")
	}, zaptest.NewLogger(t))
	defer tr.Close()

	for i := 0; i < 2; i++ {
		msg := &api.RaftMessage{
			RegionID:    1,
			FromPeer:    api.Peer{ID: 1, StoreID: 1},
			ToPeer:      api.Peer{ID: 2, StoreID: 2},
			RegionEpoch: api.RegionEpoch{Version: 1, ConfVersion: uint64(i + 1)},
			Message:     []byte{1, 2, 3},
		}
		// a rejected message leaves the stream usable
		require.NoError(t, tr.Send(msg))
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-rec.ch:
			require.Equal(t, uint64(1), got.RegionID)
			require.Equal(t, uint64(i+1), got.RegionEpoch.ConfVersion)
			require.Equal(t, []byte{1, 2, 3}, got.Message)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not received", i)
		}
	}

	err = tr.Send(&api.RaftMessage{ToPeer: api.Peer{StoreID: 3}})
	require.ErrorIs(t, err, ErrStoreUnreachable)
}
