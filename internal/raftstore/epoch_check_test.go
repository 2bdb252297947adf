package raftstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	regionpkg "nyxstore/internal/region"
	api "nyxstore/pkg/api"
)

func localView() *peerView {
	return &peerView{
		peer: regionpkg.Peer{ID: 2, StoreID: 2},
		region: regionpkg.Region{
			ID:    1,
			Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 3},
			Peers: []regionpkg.Peer{{ID: 1, StoreID: 1}, {ID: 2, StoreID: 2}, {ID: 3, StoreID: 3}},
		},
		initialized: true,
		leader:      1,
	}
}

func removedView() *peerView {
	v := localView()
	v.region.Peers = v.region.Peers[:1]
	v.region.Epoch.ConfVersion = 4
	return v
}

func message(from, to regionpkg.Peer, epoch regionpkg.Epoch) *api.RaftMessage {
	return &api.RaftMessage{
		RegionID:    1,
		FromPeer:    api.Peer{ID: from.ID, StoreID: from.StoreID},
		ToPeer:      api.Peer{ID: to.ID, StoreID: to.StoreID},
		RegionEpoch: api.RegionEpoch{Version: epoch.Version, ConfVersion: epoch.ConfVersion},
	}
}

func TestCheckRaftMessage(t *testing.T) {
	leader := regionpkg.Peer{ID: 1, StoreID: 1}
	self := regionpkg.Peer{ID: 2, StoreID: 2}
	stranger := regionpkg.Peer{ID: 9, StoreID: 9}
	current := regionpkg.Epoch{Version: 1, ConfVersion: 3}
	stale := regionpkg.Epoch{Version: 1, ConfVersion: 2}
	newer := regionpkg.Epoch{Version: 2, ConfVersion: 3}
	uninitialized := &peerView{peer: self, region: regionpkg.Region{ID: 1}}
	aborted := localView()
	aborted.aborted = true

	notice := func(epoch regionpkg.Epoch) *api.RaftMessage {
		msg := message(leader, self, epoch)
		msg.IsTombstone = true
		return msg
	}

	tests := []struct {
		name    string
		local   *peerView
		tomb    *tombstoneState
		msg     *api.RaftMessage
		msgType raftpb.MessageType
		want    verdict
		refresh bool
		notify  bool
	}{
		{
			name:    "misrouted message",
			local:   localView(),
			msg:     message(leader, regionpkg.Peer{ID: 2, StoreID: 5}, current),
			msgType: raftpb.MsgApp,
			want:    verdictRegionNotFound,
		},
		{
			name:    "tombstone rejects destroyed peer",
			tomb:    &tombstoneState{RegionID: 1, PeerID: 2},
			msg:     message(leader, self, newer),
			msgType: raftpb.MsgApp,
			want:    verdictRegionNotFound,
		},
		{
			name:    "tombstone rejects even older peer ids",
			tomb:    &tombstoneState{RegionID: 1, PeerID: 2},
			msg:     message(leader, regionpkg.Peer{ID: 1, StoreID: 2}, current),
			msgType: raftpb.MsgHeartbeat,
			want:    verdictRegionNotFound,
		},
		{
			name:    "tombstone lets a newer incarnation in",
			tomb:    &tombstoneState{RegionID: 1, PeerID: 2},
			msg:     message(leader, regionpkg.Peer{ID: 7, StoreID: 2}, current),
			msgType: raftpb.MsgApp,
			want:    verdictCreatePeer,
		},
		{
			name:    "leader append creates peer",
			msg:     message(leader, self, current),
			msgType: raftpb.MsgApp,
			want:    verdictCreatePeer,
		},
		{
			name:    "snapshot creates peer",
			msg:     message(leader, self, current),
			msgType: raftpb.MsgSnap,
			want:    verdictCreatePeer,
		},
		{
			name:    "vote does not create peer",
			msg:     message(leader, self, current),
			msgType: raftpb.MsgVote,
			want:    verdictRegionNotFound,
		},
		{
			name:    "response does not create peer",
			msg:     message(leader, self, current),
			msgType: raftpb.MsgAppResp,
			want:    verdictRegionNotFound,
		},
		{
			name:    "aborted region ignores messages",
			local:   aborted,
			msg:     message(leader, self, current),
			msgType: raftpb.MsgApp,
			want:    verdictIgnore,
		},
		{
			name:    "target older than local peer",
			local:   localView(),
			msg:     message(leader, regionpkg.Peer{ID: 1, StoreID: 2}, current),
			msgType: raftpb.MsgApp,
			want:    verdictRegionNotFound,
		},
		{
			name:    "target newer than local peer",
			local:   localView(),
			msg:     message(leader, regionpkg.Peer{ID: 8, StoreID: 2}, newer),
			msgType: raftpb.MsgApp,
			want:    verdictRefresh,
			refresh: true,
		},
		{
			name:    "target newer than uninitialized peer",
			local:   uninitialized,
			msg:     message(leader, regionpkg.Peer{ID: 8, StoreID: 2}, newer),
			msgType: raftpb.MsgHeartbeat,
			want:    verdictCreatePeer,
		},
		{
			name:    "uninitialized peer accepts without epoch check",
			local:   uninitialized,
			msg:     message(leader, self, stale),
			msgType: raftpb.MsgSnap,
			want:    verdictAccept,
		},
		{
			name:    "removed peer is tombstoned",
			local:   removedView(),
			msg:     message(leader, self, stale),
			msgType: raftpb.MsgHeartbeat,
			want:    verdictTombstone,
		},
		{
			name:    "stale sender outside region",
			local:   localView(),
			msg:     message(stranger, self, stale),
			msgType: raftpb.MsgVote,
			want:    verdictStaleEpoch,
			notify:  true,
		},
		{
			name:    "stale sender inside region",
			local:   localView(),
			msg:     message(regionpkg.Peer{ID: 3, StoreID: 3}, self, stale),
			msgType: raftpb.MsgAppResp,
			want:    verdictAccept,
		},
		{
			name:    "newer epoch refreshes",
			local:   localView(),
			msg:     message(leader, self, newer),
			msgType: raftpb.MsgApp,
			want:    verdictAccept,
			refresh: true,
		},
		{
			name:    "same epoch",
			local:   localView(),
			msg:     message(leader, self, current),
			msgType: raftpb.MsgHeartbeat,
			want:    verdictAccept,
		},
		{
			name:  "notice with newer conf version",
			local: localView(),
			msg:   notice(regionpkg.Epoch{Version: 1, ConfVersion: 4}),
			want:  verdictTombstone,
		},
		{
			name:  "notice not newer",
			local: localView(),
			msg:   notice(current),
			want:  verdictIgnore,
		},
		{
			name: "notice for missing peer",
			msg:  notice(newer),
			want: verdictIgnore,
		},
		{
			name:  "notice for uninitialized peer",
			local: uninitialized,
			msg:   notice(newer),
			want:  verdictIgnore,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkRaftMessage(2, tt.local, tt.tomb, tt.msg, tt.msgType)
			require.Equal(t, tt.want, got.verdict, "reason: %s", got.reason)
			require.Equal(t, tt.refresh, got.refresh)
			require.Equal(t, tt.notify, got.notifySender)
		})
	}
}

func TestStaleEpochReportsLocalEpoch(t *testing.T) {
	msg := message(regionpkg.Peer{ID: 9, StoreID: 9}, regionpkg.Peer{ID: 2, StoreID: 2}, regionpkg.Epoch{Version: 1, ConfVersion: 1})
	got := checkRaftMessage(2, localView(), nil, msg, raftpb.MsgPreVote)
	require.Equal(t, verdictStaleEpoch, got.verdict)
	require.Equal(t, regionpkg.Epoch{Version: 1, ConfVersion: 3}, got.localEpoch)
}

func TestVerdictString(t *testing.T) {
	require.Equal(t, "stale_epoch", verdictStaleEpoch.String())
	require.Equal(t, "unknown", verdict(42).String())
}
