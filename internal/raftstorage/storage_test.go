package raftstorage_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxstore/internal/raftstorage"
)

func TestStorageAppendAndPersist(t *testing.T) {
	dir := t.TempDir()
	st, err := raftstorage.New(dir, raftstorage.Options{Sync: true})
	require.NoError(t, err)
	require.False(t, raftstorage.Exists(dir))

	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)

	entries := []raftpb.Entry{
		{Index: 1, Term: 1, Data: []byte("e1")},
		{Index: 2, Term: 1, Data: []byte("e2")},
		{Index: 3, Term: 2, Data: []byte("e3")},
	}
	require.NoError(t, st.Save(raftpb.HardState{Term: 2, Commit: 3}, entries, raftpb.Snapshot{}))
	require.True(t, raftstorage.Exists(dir))

	got, err := st.Entries(1, 4, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte("e1"), got[0].Data)

	term, err := st.Term(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	reopened, err := raftstorage.New(dir, raftstorage.Options{})
	require.NoError(t, err)

	hs, _, err := reopened.InitialState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), hs.Term)
	require.Equal(t, uint64(3), hs.Commit)

	got, err = reopened.Entries(2, 4, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("e2"), got[0].Data)
}

func TestStorageAppendReplacesConflictingSuffix(t *testing.T) {
	st, err := raftstorage.New(t.TempDir(), raftstorage.Options{})
	require.NoError(t, err)

	require.NoError(t, st.Append([]raftpb.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 1}}))
	require.NoError(t, st.Append([]raftpb.Entry{{Index: 2, Term: 2}}))

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
	term, err := st.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	err = st.Append([]raftpb.Entry{{Index: 5, Term: 2}})
	require.Error(t, err)
}

func TestStorageBootstrapSnapshot(t *testing.T) {
	dir := t.TempDir()
	st, err := raftstorage.New(dir, raftstorage.Options{})
	require.NoError(t, err)

	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
		Index:     5,
		Term:      5,
		ConfState: raftpb.ConfState{Voters: []uint64{1, 2}},
	}}
	require.NoError(t, st.Save(raftpb.HardState{Term: 5, Commit: 5}, nil, snap))

	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(6), first)
	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
	term, err := st.Term(5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), term)

	_, cs, err := st.InitialState()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, cs.Voters)

	require.NoError(t, st.Append([]raftpb.Entry{{Index: 6, Term: 6}}))
	_, err = st.Entries(5, 7, 0)
	require.ErrorIs(t, err, raft.ErrCompacted)
	_, err = st.Entries(6, 8, 0)
	require.ErrorIs(t, err, raft.ErrUnavailable)
}

func TestStorageSnapshotAndCompaction(t *testing.T) {
	st, err := raftstorage.New(t.TempDir(), raftstorage.Options{})
	require.NoError(t, err)

	var ents []raftpb.Entry
	for i := uint64(1); i <= 10; i++ {
		ents = append(ents, raftpb.Entry{Index: i, Term: 1, Data: []byte{byte(i)}})
	}
	require.NoError(t, st.Append(ents))

	_, err = st.CreateSnapshot(8, nil, &raftpb.ConfState{Voters: []uint64{1}})
	require.NoError(t, err)
	require.NoError(t, st.Compact(8))

	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(9), first)

	term, err := st.Term(8)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
	_, err = st.Term(7)
	require.ErrorIs(t, err, raft.ErrCompacted)

	got, err := st.Entries(9, 11, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	_, err = st.CreateSnapshot(7, nil, nil)
	require.ErrorIs(t, err, raft.ErrSnapOutOfDate)
}

func TestStorageApplySnapshotDropsLog(t *testing.T) {
	st, err := raftstorage.New(t.TempDir(), raftstorage.Options{})
	require.NoError(t, err)
	require.NoError(t, st.Append([]raftpb.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 1}}))

	require.NoError(t, st.ApplySnapshot(raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 2, Term: 3}}))
	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	err = st.ApplySnapshot(raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 1, Term: 1}})
	require.ErrorIs(t, err, raft.ErrSnapOutOfDate)
}

func TestStorageEntriesLimitKeepsOne(t *testing.T) {
	st, err := raftstorage.New(t.TempDir(), raftstorage.Options{})
	require.NoError(t, err)
	require.NoError(t, st.Append([]raftpb.Entry{
		{Index: 1, Term: 1, Data: make([]byte, 64)},
		{Index: 2, Term: 1, Data: make([]byte, 64)},
	}))
	got, err := st.Entries(1, 3, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestStorageDestroy(t *testing.T) {
	dir := t.TempDir() + "/peer"
	st, err := raftstorage.New(dir, raftstorage.Options{})
	require.NoError(t, err)
	require.NoError(t, st.SetHardState(raftpb.HardState{Term: 1}))
	require.True(t, raftstorage.Exists(dir))

	require.NoError(t, st.Destroy())
	require.False(t, raftstorage.Exists(dir))
}
