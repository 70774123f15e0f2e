package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	return wal
}

func TestWALRestoreEmpty(t *testing.T) {
	wal := newTestWAL(t)
	group := wal.Group(0)

	hardState, snapshot, entries, applied, err := group.Restore()
	require.NoError(t, err)
	assert.True(t, etcdraft.IsEmptyHardState(hardState))
	assert.True(t, etcdraft.IsEmptySnap(snapshot))
	assert.Empty(t, entries)
	assert.Zero(t, applied)
}

func TestWALSaveRestore(t *testing.T) {
	wal := newTestWAL(t)
	group := wal.Group(3)

	hs := raftpb.HardState{Term: 2, Vote: 1, Commit: 4}
	entries := []raftpb.Entry{
		{Term: 2, Index: 1, Type: raftpb.EntryNormal, Data: []byte("one")},
		{Term: 2, Index: 2, Type: raftpb.EntryNormal, Data: []byte("two")},
	}
	require.NoError(t, group.Save(hs, entries))
	require.NoError(t, group.SetApplied(2))

	gotHS, _, gotEntries, applied, err := group.Restore()
	require.NoError(t, err)
	assert.Equal(t, hs, gotHS)
	require.Len(t, gotEntries, 2)
	assert.Equal(t, []byte("one"), gotEntries[0].Data)
	assert.Equal(t, uint64(2), applied)
}

func TestWALConflictingSuffixTruncated(t *testing.T) {
	wal := newTestWAL(t)
	group := wal.Group(0)

	hs := raftpb.HardState{Term: 1, Commit: 0}
	require.NoError(t, group.Save(hs, []raftpb.Entry{
		{Term: 1, Index: 1, Data: []byte("a")},
		{Term: 1, Index: 2, Data: []byte("b")},
		{Term: 1, Index: 3, Data: []byte("c")},
	}))

	// A new leader overwrites index 2 onward
	require.NoError(t, group.Save(raftpb.HardState{Term: 2, Commit: 0}, []raftpb.Entry{
		{Term: 2, Index: 2, Data: []byte("b2")},
	}))

	_, _, entries, _, err := group.Restore()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("a"), entries[0].Data)
	assert.Equal(t, []byte("b2"), entries[1].Data)
	assert.Equal(t, uint64(2), entries[1].Term)
}

func TestWALGroupsIsolated(t *testing.T) {
	wal := newTestWAL(t)
	first := wal.Group(0)
	second := wal.Group(1)

	require.NoError(t, first.Save(raftpb.HardState{Term: 1}, []raftpb.Entry{
		{Term: 1, Index: 1, Data: []byte("g0")},
	}))

	_, _, entries, _, err := second.Restore()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWALSnapshotDropsCoveredEntries(t *testing.T) {
	wal := newTestWAL(t)
	group := wal.Group(0)

	require.NoError(t, group.Save(raftpb.HardState{Term: 1}, []raftpb.Entry{
		{Term: 1, Index: 1, Data: []byte("a")},
		{Term: 1, Index: 2, Data: []byte("b")},
		{Term: 1, Index: 3, Data: []byte("c")},
	}))

	snapshot := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: 2, Term: 1},
	}
	require.NoError(t, group.StoreSnapshot(snapshot))

	_, gotSnap, entries, _, err := group.Restore()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gotSnap.Metadata.Index)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("c"), entries[0].Data)
}
