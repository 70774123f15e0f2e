package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// memTransport delivers consensus messages between in-process nodes by
// calling ApplyMessages directly. Synchronous delivery is safe precisely
// because ApplyMessages never drives the ready loop; the two-node tests
// below would deadlock otherwise.
type memTransport struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*Node
}

func newMemTransport() *memTransport {
	return &memTransport{nodes: make(map[types.NodeID]*Node)}
}

func (t *memTransport) add(id types.NodeID, node *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
}

func (t *memTransport) SendRaftMessage(to types.NodeID, group types.GroupID, message raftpb.Message) {
	t.mu.Lock()
	node := t.nodes[to]
	t.mu.Unlock()
	if node != nil {
		_ = node.ApplyMessages([]raftpb.Message{message})
	}
}

func (t *memTransport) LatestCommit(ctx context.Context, to types.NodeID, group types.GroupID) (uint64, error) {
	t.mu.Lock()
	node := t.nodes[to]
	t.mu.Unlock()
	if node == nil {
		return 0, wire.NewError(wire.ErrLeaderUnreachable)
	}
	return node.GetLatestLocalCommit(), nil
}

func newTestNode(t *testing.T, tr *memTransport, id types.NodeID, members []types.NodeID) (*Node, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	node, err := NewNode(Config{
		NodeID:           id,
		Group:            0,
		Members:          members,
		GroupCount:       1,
		SyncTimeout:      5 * time.Second,
		LeaderRPCTimeout: time.Second,
	}, wal.Group(0), store, tr)
	require.NoError(t, err)
	tr.add(id, node)
	return node, store
}

// tickUntil drives every node until cond holds or the tick budget runs out
func tickUntil(t *testing.T, cond func() bool, nodes ...*Node) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		for _, node := range nodes {
			node.Tick()
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never reached within tick budget")
}

func TestSingleNodeElection(t *testing.T) {
	tr := newMemTransport()
	node, _ := newTestNode(t, tr, 1, []types.NodeID{1})

	tickUntil(t, node.IsLeader, node)
	assert.Equal(t, types.NodeID(1), node.LeaderID())
}

func TestProposeBeforeElection(t *testing.T) {
	tr := newMemTransport()
	node, _ := newTestNode(t, tr, 1, []types.NodeID{1})

	req := &wire.Request{Kind: wire.RequestFsync}
	_, _, err := node.ProposeAndAwait(context.Background(), req, nil)
	assert.Equal(t, wire.ErrNotLeader, wire.CodeOf(err))
}

type proposeResult struct {
	builder *wire.Builder
	index   uint64
	err     error
}

// proposeAsync runs ProposeAndAwait in the background so the test can keep
// ticking the node.
func proposeAsync(node *Node, kind wire.RequestKind, body interface{}) chan proposeResult {
	resultCh := make(chan proposeResult, 1)
	go func() {
		payload, err := wire.EncodeRequest(kind, body)
		if err != nil {
			resultCh <- proposeResult{err: err}
			return
		}
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			resultCh <- proposeResult{err: err}
			return
		}
		builder, index, err := node.ProposeAndAwait(context.Background(), req, wire.NewBuilder())
		resultCh <- proposeResult{builder: builder, index: index, err: err}
	}()
	return resultCh
}

func awaitPropose(t *testing.T, resultCh chan proposeResult, nodes ...*Node) proposeResult {
	t.Helper()
	for i := 0; i < 2000; i++ {
		for _, node := range nodes {
			node.Tick()
		}
		select {
		case result := <-resultCh:
			return result
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("proposal never applied within tick budget")
	return proposeResult{}
}

func TestProposeAndApply(t *testing.T) {
	tr := newMemTransport()
	node, store := newTestNode(t, tr, 1, []types.NodeID{1})
	tickUntil(t, node.IsLeader, node)

	result := awaitPropose(t, proposeAsync(node, wire.RequestCreateInode, wire.CreateInodeRequest{
		UID: 7, GID: 8, Mode: 0o644, Kind: types.FileKindFile,
	}), node)
	require.NoError(t, result.err)
	assert.NotZero(t, result.index)

	resp, err := wire.DecodeResponse(result.builder.Bytes())
	require.NoError(t, err)
	require.NoError(t, resp.AsError())
	var attr wire.AttrResponse
	require.NoError(t, resp.DecodeBody(&attr))
	assert.Equal(t, uint32(7), attr.Attr.UID)

	// The applier really executed against the facade
	got, err := store.Getattr(attr.Attr.Inode)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), got.GID)

	// The applied index is visible to the freshness machinery
	assert.GreaterOrEqual(t, node.GetLatestLocalCommit(), result.index)
	require.NoError(t, node.Sync(context.Background(), result.index))
}

func TestTwoNodeReplication(t *testing.T) {
	tr := newMemTransport()
	first, firstStore := newTestNode(t, tr, 1, []types.NodeID{1, 2})
	second, secondStore := newTestNode(t, tr, 2, []types.NodeID{1, 2})

	tickUntil(t, func() bool {
		return first.LeaderID() != 0 && first.LeaderID() == second.LeaderID()
	}, first, second)

	leader, follower := first, second
	leaderStore, followerStore := firstStore, secondStore
	if second.IsLeader() {
		leader, follower = second, first
		leaderStore, followerStore = secondStore, firstStore
	}

	result := awaitPropose(t, proposeAsync(leader, wire.RequestCreateInode, wire.CreateInodeRequest{
		Mode: 0o644, Kind: types.FileKindFile,
	}), leader, follower)
	require.NoError(t, result.err)

	resp, err := wire.DecodeResponse(result.builder.Bytes())
	require.NoError(t, err)
	require.NoError(t, resp.AsError())
	var attr wire.AttrResponse
	require.NoError(t, resp.DecodeBody(&attr))
	inode := attr.Attr.Inode

	writeResult := awaitPropose(t, proposeAsync(leader, wire.RequestWrite, wire.WriteRequest{
		Inode: inode, Offset: 0, Data: []byte("replicated"),
	}), leader, follower)
	require.NoError(t, writeResult.err)

	// Both replicas applied the same log
	tickUntil(t, func() bool {
		return follower.GetLatestLocalCommit() >= writeResult.index
	}, leader, follower)

	leaderData, err := leaderStore.Read(inode, 0, 100)
	require.NoError(t, err)
	followerData, err := followerStore.Read(inode, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("replicated"), leaderData)
	assert.Equal(t, leaderData, followerData)
}

func TestFreshnessHandshakeOnFollower(t *testing.T) {
	tr := newMemTransport()
	first, _ := newTestNode(t, tr, 1, []types.NodeID{1, 2})
	second, _ := newTestNode(t, tr, 2, []types.NodeID{1, 2})

	tickUntil(t, func() bool {
		return first.LeaderID() != 0 && first.LeaderID() == second.LeaderID()
	}, first, second)

	leader, follower := first, second
	if second.IsLeader() {
		leader, follower = second, first
	}

	result := awaitPropose(t, proposeAsync(leader, wire.RequestCreateInode, wire.CreateInodeRequest{
		Mode: 0o644, Kind: types.FileKindFile,
	}), leader, follower)
	require.NoError(t, result.err)

	// The follower learns the leader's commit and catches up to it
	latest, err := follower.GetLatestCommitFromLeader(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latest, result.index)

	tickUntil(t, func() bool {
		return follower.GetLatestLocalCommit() >= latest
	}, leader, follower)
	require.NoError(t, follower.Sync(context.Background(), latest))
}

// TestTwoNodeMessageStorm exchanges a burst of back-to-back proposals
// between two nodes. It exists to catch accidental recursion between
// inbound message handling and outbound sends, which would deadlock here.
func TestTwoNodeMessageStorm(t *testing.T) {
	tr := newMemTransport()
	first, _ := newTestNode(t, tr, 1, []types.NodeID{1, 2})
	second, _ := newTestNode(t, tr, 2, []types.NodeID{1, 2})

	tickUntil(t, func() bool {
		return first.LeaderID() != 0 && first.LeaderID() == second.LeaderID()
	}, first, second)

	leader := first
	if second.IsLeader() {
		leader = second
	}

	var lastIndex uint64
	for i := 0; i < 50; i++ {
		result := awaitPropose(t, proposeAsync(leader, wire.RequestCreateInode, wire.CreateInodeRequest{
			Mode: 0o644, Kind: types.FileKindFile,
		}), first, second)
		require.NoError(t, result.err)
		assert.Greater(t, result.index, lastIndex)
		lastIndex = result.index
	}
}

func TestApplyMessagesDoesNotDriveReadyLoop(t *testing.T) {
	tr := newMemTransport()
	node, _ := newTestNode(t, tr, 1, []types.NodeID{1})
	tickUntil(t, node.IsLeader, node)

	before := node.GetLatestLocalCommit()

	// Stepping an unknown-term heartbeat must not apply anything or
	// trigger sends; only the ticker does that.
	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, To: 1, From: 2, Term: 0}
	_ = node.ApplyMessages([]raftpb.Message{msg})
	assert.Equal(t, before, node.GetLatestLocalCommit())
}

func TestNodeRestartRestoresAppliedState(t *testing.T) {
	storeDir := t.TempDir()
	walDir := t.TempDir()

	open := func(tr *memTransport) (*Node, *storage.BoltStore, func()) {
		store, err := storage.NewBoltStore(storeDir)
		require.NoError(t, err)
		wal, err := OpenWAL(walDir)
		require.NoError(t, err)
		node, err := NewNode(Config{
			NodeID:           1,
			Group:            0,
			Members:          []types.NodeID{1},
			GroupCount:       1,
			SyncTimeout:      5 * time.Second,
			LeaderRPCTimeout: time.Second,
		}, wal.Group(0), store, tr)
		require.NoError(t, err)
		tr.add(1, node)
		return node, store, func() {
			wal.Close()
			store.Close()
		}
	}

	tr := newMemTransport()
	node, _, closeAll := open(tr)
	tickUntil(t, node.IsLeader, node)

	result := awaitPropose(t, proposeAsync(node, wire.RequestCreateInode, wire.CreateInodeRequest{
		Mode: 0o644, Kind: types.FileKindFile,
	}), node)
	require.NoError(t, result.err)
	resp, err := wire.DecodeResponse(result.builder.Bytes())
	require.NoError(t, err)
	var attr wire.AttrResponse
	require.NoError(t, resp.DecodeBody(&attr))
	closeAll()

	// Reopen from the same WAL and data directory
	tr2 := newMemTransport()
	reopened, store, closeAll2 := open(tr2)
	defer closeAll2()

	// Applied index survived; nothing gets re-executed
	assert.GreaterOrEqual(t, reopened.GetLatestLocalCommit(), result.index)
	got, err := store.Getattr(attr.Attr.Inode)
	require.NoError(t, err)
	assert.Equal(t, attr.Attr.Inode, got.Inode)

	// The restarted member can elect itself and accept proposals again
	tickUntil(t, reopened.IsLeader, reopened)
	next := awaitPropose(t, proposeAsync(reopened, wire.RequestCreateInode, wire.CreateInodeRequest{
		Mode: 0o644, Kind: types.FileKindFile,
	}), reopened)
	require.NoError(t, next.err)
	assert.Greater(t, next.index, result.index)

	// Inode numbers are never reused across the restart
	nextResp, err := wire.DecodeResponse(next.builder.Bytes())
	require.NoError(t, err)
	var nextAttr wire.AttrResponse
	require.NoError(t, nextResp.DecodeBody(&nextAttr))
	assert.Greater(t, nextAttr.Attr.Inode, attr.Attr.Inode)
}
