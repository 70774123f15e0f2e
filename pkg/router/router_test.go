package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cberner/fleetfs/pkg/config"
	"github.com/cberner/fleetfs/pkg/raft"
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/transport"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cluster := &config.Cluster{
		Nodes: []config.Node{{ID: 1, Address: "127.0.0.1:1"}},
		Groups: []config.Group{
			{ID: 0, Nodes: []types.NodeID{1}},
			{ID: 1, Nodes: []types.NodeID{1}},
		},
		TickIntervalMS: 5,
	}
	require.NoError(t, cluster.Validate())

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wal, err := raft.OpenWAL(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	pool := transport.NewPool(cluster, 1)
	t.Cleanup(pool.Close)

	manager, err := raft.NewManager(cluster, 1, wal, store, pool)
	require.NoError(t, err)
	manager.Start()
	t.Cleanup(manager.Stop)

	r := New(manager, pool, store)

	// Wait until both groups have leaders before handing the router out
	for _, node := range manager.LocalGroups() {
		require.NoError(t, node.WaitForLeader(context.Background()))
	}
	return r
}

// handle runs one encoded request through the router and decodes the
// response envelope.
func handle(t *testing.T, r *Router, kind wire.RequestKind, body interface{}) (*wire.Response, bool) {
	t.Helper()
	payload, err := wire.EncodeRequest(kind, body)
	require.NoError(t, err)
	responseBytes, fatal := r.Handle(context.Background(), payload)
	response, err := wire.DecodeResponse(responseBytes)
	require.NoError(t, err)
	return response, fatal
}

func TestRouterUnknownKind(t *testing.T) {
	r := newTestRouter(t)
	response, fatal := handle(t, r, "made_up_kind", struct{}{})
	assert.False(t, fatal)
	assert.Equal(t, wire.ErrNotSupported, wire.CodeOf(response.AsError()))
}

func TestRouterLatestCommit(t *testing.T) {
	r := newTestRouter(t)

	response, _ := handle(t, r, wire.RequestLatestCommit, wire.LatestCommitRequest{Group: 0})
	require.NoError(t, response.AsError())
	var body wire.LatestCommitResponse
	require.NoError(t, response.DecodeBody(&body))

	// Unknown group is a protocol error, not a crash
	response, fatal := handle(t, r, wire.RequestLatestCommit, wire.LatestCommitRequest{Group: 42})
	assert.False(t, fatal)
	assert.Equal(t, wire.ErrBadRequest, wire.CodeOf(response.AsError()))
}

func TestRouterRaftMessageUnknownGroup(t *testing.T) {
	r := newTestRouter(t)
	// An empty payload decodes as a zero raft message, so the rejection
	// comes from the group lookup.
	response, _ := handle(t, r, wire.RequestRaft, wire.RaftRequest{Group: 42, Message: []byte{}})
	assert.Equal(t, wire.ErrBadRequest, wire.CodeOf(response.AsError()))
}

func TestRouterFilesystemReady(t *testing.T) {
	r := newTestRouter(t)
	response, _ := handle(t, r, wire.RequestFilesystemReady, wire.FilesystemReadyRequest{})
	assert.NoError(t, response.AsError())
}

func TestRouterWriteThenFreshRead(t *testing.T) {
	r := newTestRouter(t)

	// Create through the coordinator, then write and read through the
	// single-group paths; the read runs the freshness handshake.
	response, _ := handle(t, r, wire.RequestCreate, wire.CreateRequest{
		Parent: types.RootInode, Name: "f", Mode: 0o644, Kind: types.FileKindFile,
	})
	require.NoError(t, response.AsError())
	var created wire.AttrResponse
	require.NoError(t, response.DecodeBody(&created))

	response, _ = handle(t, r, wire.RequestWrite, wire.WriteRequest{
		Inode: created.Attr.Inode, Offset: 0, Data: []byte("fresh"),
	})
	require.NoError(t, response.AsError())

	response, _ = handle(t, r, wire.RequestRead, wire.ReadRequest{
		Inode: created.Attr.Inode, Offset: 0, Size: 5,
	})
	require.NoError(t, response.AsError())
	var read wire.ReadResponse
	require.NoError(t, response.DecodeBody(&read))
	assert.Equal(t, []byte("fresh"), read.Data)
}

func TestRouterMissingDiscriminantIsFatal(t *testing.T) {
	r := newTestRouter(t)
	_, fatal := r.Handle(context.Background(), []byte(`{"body":{}}`))
	assert.True(t, fatal)

	_, fatal = r.Handle(context.Background(), []byte(`garbage`))
	assert.False(t, fatal)
}
