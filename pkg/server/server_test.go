package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cberner/fleetfs/pkg/client"
	"github.com/cberner/fleetfs/pkg/config"
	"github.com/cberner/fleetfs/pkg/raft"
	"github.com/cberner/fleetfs/pkg/router"
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/transport"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// startTestNode boots a complete single-node cluster with two consensus
// groups and serves it over TCP.
func startTestNode(t *testing.T) *client.NodeClient {
	c, _ := startTestNodeWithAddr(t)
	return c
}

func startTestNodeWithAddr(t *testing.T) (*client.NodeClient, string) {
	t.Helper()

	cluster := &config.Cluster{
		Nodes: []config.Node{
			{ID: 1, Address: "127.0.0.1:1"},
		},
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

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(router.New(manager, pool, store))
	go srv.Serve(listener)
	t.Cleanup(srv.Shutdown)

	c := client.New(listener.Addr().String())
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.FilesystemReady())
	return c, listener.Addr().String()
}

// Create, write, read back
func TestCreateWriteReadback(t *testing.T) {
	c := startTestNode(t)

	attr, err := c.Create(types.RootInode, "a", 1000, 1000, 0o644, types.FileKindFile)
	require.NoError(t, err)

	written, err := c.Write(attr.Inode, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), written)

	data, err := c.Read(attr.Inode, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	got, err := c.Getattr(attr.Inode)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Size)
	assert.Equal(t, uint32(1), got.LinkCount)
}

func TestLookupAfterCreate(t *testing.T) {
	c := startTestNode(t)

	attr, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)

	entry, err := c.Lookup(types.RootInode, "a")
	require.NoError(t, err)
	assert.Equal(t, attr.Inode, entry.Inode)

	entries, err := c.Readdir(types.RootInode)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name)
}

// Rename into a subdirectory, crossing consensus groups
func TestRenameAcrossGroups(t *testing.T) {
	c := startTestNode(t)

	file, err := c.Create(types.RootInode, "x", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)
	dir, err := c.Mkdir(types.RootInode, "d", 0, 0, 0o755)
	require.NoError(t, err)

	require.NoError(t, c.Rename(types.RootInode, "x", dir.Inode, "x"))

	_, err = c.Lookup(types.RootInode, "x")
	assert.Equal(t, wire.ErrNoSuchEntry, wire.CodeOf(err))

	entry, err := c.Lookup(dir.Inode, "x")
	require.NoError(t, err)
	assert.Equal(t, file.Inode, entry.Inode)
}

func TestRenameOntoExisting(t *testing.T) {
	c := startTestNode(t)

	a, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)
	b, err := c.Create(types.RootInode, "b", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)

	require.NoError(t, c.Rename(types.RootInode, "a", types.RootInode, "b"))

	entry, err := c.Lookup(types.RootInode, "b")
	require.NoError(t, err)
	assert.Equal(t, a.Inode, entry.Inode)

	// The replaced inode lost its last link
	_, err = c.Getattr(b.Inode)
	assert.Equal(t, wire.ErrNoSuchInode, wire.CodeOf(err))
}

// Hardlink then unlink: contents survive through the second link
func TestHardlinkThenUnlink(t *testing.T) {
	c := startTestNode(t)

	attr, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)
	_, err = c.Write(attr.Inode, 0, []byte("contents"))
	require.NoError(t, err)

	linked, err := c.Hardlink(attr.Inode, types.RootInode, "b")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), linked.LinkCount)

	got, err := c.Getattr(attr.Inode)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.LinkCount)

	require.NoError(t, c.Unlink(types.RootInode, "a"))

	entry, err := c.Lookup(types.RootInode, "b")
	require.NoError(t, err)
	data, err := c.Read(entry.Inode, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), data)

	require.NoError(t, c.Unlink(types.RootInode, "b"))
	_, err = c.Lookup(types.RootInode, "b")
	assert.Equal(t, wire.ErrNoSuchEntry, wire.CodeOf(err))
	_, err = c.Getattr(attr.Inode)
	assert.Equal(t, wire.ErrNoSuchInode, wire.CodeOf(err))
}

// Rmdir refuses a non-empty directory
func TestRmdirNonEmpty(t *testing.T) {
	c := startTestNode(t)

	dir, err := c.Mkdir(types.RootInode, "d", 0, 0, 0o755)
	require.NoError(t, err)
	_, err = c.Create(dir.Inode, "f", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)

	err = c.Rmdir(types.RootInode, "d")
	assert.Equal(t, wire.ErrNotEmpty, wire.CodeOf(err))

	require.NoError(t, c.Unlink(dir.Inode, "f"))
	require.NoError(t, c.Rmdir(types.RootInode, "d"))
	_, err = c.Lookup(types.RootInode, "d")
	assert.Equal(t, wire.ErrNoSuchEntry, wire.CodeOf(err))
}

func TestRepeatedUnlink(t *testing.T) {
	c := startTestNode(t)

	_, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)

	require.NoError(t, c.Unlink(types.RootInode, "a"))
	err = c.Unlink(types.RootInode, "a")
	assert.Equal(t, wire.ErrNoSuchEntry, wire.CodeOf(err))
}

func TestXattrRoundTrip(t *testing.T) {
	c := startTestNode(t)

	attr, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)

	require.NoError(t, c.SetXattr(attr.Inode, "user.tag", []byte("v")))

	value, err := c.GetXattr(attr.Inode, "user.tag")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	keys, err := c.ListXattrs(attr.Inode)
	require.NoError(t, err)
	assert.Contains(t, keys, "user.tag")

	require.NoError(t, c.RemoveXattr(attr.Inode, "user.tag"))
	_, err = c.GetXattr(attr.Inode, "user.tag")
	assert.Equal(t, wire.ErrNoSuchEntry, wire.CodeOf(err))
}

func TestTruncateThenGetattr(t *testing.T) {
	c := startTestNode(t)

	attr, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)
	_, err = c.Write(attr.Inode, 0, []byte("0123456789"))
	require.NoError(t, err)

	truncated, err := c.Truncate(attr.Inode, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), truncated.Size)

	got, err := c.Getattr(attr.Inode)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Size)
}

func TestLockUnlock(t *testing.T) {
	c := startTestNode(t)

	attr, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)

	require.NoError(t, c.Lock(attr.Inode))
	require.NoError(t, c.Unlock(attr.Inode))

	err = c.Unlock(attr.Inode)
	assert.Equal(t, wire.ErrLockConflict, wire.CodeOf(err))
}

func TestFilesystemCheckClean(t *testing.T) {
	c := startTestNode(t)

	attr, err := c.Create(types.RootInode, "a", 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)
	// Checksums cover file data only, so give the file some bytes
	_, err = c.Write(attr.Inode, 0, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, c.FilesystemCheck())

	checksums, err := c.FilesystemChecksum()
	require.NoError(t, err)
	assert.NotEmpty(t, checksums)
}

// A malformed envelope gets an error response and the connection stays
// usable for the next request.
func TestMalformedRequestKeepsConnection(t *testing.T) {
	_, addr := startTestNodeWithAddr(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// A set_xattr envelope with a truncated body
	require.NoError(t, wire.WriteFrame(conn, []byte(`{"kind":"set_xattr","body":{"inode":`)))
	responseBytes, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	response, err := wire.DecodeResponse(responseBytes)
	require.NoError(t, err)
	assert.Equal(t, wire.ErrBadRequest, wire.CodeOf(response.AsError()))

	// Same connection, well-formed request
	payload, err := wire.EncodeRequest(wire.RequestGetattr, wire.GetattrRequest{Inode: types.RootInode})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, payload))
	responseBytes, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	response, err = wire.DecodeResponse(responseBytes)
	require.NoError(t, err)
	assert.NoError(t, response.AsError())
}

// An envelope with no discriminant at all is a protocol violation and the
// server closes the connection after answering.
func TestMissingDiscriminantClosesConnection(t *testing.T) {
	_, addr := startTestNodeWithAddr(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, []byte(`{"body":{}}`)))
	responseBytes, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	response, err := wire.DecodeResponse(responseBytes)
	require.NoError(t, err)
	assert.Equal(t, wire.ErrBadRequest, wire.CodeOf(response.AsError()))

	// The server hangs up; the next read reaches EOF
	_, err = wire.ReadFrame(conn)
	assert.Error(t, err)
}
