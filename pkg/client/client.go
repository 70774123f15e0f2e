package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// NodeClient speaks the wire protocol to one storage node over a
// long-lived connection. The filesystem driver and the tooling commands
// are both built on it. It is safe for concurrent use; requests on the
// connection are serialized.
type NodeClient struct {
	addr    string
	timeout time.Duration
	owner   types.LockOwner

	mu   sync.Mutex
	conn net.Conn
}

// New returns a client for the node at addr. The connection opens lazily.
// Each client gets its own lock-owner identity.
func New(addr string) *NodeClient {
	return &NodeClient{
		addr:    addr,
		timeout: 30 * time.Second,
		owner:   types.LockOwner(uuid.NewString()),
	}
}

// Owner returns the lock-owner identity of this client
func (c *NodeClient) Owner() types.LockOwner {
	return c.owner
}

// Close tears down the connection
func (c *NodeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// roundTrip sends one request and decodes the response body into out. A
// wire error response comes back as *wire.Error.
func (c *NodeClient) roundTrip(kind wire.RequestKind, body interface{}, out interface{}) error {
	payload, err := wire.EncodeRequest(kind, body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", kind, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
		if err != nil {
			return err
		}
		c.conn = conn
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return c.fail(err)
	}
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return c.fail(err)
	}
	responseBytes, err := wire.ReadFrame(c.conn)
	if err != nil {
		return c.fail(err)
	}

	response, err := wire.DecodeResponse(responseBytes)
	if err != nil {
		return err
	}
	if err := response.AsError(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return response.DecodeBody(out)
}

// fail discards the connection so the next call re-dials
func (c *NodeClient) fail(err error) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return err
}

func (c *NodeClient) Create(parent types.InodeID, name string, uid, gid, mode uint32, kind types.FileKind) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestCreate, wire.CreateRequest{
		Parent: parent, Name: name, UID: uid, GID: gid, Mode: mode, Kind: kind,
	}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Mkdir(parent types.InodeID, name string, uid, gid, mode uint32) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestMkdir, wire.MkdirRequest{
		Parent: parent, Name: name, UID: uid, GID: gid, Mode: mode,
	}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Lookup(parent types.InodeID, name string) (types.DirEntry, error) {
	var resp wire.EntryResponse
	err := c.roundTrip(wire.RequestLookup, wire.LookupRequest{Parent: parent, Name: name}, &resp)
	return resp.Entry, err
}

func (c *NodeClient) Getattr(inode types.InodeID) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestGetattr, wire.GetattrRequest{Inode: inode}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Readdir(inode types.InodeID) ([]types.DirEntry, error) {
	var resp wire.DirectoryListingResponse
	err := c.roundTrip(wire.RequestReaddir, wire.ReaddirRequest{Inode: inode}, &resp)
	return resp.Entries, err
}

func (c *NodeClient) Read(inode types.InodeID, offset uint64, size uint32) ([]byte, error) {
	var resp wire.ReadResponse
	err := c.roundTrip(wire.RequestRead, wire.ReadRequest{Inode: inode, Offset: offset, Size: size}, &resp)
	return resp.Data, err
}

func (c *NodeClient) ReadRaw(inode types.InodeID, offset uint64, size uint32) ([]byte, error) {
	var resp wire.ReadResponse
	err := c.roundTrip(wire.RequestReadRaw, wire.ReadRawRequest{Inode: inode, Offset: offset, Size: size}, &resp)
	return resp.Data, err
}

func (c *NodeClient) Write(inode types.InodeID, offset uint64, data []byte) (uint32, error) {
	var resp wire.WrittenResponse
	err := c.roundTrip(wire.RequestWrite, wire.WriteRequest{Inode: inode, Offset: offset, Data: data}, &resp)
	return resp.BytesWritten, err
}

func (c *NodeClient) Truncate(inode types.InodeID, newLength uint64) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestTruncate, wire.TruncateRequest{Inode: inode, NewLength: newLength}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Chmod(inode types.InodeID, mode uint32) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestChmod, wire.ChmodRequest{Inode: inode, Mode: mode}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Chown(inode types.InodeID, uid, gid *uint32) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestChown, wire.ChownRequest{Inode: inode, UID: uid, GID: gid}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Utimens(inode types.InodeID, atime, mtime *types.Timestamp) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestUtimens, wire.UtimensRequest{Inode: inode, Atime: atime, Mtime: mtime}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Fsync(inode types.InodeID) error {
	return c.roundTrip(wire.RequestFsync, wire.FsyncRequest{Inode: inode}, nil)
}

func (c *NodeClient) SetXattr(inode types.InodeID, key string, value []byte) error {
	return c.roundTrip(wire.RequestSetXattr, wire.SetXattrRequest{Inode: inode, Key: key, Value: value}, nil)
}

func (c *NodeClient) GetXattr(inode types.InodeID, key string) ([]byte, error) {
	var resp wire.XattrResponse
	err := c.roundTrip(wire.RequestGetXattr, wire.GetXattrRequest{Inode: inode, Key: key}, &resp)
	return resp.Value, err
}

func (c *NodeClient) ListXattrs(inode types.InodeID) ([]string, error) {
	var resp wire.XattrsResponse
	err := c.roundTrip(wire.RequestListXattrs, wire.ListXattrsRequest{Inode: inode}, &resp)
	return resp.Keys, err
}

func (c *NodeClient) RemoveXattr(inode types.InodeID, key string) error {
	return c.roundTrip(wire.RequestRemoveXattr, wire.RemoveXattrRequest{Inode: inode, Key: key}, nil)
}

func (c *NodeClient) Unlink(parent types.InodeID, name string) error {
	return c.roundTrip(wire.RequestUnlink, wire.UnlinkRequest{Parent: parent, Name: name}, nil)
}

func (c *NodeClient) Rmdir(parent types.InodeID, name string) error {
	return c.roundTrip(wire.RequestRmdir, wire.RmdirRequest{Parent: parent, Name: name}, nil)
}

func (c *NodeClient) Rename(parent types.InodeID, name string, newParent types.InodeID, newName string) error {
	return c.roundTrip(wire.RequestRename, wire.RenameRequest{
		Parent: parent, Name: name, NewParent: newParent, NewName: newName,
	}, nil)
}

func (c *NodeClient) Hardlink(inode, newParent types.InodeID, newName string) (types.FileAttr, error) {
	var resp wire.AttrResponse
	err := c.roundTrip(wire.RequestHardlink, wire.HardlinkRequest{
		Inode: inode, NewParent: newParent, NewName: newName,
	}, &resp)
	return resp.Attr, err
}

func (c *NodeClient) Lock(inode types.InodeID) error {
	return c.roundTrip(wire.RequestLock, wire.LockRequest{Inode: inode, Owner: c.owner}, nil)
}

func (c *NodeClient) Unlock(inode types.InodeID) error {
	return c.roundTrip(wire.RequestUnlock, wire.UnlockRequest{Inode: inode, Owner: c.owner}, nil)
}

func (c *NodeClient) FilesystemReady() error {
	return c.roundTrip(wire.RequestFilesystemReady, wire.FilesystemReadyRequest{}, nil)
}

func (c *NodeClient) FilesystemCheck() error {
	return c.roundTrip(wire.RequestFilesystemCheck, wire.FilesystemCheckRequest{}, nil)
}

func (c *NodeClient) FilesystemChecksum() ([]wire.GroupChecksum, error) {
	var resp wire.ChecksumResponse
	err := c.roundTrip(wire.RequestFilesystemChecksum, wire.FilesystemChecksumRequest{}, &resp)
	return resp.Checksums, err
}

func (c *NodeClient) LatestCommit(group types.GroupID) (uint64, error) {
	var resp wire.LatestCommitResponse
	err := c.roundTrip(wire.RequestLatestCommit, wire.LatestCommitRequest{Group: group}, &resp)
	return resp.Index, err
}
