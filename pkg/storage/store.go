package storage

import (
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Store is the facade the applier and the read path invoke on the local data
// plane. Every mutating call below is only ever reached through a committed
// log entry; the read calls are served directly after the freshness
// handshake.
type Store interface {
	// Read path
	Lookup(parent types.InodeID, name string) (types.DirEntry, error)
	Getattr(inode types.InodeID) (types.FileAttr, error)
	Readdir(inode types.InodeID) ([]types.DirEntry, error)
	Read(inode types.InodeID, offset uint64, size uint32) ([]byte, error)
	GetXattr(inode types.InodeID, key string) ([]byte, error)
	ListXattrs(inode types.InodeID) ([]string, error)
	StatFS() types.StatFS

	// Write path (applier only)
	Write(inode types.InodeID, offset uint64, data []byte) (uint32, error)
	Truncate(inode types.InodeID, newLength uint64) (types.FileAttr, error)
	Chmod(inode types.InodeID, mode uint32) (types.FileAttr, error)
	Chown(inode types.InodeID, uid, gid *uint32) (types.FileAttr, error)
	Utimens(inode types.InodeID, atime, mtime *types.Timestamp) (types.FileAttr, error)
	Fsync(inode types.InodeID) error
	SetXattr(inode types.InodeID, key string, value []byte) error
	RemoveXattr(inode types.InodeID, key string) error
	Lock(inode types.InodeID, owner types.LockOwner) error
	Unlock(inode types.InodeID, owner types.LockOwner) error

	// Inode and link manipulation (applier only, emitted by the
	// transaction coordinator)
	CreateInode(group types.GroupID, groupCount int, uid, gid, mode uint32, kind types.FileKind) (types.FileAttr, error)
	DecrementInode(inode types.InodeID) error
	HardlinkIncrement(inode types.InodeID) (uint32, error)
	HardlinkRollback(inode types.InodeID) (uint32, error)
	CreateLink(parent types.InodeID, name string, target types.InodeID, kind types.FileKind) error
	RemoveLink(parent types.InodeID, name string, expected *types.InodeID, requireEmpty bool) (types.DirEntry, error)
	ReplaceLink(parent types.InodeID, name string, newTarget types.InodeID, kind types.FileKind, expectedOld *types.InodeID) (*types.InodeID, error)
	UpdateParent(inode types.InodeID, newParent types.InodeID) error
	UpdateMetadataChangedTime(inode types.InodeID) error

	Close() error
}

// View is the read-only slice of the facade consumed by the integrity
// tooling.
type View interface {
	ForEachInode(fn func(attr types.FileAttr) error) error
	ForEachDirEntry(fn func(parent types.InodeID, entry types.DirEntry) error) error
	Checksum() ([]byte, error)
	ChecksumGroups(groupCount int) (map[types.GroupID][]byte, error)
}

// errNoSuchInode et al give the bolt store one place to mint wire errors
var (
	errNoSuchInode  = wire.NewError(wire.ErrNoSuchInode)
	errNoSuchEntry  = wire.NewError(wire.ErrNoSuchEntry)
	errNameExists   = wire.NewError(wire.ErrNameExists)
	errNotEmpty     = wire.NewError(wire.ErrNotEmpty)
	errWrongKind    = wire.NewError(wire.ErrWrongKind)
	errLockConflict = wire.NewError(wire.ErrLockConflict)
)
