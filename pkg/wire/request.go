package wire

import (
	"encoding/json"
	"fmt"

	"github.com/cberner/fleetfs/pkg/types"
)

// RequestKind is the discriminant of the request union
type RequestKind string

const (
	// Read and query requests, served locally after a freshness handshake
	// (read_raw skips the handshake)
	RequestRead       RequestKind = "read"
	RequestReadRaw    RequestKind = "read_raw"
	RequestLookup     RequestKind = "lookup"
	RequestGetattr    RequestKind = "getattr"
	RequestReaddir    RequestKind = "readdir"
	RequestGetXattr   RequestKind = "get_xattr"
	RequestListXattrs RequestKind = "list_xattrs"

	// Single-group writes, proposed to the owning group
	RequestWrite       RequestKind = "write"
	RequestSetXattr    RequestKind = "set_xattr"
	RequestRemoveXattr RequestKind = "remove_xattr"
	RequestChmod       RequestKind = "chmod"
	RequestChown       RequestKind = "chown"
	RequestUtimens     RequestKind = "utimens"
	RequestTruncate    RequestKind = "truncate"
	RequestFsync       RequestKind = "fsync"
	RequestLock        RequestKind = "lock"
	RequestUnlock      RequestKind = "unlock"

	// Multi-inode operations, handled by the transaction coordinator
	RequestCreate   RequestKind = "create"
	RequestMkdir    RequestKind = "mkdir"
	RequestUnlink   RequestKind = "unlink"
	RequestRmdir    RequestKind = "rmdir"
	RequestRename   RequestKind = "rename"
	RequestHardlink RequestKind = "hardlink"

	// Internal sub-operations, only ever emitted by the coordinator
	RequestCreateInode               RequestKind = "create_inode"
	RequestDecrementInode            RequestKind = "decrement_inode"
	RequestCreateLink                RequestKind = "create_link"
	RequestRemoveLink                RequestKind = "remove_link"
	RequestReplaceLink               RequestKind = "replace_link"
	RequestUpdateParent              RequestKind = "update_parent"
	RequestUpdateMetadataChangedTime RequestKind = "update_metadata_changed_time"
	RequestHardlinkIncrement         RequestKind = "hardlink_increment"
	RequestHardlinkRollback          RequestKind = "hardlink_rollback"

	// Cluster requests
	RequestFilesystemCheck    RequestKind = "filesystem_check"
	RequestFilesystemChecksum RequestKind = "filesystem_checksum"
	RequestFilesystemReady    RequestKind = "filesystem_ready"
	RequestLatestCommit       RequestKind = "latest_commit"
	RequestRaft               RequestKind = "raft"
)

// Request is the tagged union sent over the wire. Exactly one envelope per
// frame; Body decodes according to Kind.
type Request struct {
	Kind RequestKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EncodeRequest builds an envelope around body
func EncodeRequest(kind RequestKind, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", kind, err)
	}
	return json.Marshal(Request{Kind: kind, Body: raw})
}

// DecodeRequest parses an envelope. The body is left raw for the router to
// decode by kind.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(ErrBadRequest)
	}
	if req.Kind == "" {
		return nil, NewError(ErrBadRequest)
	}
	return &req, nil
}

// DecodeBody decodes the union payload into out, mapping malformed payloads
// to bad_request.
func (r *Request) DecodeBody(out interface{}) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return NewError(ErrBadRequest)
	}
	return nil
}

type ReadRequest struct {
	Inode  types.InodeID `json:"inode"`
	Offset uint64        `json:"offset"`
	Size   uint32        `json:"size"`
}

type ReadRawRequest struct {
	Inode  types.InodeID `json:"inode"`
	Offset uint64        `json:"offset"`
	Size   uint32        `json:"size"`
}

type WriteRequest struct {
	Inode  types.InodeID `json:"inode"`
	Offset uint64        `json:"offset"`
	Data   []byte        `json:"data"`
}

type LookupRequest struct {
	Parent  types.InodeID     `json:"parent"`
	Name    string            `json:"name"`
	Context types.UserContext `json:"context"`
}

type GetattrRequest struct {
	Inode types.InodeID `json:"inode"`
}

type ReaddirRequest struct {
	Inode types.InodeID `json:"inode"`
}

type GetXattrRequest struct {
	Inode types.InodeID `json:"inode"`
	Key   string        `json:"key"`
}

type ListXattrsRequest struct {
	Inode types.InodeID `json:"inode"`
}

type SetXattrRequest struct {
	Inode types.InodeID `json:"inode"`
	Key   string        `json:"key"`
	Value []byte        `json:"value"`
}

type RemoveXattrRequest struct {
	Inode types.InodeID `json:"inode"`
	Key   string        `json:"key"`
}

type ChmodRequest struct {
	Inode   types.InodeID     `json:"inode"`
	Mode    uint32            `json:"mode"`
	Context types.UserContext `json:"context"`
}

type ChownRequest struct {
	Inode   types.InodeID     `json:"inode"`
	UID     *uint32           `json:"uid,omitempty"`
	GID     *uint32           `json:"gid,omitempty"`
	Context types.UserContext `json:"context"`
}

type UtimensRequest struct {
	Inode   types.InodeID     `json:"inode"`
	Atime   *types.Timestamp  `json:"atime,omitempty"`
	Mtime   *types.Timestamp  `json:"mtime,omitempty"`
	Context types.UserContext `json:"context"`
}

type TruncateRequest struct {
	Inode     types.InodeID     `json:"inode"`
	NewLength uint64            `json:"new_length"`
	Context   types.UserContext `json:"context"`
}

type FsyncRequest struct {
	Inode types.InodeID `json:"inode"`
}

type LockRequest struct {
	Inode types.InodeID   `json:"inode"`
	Owner types.LockOwner `json:"owner"`
}

type UnlockRequest struct {
	Inode types.InodeID   `json:"inode"`
	Owner types.LockOwner `json:"owner"`
}

type CreateRequest struct {
	Parent types.InodeID  `json:"parent"`
	Name   string         `json:"name"`
	UID    uint32         `json:"uid"`
	GID    uint32         `json:"gid"`
	Mode   uint32         `json:"mode"`
	Kind   types.FileKind `json:"kind"`
}

type MkdirRequest struct {
	Parent types.InodeID `json:"parent"`
	Name   string        `json:"name"`
	UID    uint32        `json:"uid"`
	GID    uint32        `json:"gid"`
	Mode   uint32        `json:"mode"`
}

type UnlinkRequest struct {
	Parent  types.InodeID     `json:"parent"`
	Name    string            `json:"name"`
	Context types.UserContext `json:"context"`
}

type RmdirRequest struct {
	Parent  types.InodeID     `json:"parent"`
	Name    string            `json:"name"`
	Context types.UserContext `json:"context"`
}

type RenameRequest struct {
	Parent    types.InodeID     `json:"parent"`
	Name      string            `json:"name"`
	NewParent types.InodeID     `json:"new_parent"`
	NewName   string            `json:"new_name"`
	Context   types.UserContext `json:"context"`
}

type HardlinkRequest struct {
	Inode     types.InodeID     `json:"inode"`
	NewParent types.InodeID     `json:"new_parent"`
	NewName   string            `json:"new_name"`
	Context   types.UserContext `json:"context"`
}

// CreateInodeRequest allocates a fresh inode on the least-loaded group.
// Group is pinned by the router once it has chosen, so forwarding the
// request between nodes cannot re-route the allocation. Internal.
type CreateInodeRequest struct {
	UID   uint32         `json:"uid"`
	GID   uint32         `json:"gid"`
	Mode  uint32         `json:"mode"`
	Kind  types.FileKind `json:"kind"`
	Group *types.GroupID `json:"group,omitempty"`
}

// DecrementInodeRequest drops one link from the inode's count, destroying it
// at zero. Internal.
type DecrementInodeRequest struct {
	Inode types.InodeID `json:"inode"`
}

// CreateLinkRequest adds a directory entry pointing at an existing inode.
// Internal.
type CreateLinkRequest struct {
	Parent types.InodeID  `json:"parent"`
	Name   string         `json:"name"`
	Inode  types.InodeID  `json:"inode"`
	Kind   types.FileKind `json:"kind"`
}

// RemoveLinkRequest removes a directory entry. ExpectedInode guards against
// a concurrent replacement; RequireEmpty carries the rmdir precondition into
// the applier where it is checked atomically. Internal.
type RemoveLinkRequest struct {
	Parent        types.InodeID  `json:"parent"`
	Name          string         `json:"name"`
	ExpectedInode *types.InodeID `json:"expected_inode,omitempty"`
	RequireEmpty  bool           `json:"require_empty,omitempty"`
}

// ReplaceLinkRequest points an existing or fresh directory entry at a new
// inode, returning the previous target if any. Internal.
type ReplaceLinkRequest struct {
	Parent      types.InodeID  `json:"parent"`
	Name        string         `json:"name"`
	NewInode    types.InodeID  `json:"new_inode"`
	Kind        types.FileKind `json:"kind"`
	ExpectedOld *types.InodeID `json:"expected_old,omitempty"`

	// Fused rename inside one group: also remove OldName under OldParent
	OldParent *types.InodeID `json:"old_parent,omitempty"`
	OldName   string         `json:"old_name,omitempty"`
}

// UpdateParentRequest rewrites the ".." bookkeeping of a moved inode.
// Internal.
type UpdateParentRequest struct {
	Inode     types.InodeID `json:"inode"`
	NewParent types.InodeID `json:"new_parent"`
}

// UpdateMetadataChangedTimeRequest bumps ctime after a link-count change.
// Internal.
type UpdateMetadataChangedTimeRequest struct {
	Inode types.InodeID `json:"inode"`
}

// HardlinkIncrementRequest bumps the link count ahead of a create-link.
// Internal.
type HardlinkIncrementRequest struct {
	Inode types.InodeID `json:"inode"`
}

// HardlinkRollbackRequest undoes a hardlink increment after a failed
// create-link. Internal.
type HardlinkRollbackRequest struct {
	Inode types.InodeID `json:"inode"`
}

type FilesystemCheckRequest struct{}

type FilesystemChecksumRequest struct{}

type FilesystemReadyRequest struct{}

type LatestCommitRequest struct {
	Group types.GroupID `json:"group"`
}

// RaftRequest carries one marshaled raftpb.Message for the addressed group
type RaftRequest struct {
	Group   types.GroupID `json:"group"`
	Message []byte        `json:"message"`
}

// internalKinds are the sub-operations the coordinator emits. The router
// does not tell client connections from peer connections, so it accepts
// these kinds from either.
var internalKinds = map[RequestKind]bool{
	RequestCreateInode:               true,
	RequestDecrementInode:            true,
	RequestCreateLink:                true,
	RequestRemoveLink:                true,
	RequestReplaceLink:               true,
	RequestUpdateParent:              true,
	RequestUpdateMetadataChangedTime: true,
	RequestHardlinkIncrement:         true,
	RequestHardlinkRollback:          true,
}

// Internal reports whether kind is a coordinator-only sub-operation
func (k RequestKind) Internal() bool {
	return internalKinds[k]
}
