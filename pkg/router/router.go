package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cberner/fleetfs/pkg/fsck"
	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/metrics"
	"github.com/cberner/fleetfs/pkg/raft"
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/transport"
	"github.com/cberner/fleetfs/pkg/txn"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Router is the single entry point from the wire. It decodes the request
// tag, dispatches to the right collaborator (direct read, single-group
// propose, transaction, or local query), and finalizes the response
// envelope.
type Router struct {
	manager     *raft.Manager
	pool        *transport.Pool
	checker     *fsck.Checker
	coordinator *txn.Coordinator
	logger      zerolog.Logger
}

// New wires the router to its collaborators
func New(manager *raft.Manager, pool *transport.Pool, view storage.View) *Router {
	r := &Router{
		manager: manager,
		pool:    pool,
		checker: fsck.NewChecker(view),
		logger:  log.WithComponent("router"),
	}
	r.coordinator = txn.NewCoordinator(r)
	return r
}

// Handle processes one request envelope and returns the response envelope.
// fatal is set only for a protocol violation that should terminate the
// connection: an envelope whose discriminant is missing entirely.
func (r *Router) Handle(ctx context.Context, payload []byte) (response []byte, fatal bool) {
	started := time.Now()

	var req wire.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorEnvelope(wire.ErrBadRequest), false
	}
	if req.Kind == "" {
		// The none discriminant is unreachable by contract; seeing it
		// means the peer is not speaking the protocol.
		return errorEnvelope(wire.ErrBadRequest), true
	}

	builder := wire.NewBuilder()
	full, kind, body, err := r.route(ctx, &req, payload, builder)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(wire.CodeOf(err))
		response = errorEnvelope(wire.CodeOf(err))
	case full != nil:
		response = full.Bytes()
	default:
		if ferr := builder.Finalize(kind, body); ferr != nil {
			outcome = string(wire.ErrInternal)
			response = errorEnvelope(wire.ErrInternal)
		} else {
			response = builder.Bytes()
		}
	}

	metrics.RequestsTotal.WithLabelValues(string(req.Kind), outcome).Inc()
	metrics.RequestDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(started).Seconds())
	return response, false
}

func errorEnvelope(code wire.ErrorCode) []byte {
	builder := wire.NewBuilder()
	builder.FinalizeError(code)
	return builder.Bytes()
}

// route dispatches one decoded envelope. It returns either a full
// pre-finalized builder or a partial (kind, body) pair for Handle to
// finalize.
func (r *Router) route(ctx context.Context, req *wire.Request, payload []byte, builder *wire.Builder) (*wire.Builder, wire.ResponseKind, interface{}, error) {
	switch req.Kind {
	case wire.RequestRead:
		var body wire.ReadRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByInode(body.Inode)
		if !ok {
			return r.forwardRaw(ctx, r.GroupForInode(body.Inode), payload, builder)
		}
		if err := node.SyncWithLeader(ctx); err != nil {
			return nil, "", nil, err
		}
		data, err := node.Store().Read(body.Inode, body.Offset, body.Size)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, wire.ResponseRead, wire.ReadResponse{Data: data}, nil

	case wire.RequestReadRaw:
		// Raw reads skip the freshness handshake; the caller tolerates
		// bounded staleness in exchange for one less leader RPC.
		var body wire.ReadRawRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByInode(body.Inode)
		if !ok {
			return r.forwardRaw(ctx, r.GroupForInode(body.Inode), payload, builder)
		}
		data, err := node.Store().Read(body.Inode, body.Offset, body.Size)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, wire.ResponseRead, wire.ReadResponse{Data: data}, nil

	case wire.RequestLookup:
		var body wire.LookupRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByInode(body.Parent)
		if !ok {
			return r.forwardRaw(ctx, r.GroupForInode(body.Parent), payload, builder)
		}
		if err := node.SyncWithLeader(ctx); err != nil {
			return nil, "", nil, err
		}
		entry, err := node.Store().Lookup(body.Parent, body.Name)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, wire.ResponseEntry, wire.EntryResponse{Entry: entry}, nil

	case wire.RequestGetattr:
		var body wire.GetattrRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByInode(body.Inode)
		if !ok {
			return r.forwardRaw(ctx, r.GroupForInode(body.Inode), payload, builder)
		}
		if err := node.SyncWithLeader(ctx); err != nil {
			return nil, "", nil, err
		}
		attr, err := node.Store().Getattr(body.Inode)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, wire.ResponseAttr, wire.AttrResponse{Attr: attr}, nil

	case wire.RequestReaddir:
		var body wire.ReaddirRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByInode(body.Inode)
		if !ok {
			return r.forwardRaw(ctx, r.GroupForInode(body.Inode), payload, builder)
		}
		if err := node.SyncWithLeader(ctx); err != nil {
			return nil, "", nil, err
		}
		entries, err := node.Store().Readdir(body.Inode)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, wire.ResponseDirectoryListing, wire.DirectoryListingResponse{Entries: entries}, nil

	case wire.RequestGetXattr:
		var body wire.GetXattrRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByInode(body.Inode)
		if !ok {
			return r.forwardRaw(ctx, r.GroupForInode(body.Inode), payload, builder)
		}
		if err := node.SyncWithLeader(ctx); err != nil {
			return nil, "", nil, err
		}
		value, err := node.Store().GetXattr(body.Inode, body.Key)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, wire.ResponseXattr, wire.XattrResponse{Value: value}, nil

	case wire.RequestListXattrs:
		var body wire.ListXattrsRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByInode(body.Inode)
		if !ok {
			return r.forwardRaw(ctx, r.GroupForInode(body.Inode), payload, builder)
		}
		if err := node.SyncWithLeader(ctx); err != nil {
			return nil, "", nil, err
		}
		keys, err := node.Store().ListXattrs(body.Inode)
		if err != nil {
			return nil, "", nil, err
		}
		return nil, wire.ResponseXattrs, wire.XattrsResponse{Keys: keys}, nil

	case wire.RequestWrite:
		var body wire.WriteRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestSetXattr:
		var body wire.SetXattrRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestRemoveXattr:
		var body wire.RemoveXattrRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestChmod:
		var body wire.ChmodRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestChown:
		var body wire.ChownRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestUtimens:
		var body wire.UtimensRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestTruncate:
		var body wire.TruncateRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestFsync:
		var body wire.FsyncRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestLock:
		var body wire.LockRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestUnlock:
		var body wire.UnlockRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestDecrementInode:
		var body wire.DecrementInodeRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestUpdateParent:
		var body wire.UpdateParentRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestUpdateMetadataChangedTime:
		var body wire.UpdateMetadataChangedTimeRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestHardlinkIncrement:
		var body wire.HardlinkIncrementRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestHardlinkRollback:
		var body wire.HardlinkRollbackRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Inode), req, payload, builder)

	case wire.RequestCreateLink:
		var body wire.CreateLinkRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Parent), req, payload, builder)

	case wire.RequestRemoveLink:
		var body wire.RemoveLinkRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Parent), req, payload, builder)

	case wire.RequestReplaceLink:
		var body wire.ReplaceLinkRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, r.GroupForInode(body.Parent), req, payload, builder)

	case wire.RequestCreateInode:
		var body wire.CreateInodeRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		if body.Group != nil {
			return r.routeWrite(ctx, *body.Group, req, payload, builder)
		}
		node, err := r.manager.LeastLoadedGroup()
		if err != nil {
			return nil, "", nil, err
		}
		return r.routeWrite(ctx, node.Group(), req, payload, builder)

	case wire.RequestCreate:
		var body wire.CreateRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		kind := body.Kind
		if kind == "" {
			kind = types.FileKindFile
		}
		full, err := r.coordinator.Create(ctx, body.Parent, body.Name, body.UID, body.GID, body.Mode, kind, builder)
		return full, "", nil, err

	case wire.RequestMkdir:
		var body wire.MkdirRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		full, err := r.coordinator.Create(ctx, body.Parent, body.Name, body.UID, body.GID, body.Mode, types.FileKindDirectory, builder)
		return full, "", nil, err

	case wire.RequestUnlink:
		var body wire.UnlinkRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		full, err := r.coordinator.Unlink(ctx, body.Parent, body.Name, builder)
		return full, "", nil, err

	case wire.RequestRmdir:
		var body wire.RmdirRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		full, err := r.coordinator.Rmdir(ctx, body.Parent, body.Name, builder)
		return full, "", nil, err

	case wire.RequestRename:
		var body wire.RenameRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		full, err := r.coordinator.Rename(ctx, body.Parent, body.Name, body.NewParent, body.NewName, builder)
		return full, "", nil, err

	case wire.RequestHardlink:
		var body wire.HardlinkRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		full, err := r.coordinator.Hardlink(ctx, body.Inode, body.NewParent, body.NewName, builder)
		return full, "", nil, err

	case wire.RequestFilesystemCheck:
		for _, node := range r.manager.LocalGroups() {
			if err := node.SyncWithLeader(ctx); err != nil {
				return nil, "", nil, err
			}
		}
		issues, err := r.checker.Check()
		if err != nil {
			return nil, "", nil, wire.NewError(wire.ErrStorageIO)
		}
		if len(issues) > 0 {
			return nil, "", nil, wire.NewError(wire.ErrStorageIO)
		}
		return nil, wire.ResponseEmpty, wire.EmptyResponse{}, nil

	case wire.RequestFilesystemChecksum:
		checksums, err := r.checker.Checksum(len(r.manager.Cluster().Groups))
		if err != nil {
			return nil, "", nil, wire.NewError(wire.ErrStorageIO)
		}
		return nil, wire.ResponseChecksum, wire.ChecksumResponse{Checksums: checksums}, nil

	case wire.RequestFilesystemReady:
		for _, node := range r.manager.LocalGroups() {
			if err := node.WaitForLeader(ctx); err != nil {
				return nil, "", nil, err
			}
		}
		return nil, wire.ResponseEmpty, wire.EmptyResponse{}, nil

	case wire.RequestLatestCommit:
		var body wire.LatestCommitRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		node, ok := r.manager.LookupByGroupID(body.Group)
		if !ok {
			return nil, "", nil, wire.NewError(wire.ErrBadRequest)
		}
		return nil, wire.ResponseLatestCommit, wire.LatestCommitResponse{Index: node.GetLatestLocalCommit()}, nil

	case wire.RequestRaft:
		var body wire.RaftRequest
		if err := req.DecodeBody(&body); err != nil {
			return nil, "", nil, err
		}
		var message raftpb.Message
		if err := message.Unmarshal(body.Message); err != nil {
			return nil, "", nil, wire.NewError(wire.ErrBadRequest)
		}
		node, ok := r.manager.LookupByGroupID(body.Group)
		if !ok {
			return nil, "", nil, wire.NewError(wire.ErrBadRequest)
		}
		if err := node.ApplyMessages([]raftpb.Message{message}); err != nil {
			return nil, "", nil, wire.NewError(wire.ErrInternal)
		}
		return nil, wire.ResponseEmpty, wire.EmptyResponse{}, nil

	default:
		return nil, "", nil, wire.NewError(wire.ErrNotSupported)
	}
}

// routeWrite proposes req on the owning group: locally when this node is a
// member, otherwise forwarded to the group's leader.
func (r *Router) routeWrite(ctx context.Context, group types.GroupID, req *wire.Request, payload []byte, builder *wire.Builder) (*wire.Builder, wire.ResponseKind, interface{}, error) {
	if node, ok := r.manager.LookupByGroupID(group); ok {
		full, _, err := node.ProposeAndAwait(ctx, req, builder)
		if err != nil {
			return nil, "", nil, err
		}
		return full, "", nil, nil
	}
	responseBytes, err := r.forwardToGroupLeader(ctx, group, payload)
	if err != nil {
		return nil, "", nil, err
	}
	builder.LoadFinalized(responseBytes)
	return builder, "", nil, nil
}

// forwardRaw relays a read to a member of a group this node does not
// participate in and returns the member's response verbatim.
func (r *Router) forwardRaw(ctx context.Context, group types.GroupID, payload []byte, builder *wire.Builder) (*wire.Builder, wire.ResponseKind, interface{}, error) {
	for _, member := range r.groupCandidates(group) {
		responseBytes, err := r.pool.Forward(ctx, member, payload)
		if err != nil {
			continue
		}
		builder.LoadFinalized(responseBytes)
		return builder, "", nil, nil
	}
	return nil, "", nil, wire.NewError(wire.ErrLeaderUnreachable)
}
