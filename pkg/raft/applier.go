package raft

import (
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// applyToStore executes one committed request against the local storage
// facade and finalizes the response into builder. Read kinds never enter
// the log; seeing one here is a protocol violation reported as bad_request.
func applyToStore(req *wire.Request, store storage.Store, group types.GroupID, groupCount int, builder *wire.Builder) {
	switch req.Kind {
	case wire.RequestWrite:
		var body wire.WriteRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		written, err := store.Write(body.Inode, body.Offset, body.Data)
		builder.FinalizeResult(wire.ResponseWritten, wire.WrittenResponse{BytesWritten: written}, err)

	case wire.RequestTruncate:
		var body wire.TruncateRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		attr, err := store.Truncate(body.Inode, body.NewLength)
		builder.FinalizeResult(wire.ResponseAttr, wire.AttrResponse{Attr: attr}, err)

	case wire.RequestChmod:
		var body wire.ChmodRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		attr, err := store.Chmod(body.Inode, body.Mode)
		builder.FinalizeResult(wire.ResponseAttr, wire.AttrResponse{Attr: attr}, err)

	case wire.RequestChown:
		var body wire.ChownRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		attr, err := store.Chown(body.Inode, body.UID, body.GID)
		builder.FinalizeResult(wire.ResponseAttr, wire.AttrResponse{Attr: attr}, err)

	case wire.RequestUtimens:
		var body wire.UtimensRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		attr, err := store.Utimens(body.Inode, body.Atime, body.Mtime)
		builder.FinalizeResult(wire.ResponseAttr, wire.AttrResponse{Attr: attr}, err)

	case wire.RequestFsync:
		var body wire.FsyncRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.Fsync(body.Inode)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestSetXattr:
		var body wire.SetXattrRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.SetXattr(body.Inode, body.Key, body.Value)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestRemoveXattr:
		var body wire.RemoveXattrRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.RemoveXattr(body.Inode, body.Key)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestLock:
		var body wire.LockRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.Lock(body.Inode, body.Owner)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestUnlock:
		var body wire.UnlockRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.Unlock(body.Inode, body.Owner)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestCreateInode:
		var body wire.CreateInodeRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		attr, err := store.CreateInode(group, groupCount, body.UID, body.GID, body.Mode, body.Kind)
		builder.FinalizeResult(wire.ResponseAttr, wire.AttrResponse{Attr: attr}, err)

	case wire.RequestDecrementInode:
		var body wire.DecrementInodeRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.DecrementInode(body.Inode)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestCreateLink:
		var body wire.CreateLinkRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.CreateLink(body.Parent, body.Name, body.Inode, body.Kind)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestRemoveLink:
		var body wire.RemoveLinkRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		removed, err := store.RemoveLink(body.Parent, body.Name, body.ExpectedInode, body.RequireEmpty)
		resp := wire.RemovedInodeResponse{}
		if err == nil {
			resp.Inode = &removed.Inode
			resp.Kind = &removed.Kind
		}
		builder.FinalizeResult(wire.ResponseRemovedInode, resp, err)

	case wire.RequestReplaceLink:
		var body wire.ReplaceLinkRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		old, err := store.ReplaceLink(body.Parent, body.Name, body.NewInode, body.Kind, body.ExpectedOld)
		if err == nil && body.OldParent != nil {
			// Fused rename within one group: the source entry is removed
			// in the same log entry that created the destination.
			expected := body.NewInode
			_, err = store.RemoveLink(*body.OldParent, body.OldName, &expected, false)
		}
		builder.FinalizeResult(wire.ResponseRemovedInode, wire.RemovedInodeResponse{Inode: old}, err)

	case wire.RequestUpdateParent:
		var body wire.UpdateParentRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.UpdateParent(body.Inode, body.NewParent)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestUpdateMetadataChangedTime:
		var body wire.UpdateMetadataChangedTimeRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		err := store.UpdateMetadataChangedTime(body.Inode)
		builder.FinalizeResult(wire.ResponseEmpty, wire.EmptyResponse{}, err)

	case wire.RequestHardlinkIncrement:
		var body wire.HardlinkIncrementRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		count, err := store.HardlinkIncrement(body.Inode)
		builder.FinalizeResult(wire.ResponseLinkCount, wire.LinkCountResponse{Count: count}, err)

	case wire.RequestHardlinkRollback:
		var body wire.HardlinkRollbackRequest
		if err := req.DecodeBody(&body); err != nil {
			builder.FinalizeError(wire.ErrBadRequest)
			return
		}
		count, err := store.HardlinkRollback(body.Inode)
		builder.FinalizeResult(wire.ResponseLinkCount, wire.LinkCountResponse{Count: count}, err)

	default:
		builder.FinalizeError(wire.ErrBadRequest)
	}
}
