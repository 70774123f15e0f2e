package router

import (
	"context"
	"encoding/json"

	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// GroupForInode exposes the partition function to the coordinator
func (r *Router) GroupForInode(inode types.InodeID) types.GroupID {
	return r.manager.GroupForInode(inode)
}

// ProposeToGroup delivers one sub-operation to a group's leader. A local
// leader proposes directly; otherwise the encoded request is forwarded to
// the leader if known, then to the remaining members until one accepts.
func (r *Router) ProposeToGroup(ctx context.Context, group types.GroupID, kind wire.RequestKind, body interface{}) (*wire.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	req := &wire.Request{Kind: kind, Body: raw}

	if node, ok := r.manager.LookupByGroupID(group); ok && node.IsLeader() {
		builder, _, err := node.ProposeAndAwait(ctx, req, wire.NewBuilder())
		if err != nil {
			return nil, err
		}
		return wire.DecodeResponse(builder.Bytes())
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	responseBytes, err := r.forwardToGroupLeader(ctx, group, payload)
	if err != nil {
		return nil, err
	}
	return wire.DecodeResponse(responseBytes)
}

// ProposeToLeastLoaded routes an allocation to the least-loaded group. The
// chosen group is pinned into a create-inode body so a forwarded hop cannot
// re-route it.
func (r *Router) ProposeToLeastLoaded(ctx context.Context, kind wire.RequestKind, body interface{}) (*wire.Response, error) {
	node, err := r.manager.LeastLoadedGroup()
	if err != nil {
		return nil, err
	}
	group := node.Group()
	if create, ok := body.(wire.CreateInodeRequest); ok {
		create.Group = &group
		body = create
	}
	return r.ProposeToGroup(ctx, group, kind, body)
}

// Lookup runs the freshness-synced read path on the parent's owning group
func (r *Router) Lookup(ctx context.Context, parent types.InodeID, name string) (types.DirEntry, error) {
	if node, ok := r.manager.LookupByInode(parent); ok {
		if err := node.SyncWithLeader(ctx); err != nil {
			return types.DirEntry{}, err
		}
		return node.Store().Lookup(parent, name)
	}

	payload, err := wire.EncodeRequest(wire.RequestLookup, wire.LookupRequest{Parent: parent, Name: name})
	if err != nil {
		return types.DirEntry{}, wire.NewError(wire.ErrInternal)
	}
	response, err := r.forwardToGroupMember(ctx, r.GroupForInode(parent), payload)
	if err != nil {
		return types.DirEntry{}, err
	}
	if err := response.AsError(); err != nil {
		return types.DirEntry{}, err
	}
	var body wire.EntryResponse
	if err := response.DecodeBody(&body); err != nil {
		return types.DirEntry{}, wire.NewError(wire.ErrInternal)
	}
	return body.Entry, nil
}

// Getattr runs the freshness-synced read path on the inode's owning group
func (r *Router) Getattr(ctx context.Context, inode types.InodeID) (types.FileAttr, error) {
	if node, ok := r.manager.LookupByInode(inode); ok {
		if err := node.SyncWithLeader(ctx); err != nil {
			return types.FileAttr{}, err
		}
		return node.Store().Getattr(inode)
	}

	payload, err := wire.EncodeRequest(wire.RequestGetattr, wire.GetattrRequest{Inode: inode})
	if err != nil {
		return types.FileAttr{}, wire.NewError(wire.ErrInternal)
	}
	response, err := r.forwardToGroupMember(ctx, r.GroupForInode(inode), payload)
	if err != nil {
		return types.FileAttr{}, err
	}
	if err := response.AsError(); err != nil {
		return types.FileAttr{}, err
	}
	var body wire.AttrResponse
	if err := response.DecodeBody(&body); err != nil {
		return types.FileAttr{}, wire.NewError(wire.ErrInternal)
	}
	return body.Attr, nil
}

// forwardToGroupLeader tries the group's members leader-first until one
// accepts the proposal. Members answering not_leader are skipped; if every
// member declines the leader is unreachable.
func (r *Router) forwardToGroupLeader(ctx context.Context, group types.GroupID, payload []byte) ([]byte, error) {
	for _, member := range r.groupCandidates(group) {
		responseBytes, err := r.pool.Forward(ctx, member, payload)
		if err != nil {
			r.logger.Debug().Err(err).Uint64("peer", uint64(member)).Msg("forward failed")
			continue
		}
		response, err := wire.DecodeResponse(responseBytes)
		if err != nil {
			continue
		}
		if werr := response.AsError(); werr != nil && wire.CodeOf(werr) == wire.ErrNotLeader {
			continue
		}
		return responseBytes, nil
	}
	return nil, wire.NewError(wire.ErrLeaderUnreachable)
}

// forwardToGroupMember sends a read to any member of the group; the member
// runs its own freshness handshake before serving.
func (r *Router) forwardToGroupMember(ctx context.Context, group types.GroupID, payload []byte) (*wire.Response, error) {
	for _, member := range r.groupCandidates(group) {
		responseBytes, err := r.pool.Forward(ctx, member, payload)
		if err != nil {
			continue
		}
		return wire.DecodeResponse(responseBytes)
	}
	return nil, wire.NewError(wire.ErrLeaderUnreachable)
}

// groupCandidates orders the group's members for forwarding: the locally
// observed leader first, then the rest, never self.
func (r *Router) groupCandidates(group types.GroupID) []types.NodeID {
	var leader types.NodeID
	if node, ok := r.manager.LookupByGroupID(group); ok {
		leader = node.LeaderID()
	}

	var candidates []types.NodeID
	if leader != 0 && leader != r.manager.NodeID() {
		candidates = append(candidates, leader)
	}
	for _, grp := range r.manager.Cluster().Groups {
		if grp.ID != group {
			continue
		}
		for _, member := range grp.Nodes {
			if member == r.manager.NodeID() || member == leader {
				continue
			}
			candidates = append(candidates, member)
		}
	}
	return candidates
}
