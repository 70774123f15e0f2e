package txn

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Proposer is the slice of the request router the coordinator drives. Each
// call routes one internal sub-operation to the owning group's leader,
// local or remote, and returns the decoded response.
type Proposer interface {
	ProposeToGroup(ctx context.Context, group types.GroupID, kind wire.RequestKind, body interface{}) (*wire.Response, error)
	ProposeToLeastLoaded(ctx context.Context, kind wire.RequestKind, body interface{}) (*wire.Response, error)
	GroupForInode(inode types.InodeID) types.GroupID
	// Lookup and Getattr run the freshness-synced read path
	Lookup(ctx context.Context, parent types.InodeID, name string) (types.DirEntry, error)
	Getattr(ctx context.Context, inode types.InodeID) (types.FileAttr, error)
}

// Coordinator stitches multi-inode filesystem operations out of
// single-group proposals. It is stateless across requests; rollback after a
// partial failure is best effort and bounded by the offline fsck pass.
type Coordinator struct {
	proposer Proposer
	logger   zerolog.Logger
}

// NewCoordinator returns a coordinator driving proposer
func NewCoordinator(proposer Proposer) *Coordinator {
	return &Coordinator{
		proposer: proposer,
		logger:   log.WithComponent("txn"),
	}
}

// decodeAttr pulls the FileAttr out of an attr response
func decodeAttr(resp *wire.Response) (types.FileAttr, error) {
	if err := resp.AsError(); err != nil {
		return types.FileAttr{}, err
	}
	var body wire.AttrResponse
	if err := resp.DecodeBody(&body); err != nil {
		return types.FileAttr{}, wire.NewError(wire.ErrInternal)
	}
	return body.Attr, nil
}

// checkEmptyResult maps a sub-proposal response to its typed error, if any
func checkEmptyResult(resp *wire.Response, err error) error {
	if err != nil {
		return err
	}
	return resp.AsError()
}

// Create allocates an inode on the least-loaded group and links it under
// the parent. On link failure the inode is reclaimed before the original
// error surfaces.
func (c *Coordinator) Create(ctx context.Context, parent types.InodeID, name string, uid, gid, mode uint32, kind types.FileKind, builder *wire.Builder) (*wire.Builder, error) {
	resp, err := c.proposer.ProposeToLeastLoaded(ctx, wire.RequestCreateInode, wire.CreateInodeRequest{
		UID:  uid,
		GID:  gid,
		Mode: mode,
		Kind: kind,
	})
	if err != nil {
		return nil, err
	}
	attr, err := decodeAttr(resp)
	if err != nil {
		return nil, err
	}

	linkErr := checkEmptyResult(c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(parent), wire.RequestCreateLink, wire.CreateLinkRequest{
		Parent: parent,
		Name:   name,
		Inode:  attr.Inode,
		Kind:   kind,
	}))
	if linkErr != nil {
		c.decrementInode(ctx, attr.Inode)
		return nil, linkErr
	}

	if err := builder.Finalize(wire.ResponseAttr, wire.AttrResponse{Attr: attr}); err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	return builder, nil
}

// Unlink removes a non-directory entry and decrements its inode. Once the
// remove-link commits the entry is authoritatively gone; a failed decrement
// leaves an orphan for fsck.
func (c *Coordinator) Unlink(ctx context.Context, parent types.InodeID, name string, builder *wire.Builder) (*wire.Builder, error) {
	entry, err := c.proposer.Lookup(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	if entry.Kind == types.FileKindDirectory {
		return nil, wire.NewError(wire.ErrWrongKind)
	}

	expected := entry.Inode
	removeErr := checkEmptyResult(c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(parent), wire.RequestRemoveLink, wire.RemoveLinkRequest{
		Parent:        parent,
		Name:          name,
		ExpectedInode: &expected,
	}))
	if removeErr != nil {
		return nil, removeErr
	}

	c.decrementInode(ctx, entry.Inode)

	if err := builder.Finalize(wire.ResponseEmpty, wire.EmptyResponse{}); err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	return builder, nil
}

// Rmdir removes an empty directory. The emptiness precondition is enforced
// atomically inside the remove-link applier on the parent's group.
func (c *Coordinator) Rmdir(ctx context.Context, parent types.InodeID, name string, builder *wire.Builder) (*wire.Builder, error) {
	entry, err := c.proposer.Lookup(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	if entry.Kind != types.FileKindDirectory {
		return nil, wire.NewError(wire.ErrWrongKind)
	}

	expected := entry.Inode
	removeErr := checkEmptyResult(c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(parent), wire.RequestRemoveLink, wire.RemoveLinkRequest{
		Parent:        parent,
		Name:          name,
		ExpectedInode: &expected,
		RequireEmpty:  true,
	}))
	if removeErr != nil {
		return nil, removeErr
	}

	c.decrementInode(ctx, entry.Inode)

	if err := builder.Finalize(wire.ResponseEmpty, wire.EmptyResponse{}); err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	return builder, nil
}

// Rename moves an entry between directories. The replace-link on the
// destination group is the linearization point; when both directories live
// in one group the replace and remove collapse into a single fused
// proposal.
func (c *Coordinator) Rename(ctx context.Context, parent types.InodeID, name string, newParent types.InodeID, newName string, builder *wire.Builder) (*wire.Builder, error) {
	entry, err := c.proposer.Lookup(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	var expectedOld *types.InodeID
	if existing, err := c.proposer.Lookup(ctx, newParent, newName); err == nil {
		inode := existing.Inode
		expectedOld = &inode
	}

	sourceGroup := c.proposer.GroupForInode(parent)
	destGroup := c.proposer.GroupForInode(newParent)

	replace := wire.ReplaceLinkRequest{
		Parent:      newParent,
		Name:        newName,
		NewInode:    entry.Inode,
		Kind:        entry.Kind,
		ExpectedOld: expectedOld,
	}
	if sourceGroup == destGroup {
		oldParent := parent
		replace.OldParent = &oldParent
		replace.OldName = name
	}

	resp, err := c.proposer.ProposeToGroup(ctx, destGroup, wire.RequestReplaceLink, replace)
	if err != nil {
		return nil, err
	}
	if err := resp.AsError(); err != nil {
		return nil, err
	}
	var replaced wire.RemovedInodeResponse
	if err := resp.DecodeBody(&replaced); err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}

	if sourceGroup != destGroup {
		expected := entry.Inode
		removeErr := checkEmptyResult(c.proposer.ProposeToGroup(ctx, sourceGroup, wire.RequestRemoveLink, wire.RemoveLinkRequest{
			Parent:        parent,
			Name:          name,
			ExpectedInode: &expected,
		}))
		if removeErr != nil {
			// The destination entry is already committed; the stale
			// source entry is left for fsck rather than rolled back.
			c.logger.Warn().
				Uint64("parent", uint64(parent)).
				Str("name", name).
				Msg("rename committed but source entry removal failed")
			return nil, removeErr
		}
	}

	if replaced.Inode != nil {
		c.decrementInode(ctx, *replaced.Inode)
	}

	updateErr := checkEmptyResult(c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(entry.Inode), wire.RequestUpdateParent, wire.UpdateParentRequest{
		Inode:     entry.Inode,
		NewParent: newParent,
	}))
	if updateErr != nil {
		return nil, updateErr
	}

	if err := builder.Finalize(wire.ResponseEmpty, wire.EmptyResponse{}); err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	return builder, nil
}

// Hardlink bumps the target's link count, then links it under the new
// parent. A failed create-link is compensated with a best-effort rollback;
// if that also fails the inflated count is left for fsck.
func (c *Coordinator) Hardlink(ctx context.Context, inode, newParent types.InodeID, newName string, builder *wire.Builder) (*wire.Builder, error) {
	resp, err := c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(inode), wire.RequestHardlinkIncrement, wire.HardlinkIncrementRequest{Inode: inode})
	if err != nil {
		return nil, err
	}
	if err := resp.AsError(); err != nil {
		return nil, err
	}

	linkErr := checkEmptyResult(c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(newParent), wire.RequestCreateLink, wire.CreateLinkRequest{
		Parent: newParent,
		Name:   newName,
		Inode:  inode,
		Kind:   types.FileKindFile,
	}))
	if linkErr != nil {
		rollbackErr := checkEmptyResult(c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(inode), wire.RequestHardlinkRollback, wire.HardlinkRollbackRequest{Inode: inode}))
		if rollbackErr != nil {
			c.logger.Warn().
				Uint64("inode", uint64(inode)).
				Msg("hardlink rollback failed, link count inflated until fsck")
		}
		return nil, linkErr
	}

	attr, err := c.proposer.Getattr(ctx, inode)
	if err != nil {
		return nil, err
	}
	if err := builder.Finalize(wire.ResponseAttr, wire.AttrResponse{Attr: attr}); err != nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	return builder, nil
}

// decrementInode reclaims one link best-effort. Failures are logged, not
// surfaced; the inode becomes an orphan that fsck will reclaim.
func (c *Coordinator) decrementInode(ctx context.Context, inode types.InodeID) {
	err := checkEmptyResult(c.proposer.ProposeToGroup(ctx, c.proposer.GroupForInode(inode), wire.RequestDecrementInode, wire.DecrementInodeRequest{Inode: inode}))
	if err != nil {
		c.logger.Warn().
			Uint64("inode", uint64(inode)).
			Err(err).
			Msg("inode decrement failed, orphan left for fsck")
	}
}
