package fsck

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Issue is one inconsistency found during a check pass
type Issue struct {
	Inode   types.InodeID
	Problem string
}

func (i Issue) String() string {
	return fmt.Sprintf("inode %d: %s", i.Inode, i.Problem)
}

// Checker scans a read-only storage view for the inconsistencies a partial
// transaction failure can leave behind: orphaned inodes and link counts
// that disagree with the directory entries referencing them.
type Checker struct {
	view   storage.View
	logger zerolog.Logger
}

// NewChecker builds a checker over view
func NewChecker(view storage.View) *Checker {
	return &Checker{
		view:   view,
		logger: log.WithComponent("fsck"),
	}
}

// Check scans the local view and returns every inconsistency found.
// References are counted from the local directory entries only, so an inode
// whose entries live in a group this node does not replicate is reported as
// orphaned.
func (c *Checker) Check() ([]Issue, error) {
	references := make(map[types.InodeID]uint32)
	err := c.view.ForEachDirEntry(func(_ types.InodeID, entry types.DirEntry) error {
		references[entry.Inode]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory entries: %w", err)
	}

	var issues []Issue
	err = c.view.ForEachInode(func(attr types.FileAttr) error {
		if attr.Inode == types.RootInode {
			return nil
		}
		refs := references[attr.Inode]
		switch {
		case refs == 0:
			issues = append(issues, Issue{Inode: attr.Inode, Problem: "orphaned, no directory entry references it"})
		case refs != attr.LinkCount:
			issues = append(issues, Issue{
				Inode:   attr.Inode,
				Problem: fmt.Sprintf("link count %d but %d directory entries reference it", attr.LinkCount, refs),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan inodes: %w", err)
	}

	for _, issue := range issues {
		c.logger.Warn().Uint64("inode", uint64(issue.Inode)).Msg(issue.Problem)
	}
	return issues, nil
}

// Checksum hashes the local file data split by owning group
func (c *Checker) Checksum(groupCount int) ([]wire.GroupChecksum, error) {
	byGroup, err := c.view.ChecksumGroups(groupCount)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum storage: %w", err)
	}
	checksums := make([]wire.GroupChecksum, 0, len(byGroup))
	for group := types.GroupID(0); int(group) < groupCount; group++ {
		if sum, ok := byGroup[group]; ok {
			checksums = append(checksums, wire.GroupChecksum{Group: group, Checksum: sum})
		}
	}
	return checksums, nil
}
