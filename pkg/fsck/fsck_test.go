package fsck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCheckClean(t *testing.T) {
	store := newTestStore(t)
	attr, err := store.CreateInode(0, 1, 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)
	require.NoError(t, store.CreateLink(types.RootInode, "a", attr.Inode, types.FileKindFile))

	issues, err := NewChecker(store).Check()
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestCheckFindsOrphan(t *testing.T) {
	store := newTestStore(t)

	// An allocated inode that never got its directory entry, the residue
	// of a create whose link step failed and whose compensation was lost.
	orphan, err := store.CreateInode(0, 1, 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)

	issues, err := NewChecker(store).Check()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, orphan.Inode, issues[0].Inode)
}

func TestCheckFindsLinkCountMismatch(t *testing.T) {
	store := newTestStore(t)

	// A second entry without a matching link-count increment, the residue
	// of a cross-group rename whose source entry removal failed.
	attr, err := store.CreateInode(0, 1, 0, 0, 0o644, types.FileKindFile)
	require.NoError(t, err)
	require.NoError(t, store.CreateLink(types.RootInode, "a", attr.Inode, types.FileKindFile))
	require.NoError(t, store.CreateLink(types.RootInode, "b", attr.Inode, types.FileKindFile))

	issues, err := NewChecker(store).Check()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, attr.Inode, issues[0].Inode)
}

func TestChecksumMatchesAcrossIdenticalStores(t *testing.T) {
	first := newTestStore(t)
	second := newTestStore(t)

	for _, store := range []*storage.BoltStore{first, second} {
		attr, err := store.CreateInode(0, 2, 0, 0, 0o644, types.FileKindFile)
		require.NoError(t, err)
		_, err = store.Write(attr.Inode, 0, []byte("same bytes"))
		require.NoError(t, err)
	}

	sums1, err := NewChecker(first).Checksum(2)
	require.NoError(t, err)
	sums2, err := NewChecker(second).Checksum(2)
	require.NoError(t, err)
	assert.Equal(t, sums1, sums2)
}
