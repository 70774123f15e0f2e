package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cberner/fleetfs/pkg/types"
)

var (
	// Bucket names
	bucketInodes    = []byte("inodes")
	bucketDirents   = []byte("dirents")
	bucketData      = []byte("data")
	bucketXattrs    = []byte("xattrs")
	bucketLocks     = []byte("locks")
	bucketParents   = []byte("parents")
	bucketAllocator = []byte("allocator")
)

// BlockSize is the block unit reported through getattr and statfs
const BlockSize = 512

// BoltStore implements Store using BoltDB. One database holds the metadata
// and file data for every group this node participates in.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the node's data plane under dataDir. The
// root directory inode is created on first open.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleetfs.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInodes,
			bucketDirents,
			bucketData,
			bucketXattrs,
			bucketLocks,
			bucketParents,
			bucketAllocator,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		// Bootstrap the root directory
		inodes := tx.Bucket(bucketInodes)
		if inodes.Get(inodeKey(types.RootInode)) == nil {
			now := currentTime()
			root := types.FileAttr{
				Inode:     types.RootInode,
				Size:      BlockSize,
				Blocks:    1,
				Atime:     now,
				Mtime:     now,
				Ctime:     now,
				Kind:      types.FileKindDirectory,
				Mode:      0o755,
				LinkCount: 2,
			}
			return putAttr(tx, root)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func currentTime() types.Timestamp {
	now := time.Now()
	return types.Timestamp{Seconds: now.Unix(), Nanoseconds: int32(now.Nanosecond())}
}

func inodeKey(inode types.InodeID) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(inode))
	return key[:]
}

// direntKey is the parent inode followed by the entry name. Names cannot
// contain NUL, so the separator is unambiguous.
func direntKey(parent types.InodeID, name string) []byte {
	key := make([]byte, 0, 9+len(name))
	key = append(key, inodeKey(parent)...)
	key = append(key, 0)
	key = append(key, name...)
	return key
}

func direntPrefix(parent types.InodeID) []byte {
	return append(inodeKey(parent), 0)
}

func xattrKey(inode types.InodeID, key string) []byte {
	return direntKey(inode, key)
}

func getAttr(tx *bolt.Tx, inode types.InodeID) (types.FileAttr, error) {
	data := tx.Bucket(bucketInodes).Get(inodeKey(inode))
	if data == nil {
		return types.FileAttr{}, errNoSuchInode
	}
	var attr types.FileAttr
	if err := json.Unmarshal(data, &attr); err != nil {
		return types.FileAttr{}, fmt.Errorf("corrupt inode %d: %w", inode, err)
	}
	return attr, nil
}

func putAttr(tx *bolt.Tx, attr types.FileAttr) error {
	data, err := json.Marshal(attr)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketInodes).Put(inodeKey(attr.Inode), data)
}

func getDirent(tx *bolt.Tx, parent types.InodeID, name string) (types.DirEntry, error) {
	data := tx.Bucket(bucketDirents).Get(direntKey(parent, name))
	if data == nil {
		return types.DirEntry{}, errNoSuchEntry
	}
	var entry types.DirEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.DirEntry{}, fmt.Errorf("corrupt dirent %d/%s: %w", parent, name, err)
	}
	return entry, nil
}

func putDirent(tx *bolt.Tx, parent types.InodeID, entry types.DirEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDirents).Put(direntKey(parent, entry.Name), data)
}

func directoryEmpty(tx *bolt.Tx, inode types.InodeID) bool {
	prefix := direntPrefix(inode)
	cursor := tx.Bucket(bucketDirents).Cursor()
	key, _ := cursor.Seek(prefix)
	return key == nil || !bytes.HasPrefix(key, prefix)
}

// requireDirectory loads parent and checks it can hold entries
func requireDirectory(tx *bolt.Tx, inode types.InodeID) (types.FileAttr, error) {
	attr, err := getAttr(tx, inode)
	if err != nil {
		return types.FileAttr{}, err
	}
	if attr.Kind != types.FileKindDirectory {
		return types.FileAttr{}, errWrongKind
	}
	return attr, nil
}

func (s *BoltStore) Lookup(parent types.InodeID, name string) (types.DirEntry, error) {
	var entry types.DirEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := requireDirectory(tx, parent); err != nil {
			return err
		}
		var err error
		entry, err = getDirent(tx, parent, name)
		return err
	})
	return entry, err
}

func (s *BoltStore) Getattr(inode types.InodeID) (types.FileAttr, error) {
	var attr types.FileAttr
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		attr, err = getAttr(tx, inode)
		return err
	})
	return attr, err
}

func (s *BoltStore) Readdir(inode types.InodeID) ([]types.DirEntry, error) {
	var entries []types.DirEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := requireDirectory(tx, inode); err != nil {
			return err
		}
		prefix := direntPrefix(inode)
		cursor := tx.Bucket(bucketDirents).Cursor()
		for key, value := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, value = cursor.Next() {
			var entry types.DirEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("corrupt dirent under %d: %w", inode, err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) Read(inode types.InodeID, offset uint64, size uint32) ([]byte, error) {
	var result []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		attr, err := getAttr(tx, inode)
		if err != nil {
			return err
		}
		if attr.Kind == types.FileKindDirectory {
			return errWrongKind
		}
		content := tx.Bucket(bucketData).Get(inodeKey(inode))
		if offset >= uint64(len(content)) {
			result = []byte{}
			return nil
		}
		end := offset + uint64(size)
		if end > uint64(len(content)) {
			end = uint64(len(content))
		}
		result = make([]byte, end-offset)
		copy(result, content[offset:end])
		return nil
	})
	return result, err
}

func (s *BoltStore) GetXattr(inode types.InodeID, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getAttr(tx, inode); err != nil {
			return err
		}
		stored := tx.Bucket(bucketXattrs).Get(xattrKey(inode, key))
		if stored == nil {
			return errNoSuchEntry
		}
		value = make([]byte, len(stored))
		copy(value, stored)
		return nil
	})
	return value, err
}

func (s *BoltStore) ListXattrs(inode types.InodeID) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getAttr(tx, inode); err != nil {
			return err
		}
		prefix := direntPrefix(inode)
		cursor := tx.Bucket(bucketXattrs).Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			keys = append(keys, string(key[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

func (s *BoltStore) StatFS() types.StatFS {
	var inodes uint64
	var used uint64
	s.db.View(func(tx *bolt.Tx) error {
		inodes = uint64(tx.Bucket(bucketInodes).Stats().KeyN)
		return tx.Bucket(bucketData).ForEach(func(_, v []byte) error {
			used += uint64(len(v))
			return nil
		})
	})
	const totalBlocks = 1 << 30
	free := uint64(totalBlocks) - (used+BlockSize-1)/BlockSize
	return types.StatFS{
		BlockSize:   BlockSize,
		TotalBlocks: totalBlocks,
		FreeBlocks:  free,
		TotalInodes: inodes,
	}
}

func (s *BoltStore) Write(inode types.InodeID, offset uint64, data []byte) (uint32, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		attr, err := getAttr(tx, inode)
		if err != nil {
			return err
		}
		if attr.Kind == types.FileKindDirectory {
			return errWrongKind
		}

		bucket := tx.Bucket(bucketData)
		content := bucket.Get(inodeKey(inode))
		end := offset + uint64(len(data))
		updated := make([]byte, max64(uint64(len(content)), end))
		copy(updated, content)
		copy(updated[offset:], data)
		if err := bucket.Put(inodeKey(inode), updated); err != nil {
			return err
		}

		if uint64(len(updated)) > attr.Size {
			attr.Size = uint64(len(updated))
			attr.Blocks = (attr.Size + BlockSize - 1) / BlockSize
		}
		attr.Mtime = currentTime()
		return putAttr(tx, attr)
	})
	if err != nil {
		return 0, err
	}
	return uint32(len(data)), nil
}

func (s *BoltStore) Truncate(inode types.InodeID, newLength uint64) (types.FileAttr, error) {
	var result types.FileAttr
	err := s.db.Update(func(tx *bolt.Tx) error {
		attr, err := getAttr(tx, inode)
		if err != nil {
			return err
		}
		if attr.Kind == types.FileKindDirectory {
			return errWrongKind
		}

		bucket := tx.Bucket(bucketData)
		content := bucket.Get(inodeKey(inode))
		updated := make([]byte, newLength)
		copy(updated, content)
		if err := bucket.Put(inodeKey(inode), updated); err != nil {
			return err
		}

		attr.Size = newLength
		attr.Blocks = (attr.Size + BlockSize - 1) / BlockSize
		attr.Mtime = currentTime()
		attr.Ctime = attr.Mtime
		result = attr
		return putAttr(tx, attr)
	})
	return result, err
}

func (s *BoltStore) Chmod(inode types.InodeID, mode uint32) (types.FileAttr, error) {
	return s.updateAttr(inode, func(attr *types.FileAttr) {
		attr.Mode = mode
	})
}

func (s *BoltStore) Chown(inode types.InodeID, uid, gid *uint32) (types.FileAttr, error) {
	return s.updateAttr(inode, func(attr *types.FileAttr) {
		if uid != nil {
			attr.UID = *uid
		}
		if gid != nil {
			attr.GID = *gid
		}
	})
}

func (s *BoltStore) Utimens(inode types.InodeID, atime, mtime *types.Timestamp) (types.FileAttr, error) {
	return s.updateAttr(inode, func(attr *types.FileAttr) {
		if atime != nil {
			attr.Atime = *atime
		}
		if mtime != nil {
			attr.Mtime = *mtime
		}
	})
}

func (s *BoltStore) updateAttr(inode types.InodeID, update func(*types.FileAttr)) (types.FileAttr, error) {
	var result types.FileAttr
	err := s.db.Update(func(tx *bolt.Tx) error {
		attr, err := getAttr(tx, inode)
		if err != nil {
			return err
		}
		update(&attr)
		attr.Ctime = currentTime()
		result = attr
		return putAttr(tx, attr)
	})
	return result, err
}

func (s *BoltStore) Fsync(inode types.InodeID) error {
	if _, err := s.Getattr(inode); err != nil {
		return err
	}
	return s.db.Sync()
}

func (s *BoltStore) SetXattr(inode types.InodeID, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getAttr(tx, inode); err != nil {
			return err
		}
		return tx.Bucket(bucketXattrs).Put(xattrKey(inode, key), value)
	})
}

func (s *BoltStore) RemoveXattr(inode types.InodeID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getAttr(tx, inode); err != nil {
			return err
		}
		if tx.Bucket(bucketXattrs).Get(xattrKey(inode, key)) == nil {
			return errNoSuchEntry
		}
		return tx.Bucket(bucketXattrs).Delete(xattrKey(inode, key))
	})
}

func (s *BoltStore) Lock(inode types.InodeID, owner types.LockOwner) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getAttr(tx, inode); err != nil {
			return err
		}
		held := tx.Bucket(bucketLocks).Get(inodeKey(inode))
		if held != nil && string(held) != string(owner) {
			return errLockConflict
		}
		return tx.Bucket(bucketLocks).Put(inodeKey(inode), []byte(owner))
	})
}

func (s *BoltStore) Unlock(inode types.InodeID, owner types.LockOwner) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		held := tx.Bucket(bucketLocks).Get(inodeKey(inode))
		if held == nil || string(held) != string(owner) {
			return errLockConflict
		}
		return tx.Bucket(bucketLocks).Delete(inodeKey(inode))
	})
}

// CreateInode allocates the next inode congruent to the allocating group's
// id, so the inode-to-group partition function routes the new inode back to
// that group. Allocation is strictly increasing per group and never reuses
// a number.
func (s *BoltStore) CreateInode(group types.GroupID, groupCount int, uid, gid, mode uint32, kind types.FileKind) (types.FileAttr, error) {
	var result types.FileAttr
	err := s.db.Update(func(tx *bolt.Tx) error {
		allocator := tx.Bucket(bucketAllocator)
		var groupKey [2]byte
		binary.BigEndian.PutUint16(groupKey[:], uint16(group))

		var next uint64
		if last := allocator.Get(groupKey[:]); last != nil {
			next = binary.BigEndian.Uint64(last) + uint64(groupCount)
		} else {
			next = uint64(group)
			for next <= uint64(types.RootInode) {
				next += uint64(groupCount)
			}
		}

		var nextKey [8]byte
		binary.BigEndian.PutUint64(nextKey[:], next)
		if err := allocator.Put(groupKey[:], nextKey[:]); err != nil {
			return err
		}

		now := currentTime()
		attr := types.FileAttr{
			Inode:     types.InodeID(next),
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Kind:      kind,
			Mode:      mode,
			LinkCount: 1,
			UID:       uid,
			GID:       gid,
		}
		if kind == types.FileKindDirectory {
			attr.Size = BlockSize
			attr.Blocks = 1
		}
		result = attr
		return putAttr(tx, attr)
	})
	return result, err
}

// DecrementInode drops one link from the count and destroys the inode's
// data when it reaches zero.
func (s *BoltStore) DecrementInode(inode types.InodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		attr, err := getAttr(tx, inode)
		if err != nil {
			return err
		}
		if attr.LinkCount > 0 {
			attr.LinkCount--
		}
		if attr.LinkCount > 0 {
			attr.Ctime = currentTime()
			return putAttr(tx, attr)
		}

		// Last link gone: reclaim everything belonging to the inode
		if err := tx.Bucket(bucketInodes).Delete(inodeKey(inode)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketData).Delete(inodeKey(inode)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLocks).Delete(inodeKey(inode)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketParents).Delete(inodeKey(inode)); err != nil {
			return err
		}
		prefix := direntPrefix(inode)
		cursor := tx.Bucket(bucketXattrs).Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) HardlinkIncrement(inode types.InodeID) (uint32, error) {
	var count uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		attr, err := getAttr(tx, inode)
		if err != nil {
			return err
		}
		if attr.Kind == types.FileKindDirectory {
			return errWrongKind
		}
		attr.LinkCount++
		attr.Ctime = currentTime()
		count = attr.LinkCount
		return putAttr(tx, attr)
	})
	return count, err
}

func (s *BoltStore) HardlinkRollback(inode types.InodeID) (uint32, error) {
	var count uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		attr, err := getAttr(tx, inode)
		if err != nil {
			return err
		}
		if attr.LinkCount > 0 {
			attr.LinkCount--
		}
		attr.Ctime = currentTime()
		count = attr.LinkCount
		return putAttr(tx, attr)
	})
	return count, err
}

func (s *BoltStore) CreateLink(parent types.InodeID, name string, target types.InodeID, kind types.FileKind) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := requireDirectory(tx, parent); err != nil {
			return err
		}
		if tx.Bucket(bucketDirents).Get(direntKey(parent, name)) != nil {
			return errNameExists
		}
		if err := putDirent(tx, parent, types.DirEntry{Inode: target, Name: name, Kind: kind}); err != nil {
			return err
		}
		return tx.Bucket(bucketParents).Put(inodeKey(target), inodeKey(parent))
	})
}

func (s *BoltStore) RemoveLink(parent types.InodeID, name string, expected *types.InodeID, requireEmpty bool) (types.DirEntry, error) {
	var removed types.DirEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := requireDirectory(tx, parent); err != nil {
			return err
		}
		entry, err := getDirent(tx, parent, name)
		if err != nil {
			return err
		}
		if expected != nil && entry.Inode != *expected {
			return errNoSuchEntry
		}
		if requireEmpty {
			if entry.Kind != types.FileKindDirectory {
				return errWrongKind
			}
			if !directoryEmpty(tx, entry.Inode) {
				return errNotEmpty
			}
		}
		removed = entry
		return tx.Bucket(bucketDirents).Delete(direntKey(parent, name))
	})
	return removed, err
}

func (s *BoltStore) ReplaceLink(parent types.InodeID, name string, newTarget types.InodeID, kind types.FileKind, expectedOld *types.InodeID) (*types.InodeID, error) {
	var old *types.InodeID
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := requireDirectory(tx, parent); err != nil {
			return err
		}
		existing := tx.Bucket(bucketDirents).Get(direntKey(parent, name))
		if expectedOld == nil {
			if existing != nil {
				return errNameExists
			}
		} else {
			if existing == nil {
				return errNoSuchEntry
			}
			var entry types.DirEntry
			if err := json.Unmarshal(existing, &entry); err != nil {
				return fmt.Errorf("corrupt dirent %d/%s: %w", parent, name, err)
			}
			if entry.Inode != *expectedOld {
				return errNoSuchEntry
			}
			inode := entry.Inode
			old = &inode
		}
		if err := putDirent(tx, parent, types.DirEntry{Inode: newTarget, Name: name, Kind: kind}); err != nil {
			return err
		}
		return tx.Bucket(bucketParents).Put(inodeKey(newTarget), inodeKey(parent))
	})
	return old, err
}

func (s *BoltStore) UpdateParent(inode types.InodeID, newParent types.InodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getAttr(tx, inode); err != nil {
			return err
		}
		return tx.Bucket(bucketParents).Put(inodeKey(inode), inodeKey(newParent))
	})
}

func (s *BoltStore) UpdateMetadataChangedTime(inode types.InodeID) error {
	_, err := s.updateAttr(inode, func(*types.FileAttr) {})
	return err
}

// ForEachInode iterates every inode attr in id order
func (s *BoltStore) ForEachInode(fn func(attr types.FileAttr) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInodes).ForEach(func(_, value []byte) error {
			var attr types.FileAttr
			if err := json.Unmarshal(value, &attr); err != nil {
				return err
			}
			return fn(attr)
		})
	})
}

// ForEachDirEntry iterates every directory entry in key order
func (s *BoltStore) ForEachDirEntry(fn func(parent types.InodeID, entry types.DirEntry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirents).ForEach(func(key, value []byte) error {
			parent := types.InodeID(binary.BigEndian.Uint64(key[:8]))
			var entry types.DirEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return err
			}
			return fn(parent, entry)
		})
	})
}

// Checksum hashes all file data in inode order. Replicas of the same group
// set produce identical checksums once their applied indexes match.
func (s *BoltStore) Checksum() ([]byte, error) {
	hash := sha256.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).ForEach(func(key, value []byte) error {
			hash.Write(key)
			hash.Write(value)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hash.Sum(nil), nil
}

// ChecksumGroups hashes file data split by owning group, so replicas of
// one group can be compared without hashing data the group does not own.
func (s *BoltStore) ChecksumGroups(groupCount int) (map[types.GroupID][]byte, error) {
	hashes := make(map[types.GroupID]hash.Hash)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).ForEach(func(key, value []byte) error {
			inode := binary.BigEndian.Uint64(key)
			group := types.GroupID(inode % uint64(groupCount))
			h, ok := hashes[group]
			if !ok {
				h = sha256.New()
				hashes[group] = h
			}
			h.Write(key)
			h.Write(value)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	result := make(map[types.GroupID][]byte, len(hashes))
	for group, h := range hashes {
		result[group] = h.Sum(nil)
	}
	return result, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
