package raft

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cberner/fleetfs/pkg/types"
)

var (
	keyHardState = []byte("hard_state")
	keySnapshot  = []byte("snapshot")
	keyApplied   = []byte("applied")
)

// WAL persists raft state for every group on this node in one BoltDB file.
// Each group gets an entries bucket and a state bucket; the in-memory raft
// storage is rebuilt from it at startup.
type WAL struct {
	db *bolt.DB
}

// OpenWAL opens (or creates) the raft log database under dataDir
func OpenWAL(dataDir string) (*WAL, error) {
	dbPath := filepath.Join(dataDir, "raft.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft log: %w", err)
	}
	return &WAL{db: db}, nil
}

// Close closes the database
func (w *WAL) Close() error {
	return w.db.Close()
}

// Group returns the per-group view of the log
func (w *WAL) Group(group types.GroupID) *GroupWAL {
	return &GroupWAL{
		db:            w.db,
		entriesBucket: []byte(fmt.Sprintf("entries-%d", group)),
		stateBucket:   []byte(fmt.Sprintf("state-%d", group)),
	}
}

// GroupWAL is one consensus group's durable log: entries, hard state,
// snapshot, and the applied index.
type GroupWAL struct {
	db            *bolt.DB
	entriesBucket []byte
	stateBucket   []byte
}

func entryKey(index uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], index)
	return key[:]
}

func (g *GroupWAL) ensureBuckets(tx *bolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(g.entriesBucket); err != nil {
		return err
	}
	_, err := tx.CreateBucketIfNotExists(g.stateBucket)
	return err
}

// Save persists new entries and the hard state in one transaction. An entry
// at an existing index truncates the conflicting suffix first, matching the
// log's overwrite semantics.
func (g *GroupWAL) Save(hardState raftpb.HardState, entries []raftpb.Entry) error {
	if etcdraft.IsEmptyHardState(hardState) && len(entries) == 0 {
		return nil
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		if err := g.ensureBuckets(tx); err != nil {
			return err
		}
		bucket := tx.Bucket(g.entriesBucket)

		if len(entries) > 0 {
			first := entries[0].Index
			cursor := bucket.Cursor()
			for key, _ := cursor.Seek(entryKey(first)); key != nil; key, _ = cursor.Next() {
				if err := cursor.Delete(); err != nil {
					return err
				}
			}
			for _, entry := range entries {
				data, err := entry.Marshal()
				if err != nil {
					return err
				}
				if err := bucket.Put(entryKey(entry.Index), data); err != nil {
					return err
				}
			}
		}

		if !etcdraft.IsEmptyHardState(hardState) {
			data, err := hardState.Marshal()
			if err != nil {
				return err
			}
			return tx.Bucket(g.stateBucket).Put(keyHardState, data)
		}
		return nil
	})
}

// StoreSnapshot persists a snapshot and drops entries it covers
func (g *GroupWAL) StoreSnapshot(snapshot raftpb.Snapshot) error {
	if etcdraft.IsEmptySnap(snapshot) {
		return nil
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		if err := g.ensureBuckets(tx); err != nil {
			return err
		}
		data, err := snapshot.Marshal()
		if err != nil {
			return err
		}
		if err := tx.Bucket(g.stateBucket).Put(keySnapshot, data); err != nil {
			return err
		}
		bucket := tx.Bucket(g.entriesBucket)
		cursor := bucket.Cursor()
		limit := entryKey(snapshot.Metadata.Index + 1)
		for key, _ := cursor.First(); key != nil && bytes.Compare(key, limit) < 0; key, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetApplied records the highest applied index. Written after every apply
// pass so restarts do not re-execute entries against the storage facade.
func (g *GroupWAL) SetApplied(index uint64) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		if err := g.ensureBuckets(tx); err != nil {
			return err
		}
		return tx.Bucket(g.stateBucket).Put(keyApplied, entryKey(index))
	})
}

// Reset discards everything persisted for the group. Used when a bootstrap
// was interrupted before any entry applied; the group re-bootstraps from
// scratch.
func (g *GroupWAL) Reset() error {
	return g.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{g.entriesBucket, g.stateBucket} {
			if tx.Bucket(bucket) == nil {
				continue
			}
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restore reads back everything persisted for the group
func (g *GroupWAL) Restore() (hardState raftpb.HardState, snapshot raftpb.Snapshot, entries []raftpb.Entry, applied uint64, err error) {
	err = g.db.View(func(tx *bolt.Tx) error {
		state := tx.Bucket(g.stateBucket)
		logBucket := tx.Bucket(g.entriesBucket)
		if state == nil || logBucket == nil {
			return nil
		}
		if data := state.Get(keyHardState); data != nil {
			if err := hardState.Unmarshal(data); err != nil {
				return fmt.Errorf("corrupt hard state: %w", err)
			}
		}
		if data := state.Get(keySnapshot); data != nil {
			if err := snapshot.Unmarshal(data); err != nil {
				return fmt.Errorf("corrupt snapshot: %w", err)
			}
		}
		if data := state.Get(keyApplied); data != nil {
			applied = binary.BigEndian.Uint64(data)
		}
		return logBucket.ForEach(func(_, value []byte) error {
			var entry raftpb.Entry
			if err := entry.Unmarshal(value); err != nil {
				return fmt.Errorf("corrupt log entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return hardState, snapshot, entries, applied, err
}
