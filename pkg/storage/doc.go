// Package storage is the node-local data plane. The Store interface is the
// facade the applier and the read path invoke; BoltStore implements it on a
// single BoltDB file holding inode attributes, directory entries, file
// data, xattrs, advisory locks, and the per-group inode allocator state.
//
// Every mutating call is only ever reached through a committed log entry,
// so BoltStore performs no coordination of its own beyond one bolt
// transaction per call.
package storage
