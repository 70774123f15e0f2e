// Package txn contains the transaction coordinator: the module that
// expresses multi-inode filesystem operations (create, mkdir, unlink,
// rmdir, rename, hardlink) as sequences of single-group proposals.
//
// The coordinator holds no durable state. Each operation is a short script
// of sub-proposals with bounded compensation: when a later step fails, the
// earlier steps are undone where that is cheap (reclaiming a just-allocated
// inode, rolling back a link-count increment) and otherwise left as an
// orphan or an inflated link count for the offline fsck pass to reconcile.
// After any single failure at most one side leaks: either a directory entry
// or an inode, never both.
//
// Sub-proposals are never retried here; the client retries the whole
// operation.
package txn
