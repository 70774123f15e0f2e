// Package router dispatches every wire request to the right collaborator.
//
// Reads and queries run the freshness handshake on the owning group (ask
// the leader for its latest commit, wait until the local applied index
// catches up) and then hit the storage facade directly. Single-group writes
// are proposed on the owning group's log. Multi-inode operations hand off
// to the transaction coordinator. Consensus traffic and latest-commit
// queries address a group by id. Requests for groups this node does not
// replicate are forwarded over the peer transport.
//
// The router also implements the proposer interface the coordinator drives,
// so a sub-proposal transparently reaches the owning group's leader whether
// it is this node, another member, or a group this node is not part of.
package router
