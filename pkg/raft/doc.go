// Package raft implements the replication spine of FleetFS: one consensus
// group member per (node, group) pair, the raft-group manager that maps
// inodes and group ids onto members, and the durable log store backing them.
//
// # Architecture
//
// Each Node wraps an etcd raft RawNode over an in-memory log storage. The
// in-memory storage is rebuilt at startup from the bolt-backed WAL, which
// persists entries, hard state, snapshots, and the applied index for every
// group in one database file.
//
// The flow of one mutating request:
//
//  1. A handler calls ProposeAndAwait with the serialized request and a
//     response builder.
//  2. The request is wrapped in an entry envelope carrying the proposing
//     node's id and a unique proposal key, and the builder is parked in the
//     pending-proposal table under that key before Propose is called.
//  3. The background ticker runs the ready loop: new entries are persisted,
//     committed entries are applied in index order against the storage
//     facade, and outbound messages are handed to the peer transport.
//  4. When the applier reaches the entry, it finds the parked builder by
//     key, fills it, and wakes the waiting handler with the entry's index.
//
// Registering the proposal context before proposing closes the race in
// which an entry commits and applies between the proposer learning its
// index and publishing its wait state: the applier always finds the
// context, or the entry was proposed by another node and its response is
// discarded.
//
// # Concurrency
//
// Two rules keep the message flow acyclic:
//
//   - ApplyMessages only steps the state machine. It never runs the ready
//     loop, so an inbound peer message cannot synchronously produce
//     outbound sends.
//   - The ready loop is driven solely by the manager's background ticker,
//     which ticks every local group at a fixed cadence.
//
// The per-group mutex is held for the duration of one ready pass or one
// propose call and never across a suspension point.
package raft
