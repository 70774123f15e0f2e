package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/metrics"
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Transport delivers outbound consensus messages and leader RPCs. The
// concrete implementation lives in pkg/transport; the node only needs these
// two calls.
type Transport interface {
	// SendRaftMessage hands a message to the peer sender. It must not
	// block; delivery is best effort and raft retries on its own.
	SendRaftMessage(to types.NodeID, group types.GroupID, message raftpb.Message)
	// LatestCommit asks a peer for its latest applied index on group
	LatestCommit(ctx context.Context, to types.NodeID, group types.GroupID) (uint64, error)
}

// entryEnvelope wraps the serialized request in the log entry together with
// the proposing node and its proposal key, so the applier can route the
// response back to the waiting caller.
type entryEnvelope struct {
	Proposer types.NodeID    `json:"proposer"`
	Key      uint64          `json:"key"`
	Request  json.RawMessage `json:"request"`
}

// Config describes one consensus group membership of this node
type Config struct {
	NodeID types.NodeID
	Group  types.GroupID
	// Members lists every node replicating this group, self included
	Members []types.NodeID
	// GroupCount is the total number of groups in the cluster, the
	// modulus of the inode partition function
	GroupCount       int
	SyncTimeout      time.Duration
	LeaderRPCTimeout time.Duration
}

// Node is one consensus group member on this node. It owns the group's log,
// applies committed entries to the local storage facade, and routes applied
// responses to waiting proposers.
type Node struct {
	cfg    Config
	logger zerolog.Logger

	// mu guards rawNode and memory for the duration of one ready-loop
	// pass or one propose call. It is never held across a suspension
	// point.
	mu      sync.Mutex
	rawNode *etcdraft.RawNode
	memory  *etcdraft.MemoryStorage

	leader atomic.Uint64

	wal       *GroupWAL
	store     storage.Store
	pending   *pendingTable
	applied   *watermark
	transport Transport
}

// NewNode restores (or bootstraps) one group member
func NewNode(cfg Config, wal *GroupWAL, store storage.Store, transport Transport) (*Node, error) {
	hardState, snapshot, entries, applied, err := wal.Restore()
	if err != nil {
		return nil, fmt.Errorf("failed to restore raft log for group %d: %w", cfg.Group, err)
	}

	fresh := etcdraft.IsEmptyHardState(hardState) && etcdraft.IsEmptySnap(snapshot) && len(entries) == 0
	if !fresh && applied == 0 {
		// The previous run died between bootstrap and the first apply.
		// Nothing reached the storage facade, so the group can
		// re-bootstrap from scratch.
		if err := wal.Reset(); err != nil {
			return nil, fmt.Errorf("failed to reset raft log for group %d: %w", cfg.Group, err)
		}
		hardState, snapshot, entries = raftpb.HardState{}, raftpb.Snapshot{}, nil
		fresh = true
	}

	memory := etcdraft.NewMemoryStorage()
	if !fresh {
		// Membership is static, but etcd raft only learns it from the
		// storage snapshot. Restarts install the member list through a
		// snapshot at the applied index; the storage facade already
		// reflects everything up to it.
		base := snapshot
		if etcdraft.IsEmptySnap(base) || base.Metadata.Index < applied {
			base = raftpb.Snapshot{
				Metadata: raftpb.SnapshotMetadata{
					Index:     applied,
					Term:      termAt(entries, applied, hardState.Term),
					ConfState: raftpb.ConfState{Voters: nodeIDs(cfg.Members)},
				},
			}
		}
		if err := memory.ApplySnapshot(base); err != nil {
			return nil, err
		}
		if !etcdraft.IsEmptyHardState(hardState) {
			if err := memory.SetHardState(hardState); err != nil {
				return nil, err
			}
		}
		var tail []raftpb.Entry
		for _, entry := range entries {
			if entry.Index > base.Metadata.Index {
				tail = append(tail, entry)
			}
		}
		if len(tail) > 0 {
			if err := memory.Append(tail); err != nil {
				return nil, err
			}
		}
	}

	logger := log.WithGroup(cfg.NodeID, cfg.Group)
	raftConfig := &etcdraft.Config{
		ID:              uint64(cfg.NodeID),
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         memory,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		PreVote:         true,
		Applied:         applied,
		Logger:          &raftLogger{logger: logger},
	}

	rawNode, err := etcdraft.NewRawNode(raftConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node for group %d: %w", cfg.Group, err)
	}

	if fresh {
		peers := make([]etcdraft.Peer, 0, len(cfg.Members))
		for _, member := range cfg.Members {
			peers = append(peers, etcdraft.Peer{ID: uint64(member)})
		}
		if err := rawNode.Bootstrap(peers); err != nil {
			return nil, fmt.Errorf("failed to bootstrap group %d: %w", cfg.Group, err)
		}
	}

	node := &Node{
		cfg:       cfg,
		logger:    logger,
		rawNode:   rawNode,
		memory:    memory,
		wal:       wal,
		store:     store,
		pending:   newPendingTable(),
		applied:   newWatermark(),
		transport: transport,
	}
	node.applied.SetDoneUntil(applied)
	return node, nil
}

// termAt finds the term of the entry at index, falling back when the log
// has been compacted past it.
func termAt(entries []raftpb.Entry, index uint64, fallback uint64) uint64 {
	for i := range entries {
		if entries[i].Index == index {
			return entries[i].Term
		}
	}
	return fallback
}

func nodeIDs(members []types.NodeID) []uint64 {
	ids := make([]uint64, 0, len(members))
	for _, member := range members {
		ids = append(ids, uint64(member))
	}
	return ids
}

// Group returns the group id this node replicates
func (n *Node) Group() types.GroupID {
	return n.cfg.Group
}

// Store exposes the local storage facade for the direct read path
func (n *Node) Store() storage.Store {
	return n.store
}

// LeaderID returns the last observed leader of the group, zero if unknown
func (n *Node) LeaderID() types.NodeID {
	return types.NodeID(n.leader.Load())
}

// IsLeader reports whether this node currently leads the group
func (n *Node) IsLeader() bool {
	return n.LeaderID() == n.cfg.NodeID
}

// PendingProposals is the load metric used for least-loaded group selection
func (n *Node) PendingProposals() int {
	return n.pending.Len()
}

// Propose appends a serialized request to the log and waits for it to be
// applied locally, returning the index the entry occupied. The response is
// discarded.
func (n *Node) Propose(ctx context.Context, req *wire.Request) (uint64, error) {
	_, index, err := n.ProposeAndAwait(ctx, req, wire.NewBuilder())
	return index, err
}

// ProposeAndAwait appends a serialized request, registers builder in the
// pending-response table, and suspends until the applier fulfils it. If the
// caller's ctx expires the entry still applies; the response is discarded.
//
// The proposal context is registered before Propose is called, which closes
// the proposer/applier race: the applier can never observe a committed
// entry whose context is missing on the proposing node.
func (n *Node) ProposeAndAwait(ctx context.Context, req *wire.Request, builder *wire.Builder) (*wire.Builder, uint64, error) {
	if builder == nil {
		builder = wire.NewBuilder()
	}
	requestBytes, err := json.Marshal(req)
	if err != nil {
		return nil, 0, wire.NewError(wire.ErrBadRequest)
	}

	pctx := &proposalCtx{builder: builder, done: make(chan applyResult, 1)}
	key := n.pending.Register(pctx)
	data, err := json.Marshal(entryEnvelope{Proposer: n.cfg.NodeID, Key: key, Request: requestBytes})
	if err != nil {
		n.pending.Drop(key)
		return nil, 0, wire.NewError(wire.ErrInternal)
	}

	n.mu.Lock()
	status := n.rawNode.Status()
	if status.RaftState != etcdraft.StateLeader {
		n.mu.Unlock()
		n.pending.Drop(key)
		return nil, 0, wire.NewError(wire.ErrNotLeader)
	}
	err = n.rawNode.Propose(data)
	n.mu.Unlock()
	if err != nil {
		n.pending.Drop(key)
		n.logger.Warn().Err(err).Msg("proposal dropped")
		return nil, 0, wire.NewError(wire.ErrProposalDropped)
	}
	metrics.ProposalsTotal.Inc()

	select {
	case result := <-pctx.done:
		return builder, result.index, result.err
	case <-ctx.Done():
		n.pending.Drop(key)
		return nil, 0, wire.NewError(wire.ErrProposalDropped)
	}
}

// ApplyMessages injects consensus messages received from a peer. It only
// steps the state machine; the ready loop is driven exclusively by the
// background ticker so an inbound message can never trigger a synchronous
// fan-out of outbound calls.
func (n *Node) ApplyMessages(messages []raftpb.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range messages {
		if err := n.rawNode.Step(messages[i]); err != nil {
			return fmt.Errorf("failed to step message for group %d: %w", n.cfg.Group, err)
		}
	}
	return nil
}

// Tick advances consensus timers and runs one ready-loop pass. Called from
// the background ticker at a fixed cadence.
func (n *Node) Tick() {
	n.mu.Lock()
	n.rawNode.Tick()
	n.mu.Unlock()
	n.processReady()
}

// processReady runs one pass of the applier algorithm: persist, apply
// committed entries in order, deliver pending responses, drain outgoing
// messages, advance.
func (n *Node) processReady() {
	n.mu.Lock()
	if !n.rawNode.HasReady() {
		n.mu.Unlock()
		return
	}
	rd := n.rawNode.Ready()

	if rd.SoftState != nil {
		n.leader.Store(rd.SoftState.Lead)
	}

	// A ready that cannot be persisted is unrecoverable: the ready was
	// already taken from the state machine and advancing past it would
	// lose committed state.
	if err := n.wal.Save(rd.HardState, rd.Entries); err != nil {
		n.logger.Fatal().Err(err).Msg("failed to persist raft entries")
	}
	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		if err := n.wal.StoreSnapshot(rd.Snapshot); err != nil {
			n.logger.Fatal().Err(err).Msg("failed to persist snapshot")
		}
		if err := n.memory.ApplySnapshot(rd.Snapshot); err != nil {
			n.logger.Fatal().Err(err).Msg("failed to install snapshot")
		}
	}
	if len(rd.Entries) > 0 {
		if err := n.memory.Append(rd.Entries); err != nil {
			n.logger.Fatal().Err(err).Msg("failed to append raft entries")
		}
	}
	if !etcdraft.IsEmptyHardState(rd.HardState) {
		if err := n.memory.SetHardState(rd.HardState); err != nil {
			n.logger.Fatal().Err(err).Msg("failed to update hard state")
		}
	}

	var lastApplied uint64
	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryNormal:
			if len(entry.Data) == 0 {
				// New leaders commit an empty entry
				break
			}
			n.applyEntry(entry)
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err == nil {
				n.rawNode.ApplyConfChange(cc)
			}
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(entry.Data); err == nil {
				n.rawNode.ApplyConfChange(cc)
			}
		}
		lastApplied = entry.Index
	}

	messages := rd.Messages
	n.rawNode.Advance(rd)
	n.mu.Unlock()

	if lastApplied > 0 {
		n.applied.SetDoneUntil(lastApplied)
		if err := n.wal.SetApplied(lastApplied); err != nil {
			n.logger.Error().Err(err).Msg("failed to persist applied index")
		}
	}

	for i := range messages {
		if messages[i].To == uint64(n.cfg.NodeID) {
			continue
		}
		n.transport.SendRaftMessage(types.NodeID(messages[i].To), n.cfg.Group, messages[i])
	}
}

// applyEntry executes one committed data entry against the storage facade,
// reusing the pending builder when this node proposed the entry.
func (n *Node) applyEntry(entry raftpb.Entry) {
	started := time.Now()
	var envelope entryEnvelope
	if err := json.Unmarshal(entry.Data, &envelope); err != nil {
		n.logger.Warn().Uint64("index", entry.Index).Err(err).Msg("skipping undecodable log entry")
		return
	}

	req, err := wire.DecodeRequest(envelope.Request)
	var pctx *proposalCtx
	if envelope.Proposer == n.cfg.NodeID {
		pctx, _ = n.pending.Take(envelope.Key)
	}

	builder := wire.NewBuilder()
	if pctx != nil {
		builder = pctx.builder
	}
	if err != nil {
		builder.FinalizeError(wire.ErrBadRequest)
	} else {
		applyToStore(req, n.store, n.cfg.Group, n.cfg.GroupCount, builder)
	}

	if pctx != nil {
		pctx.done <- applyResult{index: entry.Index}
	}
	metrics.AppliedEntriesTotal.Inc()
	metrics.ApplyDuration.Observe(time.Since(started).Seconds())
	n.logger.Debug().Uint64("index", entry.Index).Msg("committed write applied")
}

// GetLatestLocalCommit returns this node's highest applied index for the
// group.
func (n *Node) GetLatestLocalCommit() uint64 {
	return n.applied.DoneUntil()
}

// GetLatestCommitFromLeader asks the current leader for its latest applied
// index. Failures surface as leader_unreachable.
func (n *Node) GetLatestCommitFromLeader(ctx context.Context) (uint64, error) {
	leader := n.LeaderID()
	if leader == 0 {
		return 0, wire.NewError(wire.ErrLeaderUnreachable)
	}
	if leader == n.cfg.NodeID {
		return n.applied.DoneUntil(), nil
	}

	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.LeaderRPCTimeout)
	defer cancel()
	index, err := n.transport.LatestCommit(rpcCtx, leader, n.cfg.Group)
	if err != nil {
		n.logger.Warn().Err(err).Uint64("leader", uint64(leader)).Msg("latest-commit RPC failed")
		return 0, wire.NewError(wire.ErrLeaderUnreachable)
	}
	return index, nil
}

// Sync suspends until the local applied index reaches target, bounded by
// the configured sync deadline.
func (n *Node) Sync(ctx context.Context, target uint64) error {
	syncCtx, cancel := context.WithTimeout(ctx, n.cfg.SyncTimeout)
	defer cancel()
	if err := n.applied.WaitForMark(syncCtx, target); err != nil {
		return wire.NewError(wire.ErrSyncTimeout)
	}
	return nil
}

// SyncWithLeader runs the freshness handshake: fetch the leader's latest
// commit, then wait until the local applied index catches up.
func (n *Node) SyncWithLeader(ctx context.Context) error {
	latest, err := n.GetLatestCommitFromLeader(ctx)
	if err != nil {
		return err
	}
	return n.Sync(ctx, latest)
}

// WaitForLeader blocks until the group has a known leader
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n.LeaderID() != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return wire.NewError(wire.ErrLeaderUnreachable)
		case <-ticker.C:
		}
	}
}

// ApplySnapshot installs a snapshot into the log store
func (n *Node) ApplySnapshot(snapshot raftpb.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.wal.StoreSnapshot(snapshot); err != nil {
		return err
	}
	return n.memory.ApplySnapshot(snapshot)
}
