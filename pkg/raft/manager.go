package raft

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cberner/fleetfs/pkg/config"
	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/storage"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Manager holds every consensus group this node participates in and maps
// inbound work to the right group. The group list is frozen for the
// process lifetime.
type Manager struct {
	nodeID  types.NodeID
	cluster *config.Cluster
	groups  map[types.GroupID]*Node
	order   []types.GroupID
	logger  zerolog.Logger

	tickerStop chan struct{}
	tickerDone sync.WaitGroup
	stopOnce   sync.Once
}

// NewManager builds a Node for every group the cluster config assigns to
// nodeID.
func NewManager(cluster *config.Cluster, nodeID types.NodeID, wal *WAL, store storage.Store, transport Transport) (*Manager, error) {
	m := &Manager{
		nodeID:     nodeID,
		cluster:    cluster,
		groups:     make(map[types.GroupID]*Node),
		logger:     log.WithComponent("raft-manager"),
		tickerStop: make(chan struct{}),
	}

	for _, group := range cluster.GroupsForNode(nodeID) {
		node, err := NewNode(Config{
			NodeID:           nodeID,
			Group:            group.ID,
			Members:          group.Nodes,
			GroupCount:       len(cluster.Groups),
			SyncTimeout:      cluster.SyncTimeout(),
			LeaderRPCTimeout: cluster.LeaderRPCTimeout(),
		}, wal.Group(group.ID), store, transport)
		if err != nil {
			return nil, err
		}
		m.groups[group.ID] = node
		m.order = append(m.order, group.ID)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })
	return m, nil
}

// Start launches the background ticker that drives consensus timers on
// every local group at a fixed cadence. The ticker is the only driver of
// the ready loop.
func (m *Manager) Start() {
	m.tickerDone.Add(1)
	go func() {
		defer m.tickerDone.Done()
		ticker := time.NewTicker(m.cluster.TickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-m.tickerStop:
				return
			case <-ticker.C:
				for _, id := range m.order {
					m.groups[id].Tick()
				}
			}
		}
	}()
	m.logger.Info().Int("groups", len(m.order)).Msg("raft groups started")
}

// Stop halts the background ticker
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.tickerStop)
	})
	m.tickerDone.Wait()
}

// GroupForInode is the deterministic inode-to-group partition function
func (m *Manager) GroupForInode(inode types.InodeID) types.GroupID {
	return m.cluster.GroupForInode(inode)
}

// LookupByInode returns the local member of the group owning inode, if this
// node participates in it.
func (m *Manager) LookupByInode(inode types.InodeID) (*Node, bool) {
	return m.LookupByGroupID(m.GroupForInode(inode))
}

// LookupByGroupID returns the local member of group id, if any
func (m *Manager) LookupByGroupID(id types.GroupID) (*Node, bool) {
	node, ok := m.groups[id]
	return node, ok
}

// LeastLoadedGroup picks the group that should host a freshly allocated
// inode. Load is the pending-proposal count; ties break by group id
// ascending.
func (m *Manager) LeastLoadedGroup() (*Node, error) {
	var best *Node
	for _, id := range m.order {
		node := m.groups[id]
		if best == nil || node.PendingProposals() < best.PendingProposals() {
			best = node
		}
	}
	if best == nil {
		return nil, wire.NewError(wire.ErrInternal)
	}
	return best, nil
}

// LocalGroups returns the local group members in id order
func (m *Manager) LocalGroups() []*Node {
	nodes := make([]*Node, 0, len(m.order))
	for _, id := range m.order {
		nodes = append(nodes, m.groups[id])
	}
	return nodes
}

// AllGroupIDs lists every group in the cluster in id order, local or not
func (m *Manager) AllGroupIDs() []types.GroupID {
	ids := make([]types.GroupID, 0, len(m.cluster.Groups))
	for _, group := range m.cluster.Groups {
		ids = append(ids, group.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodeID returns the local node id
func (m *Manager) NodeID() types.NodeID {
	return m.nodeID
}

// Cluster exposes the frozen cluster description
func (m *Manager) Cluster() *config.Cluster {
	return m.cluster
}
