package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cberner/fleetfs/pkg/types"
)

// Node is one storage node in the cluster file
type Node struct {
	ID      types.NodeID `yaml:"id"`
	Address string       `yaml:"address"`
}

// Group is one consensus group and the nodes that replicate it
type Group struct {
	ID    types.GroupID  `yaml:"id"`
	Nodes []types.NodeID `yaml:"nodes"`
}

// Cluster is the static cluster description. The group list is frozen for
// the cluster's lifetime; changing it is a full data migration.
type Cluster struct {
	Nodes  []Node  `yaml:"nodes"`
	Groups []Group `yaml:"groups"`

	// TickIntervalMS drives consensus timers on every group
	TickIntervalMS int `yaml:"tick_interval_ms"`
	// SyncTimeoutMS bounds the freshness handshake's local wait
	SyncTimeoutMS int `yaml:"sync_timeout_ms"`
	// LeaderRPCTimeoutMS bounds the latest-commit RPC to the leader
	LeaderRPCTimeoutMS int `yaml:"leader_rpc_timeout_ms"`
}

const (
	defaultTickInterval     = 100 * time.Millisecond
	defaultSyncTimeout      = 10 * time.Second
	defaultLeaderRPCTimeout = 5 * time.Second
)

// TickInterval returns the configured tick cadence, defaulted to 100ms
func (c *Cluster) TickInterval() time.Duration {
	if c.TickIntervalMS <= 0 {
		return defaultTickInterval
	}
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// SyncTimeout returns the freshness sync deadline, defaulted to 10s
func (c *Cluster) SyncTimeout() time.Duration {
	if c.SyncTimeoutMS <= 0 {
		return defaultSyncTimeout
	}
	return time.Duration(c.SyncTimeoutMS) * time.Millisecond
}

// LeaderRPCTimeout returns the leader RPC deadline, defaulted to 5s
func (c *Cluster) LeaderRPCTimeout() time.Duration {
	if c.LeaderRPCTimeoutMS <= 0 {
		return defaultLeaderRPCTimeout
	}
	return time.Duration(c.LeaderRPCTimeoutMS) * time.Millisecond
}

// Load reads and validates a cluster file
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates cluster YAML
func Parse(data []byte) (*Cluster, error) {
	var cluster Cluster
	if err := yaml.Unmarshal(data, &cluster); err != nil {
		return nil, fmt.Errorf("failed to parse cluster config: %w", err)
	}
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	return &cluster, nil
}

// Validate checks the cluster description for internal consistency
func (c *Cluster) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("cluster config declares no nodes")
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("cluster config declares no groups")
	}

	nodes := make(map[types.NodeID]bool, len(c.Nodes))
	for _, node := range c.Nodes {
		if node.Address == "" {
			return fmt.Errorf("node %d has no address", node.ID)
		}
		if nodes[node.ID] {
			return fmt.Errorf("duplicate node id %d", node.ID)
		}
		nodes[node.ID] = true
	}

	// Group ids must be exactly 0..G-1: the partition function is
	// inode mod G and the allocator relies on it to hand out inodes
	// congruent to the allocating group.
	groups := make(map[types.GroupID]bool, len(c.Groups))
	for _, group := range c.Groups {
		if uint64(group.ID) >= uint64(len(c.Groups)) {
			return fmt.Errorf("group id %d out of range, ids must be 0..%d", group.ID, len(c.Groups)-1)
		}
		if groups[group.ID] {
			return fmt.Errorf("duplicate group id %d", group.ID)
		}
		groups[group.ID] = true
		if len(group.Nodes) == 0 {
			return fmt.Errorf("group %d has no members", group.ID)
		}
		for _, member := range group.Nodes {
			if !nodes[member] {
				return fmt.Errorf("group %d references unknown node %d", group.ID, member)
			}
		}
	}
	return nil
}

// NodeAddress returns the address of a node id
func (c *Cluster) NodeAddress(id types.NodeID) (string, bool) {
	for _, node := range c.Nodes {
		if node.ID == id {
			return node.Address, true
		}
	}
	return "", false
}

// GroupsForNode lists the groups a node participates in
func (c *Cluster) GroupsForNode(id types.NodeID) []Group {
	var member []Group
	for _, group := range c.Groups {
		for _, node := range group.Nodes {
			if node == id {
				member = append(member, group)
				break
			}
		}
	}
	return member
}

// GroupForInode is the deterministic inode-to-group partition function:
// group = inode mod G. It is a pure function of the inode number and the
// frozen group count, stable for the cluster's lifetime.
func (c *Cluster) GroupForInode(inode types.InodeID) types.GroupID {
	return types.GroupID(uint64(inode) % uint64(len(c.Groups)))
}
