package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cberner/fleetfs/pkg/config"
	"github.com/cberner/fleetfs/pkg/log"
	"github.com/cberner/fleetfs/pkg/metrics"
	"github.com/cberner/fleetfs/pkg/types"
	"github.com/cberner/fleetfs/pkg/wire"
)

const (
	dialTimeout     = 5 * time.Second
	raftSendTimeout = 10 * time.Second
	// raftQueueDepth bounds buffered outbound consensus messages per
	// peer. The ready loop must never block on a slow peer; raft
	// retries anything dropped here.
	raftQueueDepth = 256
)

// Pool owns one lazily opened, long-lived connection per peer. It delivers
// consensus messages and forwards client-style requests to other nodes.
type Pool struct {
	cluster *config.Cluster
	self    types.NodeID
	logger  zerolog.Logger

	mu    sync.Mutex
	peers map[types.NodeID]*Peer
}

// NewPool creates the peer pool for this node
func NewPool(cluster *config.Cluster, self types.NodeID) *Pool {
	return &Pool{
		cluster: cluster,
		self:    self,
		logger:  log.WithComponent("transport"),
		peers:   make(map[types.NodeID]*Peer),
	}
}

// Peer returns the connection handle for a node, creating it on first use
func (p *Pool) Peer(id types.NodeID) (*Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[id]; ok {
		return peer, nil
	}
	addr, ok := p.cluster.NodeAddress(id)
	if !ok {
		return nil, fmt.Errorf("unknown peer node %d", id)
	}
	peer := newPeer(addr, p.logger.With().Uint64("peer", uint64(id)).Logger())
	p.peers[id] = peer
	return peer, nil
}

// SendRaftMessage queues one consensus message for delivery. It never
// blocks; when the peer's queue is full the message is dropped and raft
// retransmits.
func (p *Pool) SendRaftMessage(to types.NodeID, group types.GroupID, message raftpb.Message) {
	peer, err := p.Peer(to)
	if err != nil {
		p.logger.Warn().Err(err).Msg("dropping raft message for unknown peer")
		metrics.PeerSendFailures.Inc()
		return
	}

	data, err := message.Marshal()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal raft message")
		metrics.PeerSendFailures.Inc()
		return
	}
	payload, err := wire.EncodeRequest(wire.RequestRaft, wire.RaftRequest{Group: group, Message: data})
	if err != nil {
		metrics.PeerSendFailures.Inc()
		return
	}
	peer.enqueue(payload)
}

// LatestCommit asks a peer for its latest applied index on group
func (p *Pool) LatestCommit(ctx context.Context, to types.NodeID, group types.GroupID) (uint64, error) {
	peer, err := p.Peer(to)
	if err != nil {
		return 0, err
	}
	payload, err := wire.EncodeRequest(wire.RequestLatestCommit, wire.LatestCommitRequest{Group: group})
	if err != nil {
		return 0, err
	}
	responseBytes, err := peer.RoundTrip(ctx, payload)
	if err != nil {
		return 0, err
	}
	response, err := wire.DecodeResponse(responseBytes)
	if err != nil {
		return 0, err
	}
	if err := response.AsError(); err != nil {
		return 0, err
	}
	var body wire.LatestCommitResponse
	if err := response.DecodeBody(&body); err != nil {
		return 0, err
	}
	return body.Index, nil
}

// Forward sends an already-encoded request envelope to a node and returns
// the raw response envelope.
func (p *Pool) Forward(ctx context.Context, to types.NodeID, payload []byte) ([]byte, error) {
	peer, err := p.Peer(to)
	if err != nil {
		return nil, err
	}
	return peer.RoundTrip(ctx, payload)
}

// Close tears down every peer connection
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, peer := range p.peers {
		peer.close()
	}
}
