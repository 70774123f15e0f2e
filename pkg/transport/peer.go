package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cberner/fleetfs/pkg/metrics"
	"github.com/cberner/fleetfs/pkg/wire"
)

// Peer is one long-lived connection to another node. The connection is
// opened lazily and discarded on any I/O error; the next use re-dials.
// Requests on one connection are strictly request/response ordered.
type Peer struct {
	addr   string
	logger zerolog.Logger

	// mu serializes one round trip at a time on the connection, which
	// keeps responses matched to requests without a correlation id.
	mu   sync.Mutex
	conn net.Conn

	sendOnce sync.Once
	sendCh   chan []byte
}

func newPeer(addr string, logger zerolog.Logger) *Peer {
	return &Peer{
		addr:   addr,
		logger: logger,
		sendCh: make(chan []byte, raftQueueDepth),
	}
}

// enqueue hands a consensus payload to the peer's sender task. Drops when
// the queue is full.
func (p *Peer) enqueue(payload []byte) {
	p.sendOnce.Do(func() {
		go p.sendLoop()
	})
	select {
	case p.sendCh <- payload:
	default:
		metrics.PeerSendFailures.Inc()
	}
}

// sendLoop drains queued consensus messages. Responses are read and
// discarded; delivery failures are dropped on the floor and raft
// retransmits.
func (p *Peer) sendLoop() {
	for payload := range p.sendCh {
		ctx, cancel := context.WithTimeout(context.Background(), raftSendTimeout)
		_, err := p.RoundTrip(ctx, payload)
		cancel()
		if err != nil {
			metrics.PeerSendFailures.Inc()
			p.logger.Debug().Err(err).Msg("raft message send failed")
		}
	}
}

// RoundTrip writes one frame and reads the matching response frame
func (p *Peer) RoundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(raftSendTimeout)
	}
	if err := p.conn.SetDeadline(deadline); err != nil {
		p.dropConn()
		return nil, err
	}

	if err := wire.WriteFrame(p.conn, payload); err != nil {
		p.dropConn()
		return nil, err
	}
	response, err := wire.ReadFrame(p.conn)
	if err != nil {
		p.dropConn()
		return nil, err
	}
	return response, nil
}

func (p *Peer) dropConn() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropConn()
}
