package raft

import (
	"math/rand"
	"sync"

	"github.com/cberner/fleetfs/pkg/wire"
)

// applyResult is delivered to the proposing caller once its entry has been
// applied locally.
type applyResult struct {
	index uint64
	err   error
}

// proposalCtx is one in-flight proposal on the proposing node. The builder
// travels to the applier, which fills it and hands it back through done.
type proposalCtx struct {
	builder *wire.Builder
	done    chan applyResult
}

// pendingTable maps proposal keys to in-flight callers. The key is embedded
// in the log entry before Propose is called, so the applier can never see a
// committed entry whose context has not been registered yet on the
// proposing node. Entries proposed by other nodes are simply absent here
// and their responses are discarded.
type pendingTable struct {
	mu  sync.Mutex
	ids map[uint64]*proposalCtx
}

func newPendingTable() *pendingTable {
	return &pendingTable{ids: make(map[uint64]*proposalCtx)}
}

// Register parks pctx under a fresh key and returns the key
func (p *pendingTable) Register(pctx *proposalCtx) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := rand.Uint64()
	for key == 0 {
		key = rand.Uint64()
	}
	for {
		if _, exists := p.ids[key]; !exists {
			break
		}
		key = rand.Uint64()
	}
	p.ids[key] = pctx
	return key
}

// Take removes and returns the context registered under key, if any
func (p *pendingTable) Take(key uint64) (*proposalCtx, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pctx, ok := p.ids[key]
	if ok {
		delete(p.ids, key)
	}
	return pctx, ok
}

// Drop removes a context whose caller gave up waiting. The entry still
// applies; the applier just discards the response.
func (p *pendingTable) Drop(key uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ids, key)
}

// Len reports the number of in-flight proposals, the load metric used for
// least-loaded group selection.
func (p *pendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
