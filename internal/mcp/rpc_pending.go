package mcp

import (
	"context"
	"errors"
	"sync"
)

var errClientClosed = errors.New("mcp client closed")

type rpcReply struct {
	result any
	err    error
}

// pendingCalls matches responses read by a background loop to the callers
// waiting on them, so a caller can give up on ctx without blocking the
// stream for everybody else.
type pendingCalls struct {
	mu      sync.Mutex
	nextID  int64
	waiters map[string]chan rpcReply
	failed  error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{waiters: make(map[string]chan rpcReply)}
}

func (p *pendingCalls) register() (int64, chan rpcReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return 0, nil, p.failed
	}
	p.nextID++
	ch := make(chan rpcReply, 1)
	p.waiters[rpcIDKey(p.nextID)] = ch
	return p.nextID, ch, nil
}

func (p *pendingCalls) forget(id int64) {
	p.mu.Lock()
	delete(p.waiters, rpcIDKey(id))
	p.mu.Unlock()
}

// dispatch delivers one inbound payload. Notifications and unknown ids are dropped.
func (p *pendingCalls) dispatch(payload []byte) {
	id, result, err := decodeRPCEnvelope(payload)
	if id == "" && err == nil {
		return
	}
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- rpcReply{result: result, err: err}
	}
}

// failAll rejects every waiter and all future registrations with err.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return
	}
	p.failed = err
	for id, ch := range p.waiters {
		ch <- rpcReply{err: err}
		delete(p.waiters, id)
	}
}

func (p *pendingCalls) await(ctx context.Context, id int64, ch chan rpcReply) (any, error) {
	select {
	case reply := <-ch:
		return reply.result, reply.err
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}
