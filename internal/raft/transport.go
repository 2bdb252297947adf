// Package raft moves region raft messages between stores.
package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"

	api "nyxstore/pkg/api"
)

var (
	// ErrStoreUnreachable reports that no route to the target store exists.
	ErrStoreUnreachable = errors.New("raft transport: store unreachable")
	// ErrDropped reports a message discarded by a filter.
	ErrDropped = errors.New("raft transport: message dropped")
)

// Transport delivers a message to the store hosting msg.ToPeer.
type Transport interface {
	Send(msg *api.RaftMessage) error
}

// MessageHandler is implemented by the receiving store.
type MessageHandler interface {
	HandleRaftMessage(ctx context.Context, msg *api.RaftMessage) error
}

// Filter decides whether a message may pass; false drops it.
type Filter func(msg *api.RaftMessage) bool

// LocalTransport routes messages between stores living in one process.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[uint64]MessageHandler
	filters  []Filter
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{handlers: make(map[uint64]MessageHandler)}
}

func (t *LocalTransport) Register(storeID uint64, h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[storeID] = h
}

func (t *LocalTransport) Unregister(storeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, storeID)
}

func (t *LocalTransport) AddFilter(f Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = append(t.filters, f)
}

func (t *LocalTransport) ClearFilters() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = nil
}

// Send hands msg to the target store synchronously. Errors from the
// receiver's admission checks are returned to the caller.
func (t *LocalTransport) Send(msg *api.RaftMessage) error {
	t.mu.RLock()
	h, ok := t.handlers[msg.ToPeer.StoreID]
	filters := t.filters
	t.mu.RUnlock()
	for _, f := range filters {
		if !f(msg) {
			return ErrDropped
		}
	}
	if !ok {
		return fmt.Errorf("%w: store %d", ErrStoreUnreachable, msg.ToPeer.StoreID)
	}
	return h.HandleRaftMessage(context.Background(), msg)
}

var _ Transport = (*LocalTransport)(nil)
