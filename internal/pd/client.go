package pd

import (
	"context"
	"sync"

	regionpkg "nyxstore/internal/region"
)

// Client is the capability the store needs from the placement authority.
// GetRegionByID returns (nil, nil) when the region is unknown.
type Client interface {
	AskChangePeer(ctx context.Context, region regionpkg.Region, peer regionpkg.Peer) error
	AskSplit(ctx context.Context, region regionpkg.Region, splitKey []byte, peer regionpkg.Peer) error
	PutStore(ctx context.Context, store regionpkg.Store) error
	GetRegionByID(ctx context.Context, id regionpkg.ID) (*regionpkg.Region, error)
}

// Shared is the handle every component of a store uses to reach the
// authority. Region-scoped calls share the lock; store registration is
// exclusive.
type Shared struct {
	mu     sync.RWMutex
	client Client
}

func NewShared(client Client) *Shared {
	return &Shared{client: client}
}

func (s *Shared) AskChangePeer(ctx context.Context, region regionpkg.Region, peer regionpkg.Peer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client.AskChangePeer(ctx, region, peer)
}

func (s *Shared) AskSplit(ctx context.Context, region regionpkg.Region, splitKey []byte, peer regionpkg.Peer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client.AskSplit(ctx, region, splitKey, peer)
}

func (s *Shared) PutStore(ctx context.Context, store regionpkg.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.PutStore(ctx, store)
}

func (s *Shared) GetRegionByID(ctx context.Context, id regionpkg.ID) (*regionpkg.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client.GetRegionByID(ctx, id)
}

var _ Client = (*Shared)(nil)
