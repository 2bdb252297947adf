package pd

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	regionpkg "nyxstore/internal/region"
)

type regionItem struct {
	start []byte
	id    regionpkg.ID
}

func regionItemLess(a, b regionItem) bool {
	return bytes.Compare(a.start, b.start) < 0
}

// Service is the placement authority: it records stores and the latest
// known layout of every region, optionally persisting both to bbolt.
type Service struct {
	mu      sync.RWMutex
	stores  map[uint64]regionpkg.Store
	regions map[regionpkg.ID]regionpkg.Region
	index   *btree.BTreeG[regionItem]
	allocID uint64
	meta    metaStore
}

// NewService creates a pure in-memory PD service.
func NewService() *Service {
	return &Service{
		stores:  make(map[uint64]regionpkg.Store),
		regions: make(map[regionpkg.ID]regionpkg.Region),
		index:   btree.NewG[regionItem](32, regionItemLess),
	}
}

// NewPersistentService persists metadata under dir so it survives restarts.
func NewPersistentService(dir string) (*Service, error) {
	meta, err := newBoltMetaStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open pd storage: %w", err)
	}
	svc := NewService()
	svc.meta = meta
	if err := svc.load(); err != nil {
		_ = meta.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) load() error {
	if err := s.meta.ForEachStore(func(store regionpkg.Store) error {
		s.stores[store.ID] = store
		return nil
	}); err != nil {
		return err
	}
	if err := s.meta.ForEachRegion(func(region regionpkg.Region) error {
		s.regions[region.ID] = region
		s.index.ReplaceOrInsert(regionItem{start: region.Range.Start, id: region.ID})
		return nil
	}); err != nil {
		return err
	}
	id, err := s.meta.LoadAllocID()
	if err != nil {
		return err
	}
	s.allocID = id
	return nil
}

// Close releases persistent resources if present.
func (s *Service) Close() error {
	if s.meta == nil {
		return nil
	}
	return s.meta.Close()
}

// AllocID hands out cluster-unique ids for regions and peers.
func (s *Service) AllocID(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.allocID + 1
	if s.meta != nil {
		if err := s.meta.SaveAllocID(next); err != nil {
			return 0, fmt.Errorf("persist alloc id: %w", err)
		}
	}
	s.allocID = next
	return next, nil
}

// BootstrapRegion records the first layout of a region.
func (s *Service) BootstrapRegion(ctx context.Context, region regionpkg.Region) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if region.ID == 0 {
		return fmt.Errorf("region id is zero")
	}
	if err := region.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.regions[region.ID]; exists {
		return fmt.Errorf("%w: %d", ErrRegionExists, region.ID)
	}
	return s.upsertRegionLocked(region.Clone())
}

// AskChangePeer records the region layout produced by a membership change.
// Reports carrying an epoch older than the recorded one are ignored.
func (s *Service) AskChangePeer(ctx context.Context, region regionpkg.Region, peer regionpkg.Peer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if region.ID == 0 {
		return fmt.Errorf("region id is zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.regions[region.ID]; ok && region.Epoch.IsStale(prev.Epoch) {
		return nil
	}
	return s.upsertRegionLocked(region.Clone())
}

// AskSplit records region, the right half split off at splitKey, and shrinks
// the recorded region that used to own splitKey.
func (s *Service) AskSplit(ctx context.Context, region regionpkg.Region, splitKey []byte, peer regionpkg.Peer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if region.ID == 0 {
		return fmt.Errorf("region id is zero")
	}
	if !bytes.Equal(region.Range.Start, splitKey) {
		return fmt.Errorf("%w: region %d starts at %q, split key %q", ErrInvalidSplit, region.ID,
			regionpkg.EscapeKey(region.Range.Start), regionpkg.EscapeKey(splitKey))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.regions[region.ID]; ok && !prev.Epoch.IsStale(region.Epoch) {
		return nil
	}
	if parent, ok := s.regionByKeyLocked(splitKey); ok && parent.ID != region.ID && parent.Epoch.Version < region.Epoch.Version {
		parent.Range.End = append([]byte(nil), splitKey...)
		parent.Epoch.Version = region.Epoch.Version
		if err := s.upsertRegionLocked(parent); err != nil {
			return err
		}
	}
	return s.upsertRegionLocked(region.Clone())
}

// PutStore upserts store metadata, last write wins.
func (s *Service) PutStore(ctx context.Context, store regionpkg.Store) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if store.ID == 0 {
		return fmt.Errorf("%w: store id is zero", ErrInvalidStore)
	}
	clone := store.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta != nil {
		if err := s.meta.PutStore(clone); err != nil {
			return fmt.Errorf("persist store %d: %w", store.ID, err)
		}
	}
	s.stores[store.ID] = clone
	return nil
}

// GetRegionByID returns the recorded region, or nil when unknown.
func (s *Service) GetRegionByID(ctx context.Context, id regionpkg.ID) (*regionpkg.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	region, ok := s.regions[id]
	if !ok {
		return nil, nil
	}
	clone := region.Clone()
	return &clone, nil
}

// Store returns the last record for a given store.
func (s *Service) Store(id uint64) (regionpkg.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[id]
	return store.Clone(), ok
}

// Stores returns all known stores ordered by id.
func (s *Service) Stores() []regionpkg.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := maps.Keys(s.stores)
	slices.Sort(ids)
	out := make([]regionpkg.Store, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.stores[id].Clone())
	}
	return out
}

// Regions returns every recorded region ordered by start key.
func (s *Service) Regions() []regionpkg.Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]regionpkg.Region, 0, s.index.Len())
	s.index.Ascend(func(item regionItem) bool {
		region := s.regions[item.id]
		out = append(out, region.Clone())
		return true
	})
	return out
}

// RegionByKey returns the region whose range contains key.
func (s *Service) RegionByKey(key []byte) (regionpkg.Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	region, ok := s.regionByKeyLocked(key)
	if !ok {
		return regionpkg.Region{}, false
	}
	return region.Clone(), true
}

func (s *Service) regionByKeyLocked(key []byte) (regionpkg.Region, bool) {
	var (
		found regionpkg.Region
		ok    bool
	)
	s.index.DescendLessOrEqual(regionItem{start: key}, func(item regionItem) bool {
		region := s.regions[item.id]
		if region.ContainsKey(key) {
			found, ok = region.Clone(), true
		}
		return false
	})
	return found, ok
}

func (s *Service) upsertRegionLocked(region regionpkg.Region) error {
	if s.meta != nil {
		if err := s.meta.PutRegion(region); err != nil {
			return fmt.Errorf("persist region %d: %w", region.ID, err)
		}
	}
	if prev, ok := s.regions[region.ID]; ok {
		if existing, found := s.index.Get(regionItem{start: prev.Range.Start}); found && existing.id == region.ID {
			s.index.Delete(existing)
		}
	}
	s.regions[region.ID] = region
	s.index.ReplaceOrInsert(regionItem{start: region.Range.Start, id: region.ID})
	return nil
}

var _ Client = (*Service)(nil)
