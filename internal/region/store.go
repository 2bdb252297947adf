package region

// Store describes a storage node as reported to the placement authority.
type Store struct {
	ID          uint64            `json:"id"`
	Address     string            `json:"address"`
	Capacity    uint64            `json:"capacity,omitempty"`
	Available   uint64            `json:"available,omitempty"`
	RegionCount uint64            `json:"region_count,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Clone returns a copy that shares no maps with s.
func (s Store) Clone() Store {
	cp := s
	if s.Labels != nil {
		cp.Labels = make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			cp.Labels[k] = v
		}
	}
	return cp
}
