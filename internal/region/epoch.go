package region

import (
	"errors"
	"fmt"
)

// ErrEpochRegressed reports an attempt to move an epoch backwards.
var ErrEpochRegressed = errors.New("region: epoch regressed")

// Epoch tracks structural changes of a Region.
type Epoch struct {
	// Version increases when the key range of a Region changes (split/merge).
	Version uint64 `json:"version"`
	// ConfVersion increases when the peer set changes (add/remove peers).
	ConfVersion uint64 `json:"conf_version"`
}

// IsStale reports whether e lags other in either component.
func (e Epoch) IsStale(other Epoch) bool {
	return e.Version < other.Version || e.ConfVersion < other.ConfVersion
}

// IsNewer reports whether e is ahead of other in either component.
func (e Epoch) IsNewer(other Epoch) bool {
	return other.IsStale(e)
}

func (e Epoch) Equal(other Epoch) bool {
	return e == other
}

// Observe validates that next does not regress e.
func (e Epoch) Observe(next Epoch) error {
	if next.Version < e.Version || next.ConfVersion < e.ConfVersion {
		return fmt.Errorf("%w: %s -> %s", ErrEpochRegressed, e, next)
	}
	return nil
}

func (e Epoch) String() string {
	return fmt.Sprintf("{version:%d conf_ver:%d}", e.Version, e.ConfVersion)
}
