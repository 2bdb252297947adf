package raftstore

import (
	"errors"
	"fmt"

	regionpkg "nyxstore/internal/region"
)

var (
	ErrStoreStopped  = errors.New("raftstore: store stopped")
	ErrStoreBusy     = errors.New("raftstore: inbox full")
	ErrStoreLocked   = errors.New("raftstore: data dir is locked by another process")
	ErrRegionExists  = errors.New("raftstore: region already exists")
	ErrKeyNotInRange = errors.New("raftstore: key not in region")
	// ErrRegionAborted marks a region whose replica hit an invariant
	// violation; it serves nothing until the process restarts.
	ErrRegionAborted   = errors.New("raftstore: region aborted")
	ErrPeerDestroyed   = errors.New("raftstore: peer destroyed")
	ErrProposalDropped = errors.New("raftstore: proposal dropped")
	ErrInvalidSplit    = errors.New("raftstore: invalid split")
	ErrTombstoneExists = errors.New("raftstore: region is tombstoned on this store")
)

// RegionNotFoundError reports that this store has no live peer for the
// addressed region.
type RegionNotFoundError struct {
	RegionID regionpkg.ID
}

func (e *RegionNotFoundError) Error() string {
	return fmt.Sprintf("region %d not found", e.RegionID)
}

// StaleEpochError rejects a request or message stamped with an epoch older
// than the local one.
type StaleEpochError struct {
	RegionID  regionpkg.ID
	Current   regionpkg.Epoch
	Requested regionpkg.Epoch
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("region %d stale epoch %s, current %s", e.RegionID, e.Requested, e.Current)
}

// EpochNotMatchError rejects a request stamped with an epoch newer than the
// local one. The local peer refreshes its view; the caller retries.
type EpochNotMatchError struct {
	RegionID  regionpkg.ID
	Current   regionpkg.Epoch
	Requested regionpkg.Epoch
}

func (e *EpochNotMatchError) Error() string {
	return fmt.Sprintf("region %d epoch %s ahead of local %s", e.RegionID, e.Requested, e.Current)
}

// NotLeaderError redirects a proposal. Leader is nil when unknown.
type NotLeaderError struct {
	RegionID regionpkg.ID
	Leader   *regionpkg.Peer
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil {
		return fmt.Sprintf("region %d has no known leader", e.RegionID)
	}
	return fmt.Sprintf("region %d is led by %s", e.RegionID, e.Leader)
}

func IsRegionNotFound(err error) bool {
	var target *RegionNotFoundError
	return errors.As(err, &target)
}

func IsStaleEpoch(err error) bool {
	var target *StaleEpochError
	return errors.As(err, &target)
}

func IsEpochNotMatch(err error) bool {
	var target *EpochNotMatchError
	return errors.As(err, &target)
}

// AsNotLeader returns the redirect carried by err, if any.
func AsNotLeader(err error) (*NotLeaderError, bool) {
	var target *NotLeaderError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

var (
	ErrConfChangePending = errors.New("raftstore: another conf change is in flight")
	ErrInvalidPeer       = errors.New("raftstore: invalid peer")
)
