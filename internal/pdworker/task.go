package pdworker

import (
	"fmt"
	"strings"

	"go.etcd.io/etcd/raft/v3/raftpb"

	regionpkg "nyxstore/internal/region"
)

// Task is one unit of coordination work for the placement authority. The
// set of variants is closed: AskChangePeer, AskSplit and Heartbeat.
type Task interface {
	fmt.Stringer
	// Kind names the variant for logs and metrics.
	Kind() string
	isTask()
}

// AskChangePeer reports the region layout produced by a membership change.
type AskChangePeer struct {
	ChangeType raftpb.ConfChangeType
	Region     regionpkg.Region
	Peer       regionpkg.Peer
}

// NewAskChangePeer snapshots region so later mutations by the caller are not
// observed by the task.
func NewAskChangePeer(changeType raftpb.ConfChangeType, region regionpkg.Region, peer regionpkg.Peer) AskChangePeer {
	return AskChangePeer{ChangeType: changeType, Region: region.Clone(), Peer: peer}
}

func (t AskChangePeer) String() string {
	return fmt.Sprintf("ask %s for region %d", changeTypeName(t.ChangeType), t.Region.ID)
}

func (AskChangePeer) Kind() string { return "ask_change_peer" }
func (AskChangePeer) isTask()      {}

// AskSplit reports the region split off at SplitKey. ParentID is the region
// that was split; the authority rewrites it too, so the task is ordered with
// the parent's other reports.
type AskSplit struct {
	ParentID regionpkg.ID
	Region   regionpkg.Region
	SplitKey []byte
	Peer     regionpkg.Peer
}

func NewAskSplit(parentID regionpkg.ID, region regionpkg.Region, splitKey []byte, peer regionpkg.Peer) AskSplit {
	return AskSplit{ParentID: parentID, Region: region.Clone(), SplitKey: append([]byte(nil), splitKey...), Peer: peer}
}

func (t AskSplit) String() string {
	return fmt.Sprintf("ask split region %d with key \"%s\"", t.Region.ID, regionpkg.EscapeKey(t.SplitKey))
}

func (AskSplit) Kind() string { return "ask_split" }
func (AskSplit) isTask()      {}

// Heartbeat registers or refreshes store metadata.
type Heartbeat struct {
	Store regionpkg.Store
}

func NewHeartbeat(store regionpkg.Store) Heartbeat {
	return Heartbeat{Store: store.Clone()}
}

func (t Heartbeat) String() string {
	return fmt.Sprintf("heartbeat for store %d", t.Store.ID)
}

func (Heartbeat) Kind() string { return "heartbeat" }
func (Heartbeat) isTask()      {}

func changeTypeName(ct raftpb.ConfChangeType) string {
	return strings.TrimPrefix(ct.String(), "ConfChange")
}
