// Package raftstorage keeps the raft log and state of a single peer in one
// file under the peer's directory.
package raftstorage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gogo/protobuf/proto"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const stateFileName = "raft_state.bin"

// Options tunes durability.
type Options struct {
	// Sync fsyncs the state file on every write.
	Sync bool
}

// Storage implements raft.Storage with file-backed persistence.
type Storage struct {
	mu          sync.RWMutex
	dir         string
	path        string
	opts        Options
	entryOffset uint64

	hardState raftpb.HardState
	confState raftpb.ConfState
	snapshot  raftpb.Snapshot
	entries   []raftpb.Entry
}

// New opens the storage rooted at dir, creating it if needed.
func New(dir string, opts Options) (*Storage, error) {
	if dir == "" {
		return nil, fmt.Errorf("raft storage dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	st := &Storage{
		dir:         dir,
		path:        filepath.Join(dir, stateFileName),
		opts:        opts,
		entryOffset: 1,
	}
	if err := st.load(); err != nil {
		return nil, fmt.Errorf("load raft state %s: %w", st.path, err)
	}
	return st, nil
}

// Exists reports whether dir holds persisted raft state.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, stateFileName))
	return err == nil
}

// Destroy removes everything persisted for the peer.
func (s *Storage) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.snapshot = raftpb.Snapshot{}
	s.hardState = raftpb.HardState{}
	s.confState = raftpb.ConfState{}
	s.entryOffset = 1
	return os.RemoveAll(s.dir)
}

func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, s.confState, nil
}

// Save persists the output of one raft Ready: snapshot first, then entries,
// then the hard state, with a single write.
func (s *Storage) Save(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !raft.IsEmptySnap(snap) {
		if err := s.applySnapshotLocked(snap); err != nil {
			return err
		}
	}
	if err := s.appendLocked(ents); err != nil {
		return err
	}
	if !raft.IsEmptyHardState(hs) {
		s.hardState = hs
	}
	return s.persistLocked()
}

func (s *Storage) SetHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = hs
	return s.persistLocked()
}

func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lo < s.firstIndexLocked() {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndexLocked()+1 {
		return nil, raft.ErrUnavailable
	}
	if lo >= hi || len(s.entries) == 0 {
		return nil, nil
	}
	ents := cloneEntries(s.entries[lo-s.entryOffset : hi-s.entryOffset])
	return limitSize(ents, maxSize), nil
}

func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termLocked(i)
}

func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndexLocked(), nil
}

func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndexLocked(), nil
}

func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snapshot), nil
}

func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applySnapshotLocked(snap); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *Storage) applySnapshotLocked(snap raftpb.Snapshot) error {
	if snap.Metadata.Index < s.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}
	// the log after a received snapshot restarts from scratch
	s.snapshot = cloneSnapshot(snap)
	s.confState = snap.Metadata.ConfState
	s.entries = nil
	s.entryOffset = snap.Metadata.Index + 1
	return nil
}

// CreateSnapshot records a snapshot point at index. Data may be empty when
// the caller generates snapshot payloads on demand.
func (s *Storage) CreateSnapshot(index uint64, data []byte, cs *raftpb.ConfState) (*raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.snapshot.Metadata.Index {
		return nil, raft.ErrSnapOutOfDate
	}
	if index > s.lastIndexLocked() {
		return nil, raft.ErrUnavailable
	}
	term, err := s.termLocked(index)
	if err != nil {
		return nil, err
	}
	conf := s.confState
	if cs != nil {
		conf = *proto.Clone(cs).(*raftpb.ConfState)
	}
	snap := raftpb.Snapshot{
		Data: append([]byte(nil), data...),
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: conf,
		},
	}
	s.snapshot = cloneSnapshot(snap)
	s.confState = conf
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Compact discards log entries up to and including index.
func (s *Storage) Compact(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.entryOffset {
		return raft.ErrCompacted
	}
	if index >= s.lastIndexLocked() {
		s.entries = nil
		s.entryOffset = index + 1
		return s.persistLocked()
	}
	s.entries = cloneEntries(s.entries[index+1-s.entryOffset:])
	s.entryOffset = index + 1
	return s.persistLocked()
}

func (s *Storage) SetConfState(cs raftpb.ConfState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confState = *proto.Clone(&cs).(*raftpb.ConfState)
	return s.persistLocked()
}

func (s *Storage) ConfState() raftpb.ConfState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *proto.Clone(&s.confState).(*raftpb.ConfState)
}

func (s *Storage) Append(ents []raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(ents); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *Storage) appendLocked(ents []raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	first := s.firstIndexLocked()
	if ents[len(ents)-1].Index < first {
		return nil
	}
	if ents[0].Index < first {
		ents = ents[first-ents[0].Index:]
	}
	if len(s.entries) == 0 {
		if ents[0].Index != first {
			return fmt.Errorf("raft storage: gap appending index %d, expected %d", ents[0].Index, first)
		}
		s.entryOffset = ents[0].Index
		s.entries = cloneEntries(ents)
		return nil
	}
	offset := ents[0].Index - s.entryOffset
	switch {
	case offset == uint64(len(s.entries)):
		s.entries = append(s.entries, cloneEntries(ents)...)
	case offset < uint64(len(s.entries)):
		// conflicting suffix is replaced
		s.entries = append(append([]raftpb.Entry{}, s.entries[:offset]...), cloneEntries(ents)...)
	default:
		return fmt.Errorf("raft storage: gap appending index %d, last %d", ents[0].Index, s.lastIndexLocked())
	}
	return nil
}

func (s *Storage) termLocked(i uint64) (uint64, error) {
	snapIndex := s.snapshot.Metadata.Index
	switch {
	case i == snapIndex:
		return s.snapshot.Metadata.Term, nil
	case i < snapIndex, i < s.entryOffset:
		return 0, raft.ErrCompacted
	}
	idx := i - s.entryOffset
	if idx >= uint64(len(s.entries)) {
		return 0, raft.ErrUnavailable
	}
	return s.entries[idx].Term, nil
}

func (s *Storage) firstIndexLocked() uint64 {
	first := s.entryOffset
	if snap := s.snapshot.Metadata.Index + 1; snap > first {
		first = snap
	}
	return first
}

func (s *Storage) lastIndexLocked() uint64 {
	if len(s.entries) > 0 {
		return s.entries[len(s.entries)-1].Index
	}
	return s.firstIndexLocked() - 1
}

func (s *Storage) persistLocked() error {
	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeUint64(f, s.entryOffset); err != nil {
		return err
	}
	for _, msg := range []proto.Message{&s.hardState, &s.confState, &s.snapshot} {
		if err := writeMessage(f, msg); err != nil {
			return err
		}
	}
	if err := writeUint64(f, uint64(len(s.entries))); err != nil {
		return err
	}
	for i := range s.entries {
		if err := writeMessage(f, &s.entries[i]); err != nil {
			return err
		}
	}
	if s.opts.Sync {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return os.Rename(tmpPath, s.path)
}

func (s *Storage) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	offset, err := readUint64(f)
	if err != nil {
		return err
	}
	s.entryOffset = offset
	for _, msg := range []proto.Message{&s.hardState, &s.confState, &s.snapshot} {
		if err := readMessage(f, msg); err != nil {
			return err
		}
	}
	count, err := readUint64(f)
	if err != nil {
		return err
	}
	s.entries = make([]raftpb.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var entry raftpb.Entry
		if err := readMessage(f, &entry); err != nil {
			return err
		}
		s.entries = append(s.entries, entry)
	}
	return nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeMessage(w io.Writer, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readMessage(r io.Reader, msg proto.Message) error {
	size, err := readUint64(r)
	if err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return proto.Unmarshal(data, msg)
}

func cloneEntries(entries []raftpb.Entry) []raftpb.Entry {
	if len(entries) == 0 {
		return nil
	}
	cp := make([]raftpb.Entry, len(entries))
	for i := range entries {
		cp[i] = entries[i]
		if entries[i].Data != nil {
			cp[i].Data = append([]byte(nil), entries[i].Data...)
		}
	}
	return cp
}

// limitSize keeps at least one entry, as raft expects.
func limitSize(entries []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if maxSize == 0 || len(entries) == 0 {
		return entries
	}
	size := uint64(entries[0].Size())
	for i := 1; i < len(entries); i++ {
		size += uint64(entries[i].Size())
		if size > maxSize {
			return entries[:i]
		}
	}
	return entries
}

func cloneSnapshot(snap raftpb.Snapshot) raftpb.Snapshot {
	cp := snap
	if snap.Data != nil {
		cp.Data = append([]byte(nil), snap.Data...)
	}
	return cp
}
