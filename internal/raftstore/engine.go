package raftstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	lockFileName = "LOCK.nyxstore"
	kvDirName    = "kv"
	raftDirName  = "raft"
)

// engine is the store-wide Pebble instance holding region data and local
// metadata for every hosted region.
type engine struct {
	dir  string
	db   *pebble.DB
	lock *flock.Flock
	wo   *pebble.WriteOptions
}

func openEngine(dir string, syncWrites bool, logger *zap.Logger) (*engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, dir)
	}
	db, err := pebble.Open(filepath.Join(dir, kvDirName), &pebble.Options{
		Logger: logger.Named("pebble").WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar(),
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("open pebble: %w", err), lock.Unlock())
	}
	wo := pebble.NoSync
	if syncWrites {
		wo = pebble.Sync
	}
	return &engine{dir: dir, db: db, lock: lock, wo: wo}, nil
}

func (e *engine) close() error {
	return multierr.Combine(e.db.Close(), e.lock.Unlock())
}

func (e *engine) get(key []byte) ([]byte, error) {
	value, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (e *engine) getJSON(key []byte, v any) (bool, error) {
	data, err := e.get(key)
	if err != nil || data == nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

// scan calls fn for every key in [lower, upper). Key and value are only
// valid during the call.
func (e *engine) scan(lower, upper []byte, fn func(key, value []byte) error) error {
	it, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return multierr.Append(err, it.Close())
		}
	}
	return multierr.Append(it.Error(), it.Close())
}

func (e *engine) newBatch() *pebble.Batch { return e.db.NewBatch() }

func (e *engine) commit(b *pebble.Batch) error { return b.Commit(e.wo) }

// commitSync forces durability regardless of the configured mode.
func (e *engine) commitSync(b *pebble.Batch) error { return b.Commit(pebble.Sync) }

func (e *engine) diskUsage() uint64 { return e.db.Metrics().DiskSpaceUsage() }

func putJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}
