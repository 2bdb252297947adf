package pd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	regionpkg "nyxstore/internal/region"
)

type metaStore interface {
	PutStore(regionpkg.Store) error
	ForEachStore(func(regionpkg.Store) error) error
	PutRegion(regionpkg.Region) error
	ForEachRegion(func(regionpkg.Region) error) error
	LoadAllocID() (uint64, error)
	SaveAllocID(uint64) error
	Close() error
}

type boltMetaStore struct {
	db *bolt.DB
}

const (
	boltFileName      = "pd.meta"
	boltStoreBucket   = "stores"
	boltRegionBucket  = "regions"
	boltMetaBucket    = "meta"
	storeKeyPrefix    = "store/"
	regionKeyPrefix   = "region/"
	allocIDMetaKeyStr = "alloc_id"
)

func newBoltMetaStore(dir string) (*boltMetaStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("pd directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, boltFileName), 0o600, &bolt.Options{Timeout: 0})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{boltStoreBucket, boltRegionBucket, boltMetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltMetaStore{db: db}, nil
}

func (b *boltMetaStore) put(bucketName string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", bucketName)
		}
		return bucket.Put(key, data)
	})
}

func (b *boltMetaStore) forEach(bucketName string, fn func(v []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}

func (b *boltMetaStore) PutStore(store regionpkg.Store) error {
	return b.put(boltStoreBucket, []byte(fmt.Sprintf("%s%d", storeKeyPrefix, store.ID)), store)
}

func (b *boltMetaStore) ForEachStore(fn func(regionpkg.Store) error) error {
	return b.forEach(boltStoreBucket, func(v []byte) error {
		var store regionpkg.Store
		if err := json.Unmarshal(v, &store); err != nil {
			return err
		}
		return fn(store)
	})
}

func (b *boltMetaStore) PutRegion(region regionpkg.Region) error {
	return b.put(boltRegionBucket, []byte(fmt.Sprintf("%s%d", regionKeyPrefix, region.ID)), region)
}

func (b *boltMetaStore) ForEachRegion(fn func(regionpkg.Region) error) error {
	return b.forEach(boltRegionBucket, func(v []byte) error {
		var region regionpkg.Region
		if err := json.Unmarshal(v, &region); err != nil {
			return err
		}
		return fn(region)
	})
}

func (b *boltMetaStore) LoadAllocID() (uint64, error) {
	var value uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltMetaBucket))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(allocIDMetaKeyStr))
		if len(data) == 0 {
			return nil
		}
		value = binary.BigEndian.Uint64(data)
		return nil
	})
	return value, err
}

func (b *boltMetaStore) SaveAllocID(id uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltMetaBucket))
		if bucket == nil {
			return fmt.Errorf("bucket %s missing", boltMetaBucket)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], id)
		return bucket.Put([]byte(allocIDMetaKeyStr), buf[:])
	})
}

func (b *boltMetaStore) Close() error {
	return b.db.Close()
}
