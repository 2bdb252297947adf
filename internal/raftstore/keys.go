package raftstore

import (
	"encoding/binary"

	regionpkg "nyxstore/internal/region"
)

// Keyspace layout of the store engine:
//
//	0x01 'r' <region id>  region local state
//	0x01 't' <region id>  tombstone marker
//	'z' <user key>        region data
const (
	localPrefix    byte = 0x01
	regionStateTag byte = 'r'
	tombstoneTag   byte = 't'
	dataPrefix     byte = 'z'
)

var (
	dataMaxKey = []byte{dataPrefix + 1}
)

func dataKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, dataPrefix)
	return append(out, key...)
}

func userKey(key []byte) []byte {
	return append([]byte(nil), key[1:]...)
}

// dataBounds maps a region key range onto engine bounds.
func dataBounds(r regionpkg.KeyRange) (lower, upper []byte) {
	lower = dataKey(r.Start)
	if len(r.End) == 0 {
		return lower, dataMaxKey
	}
	return lower, dataKey(r.End)
}

func localKey(tag byte, id regionpkg.ID) []byte {
	key := make([]byte, 10)
	key[0] = localPrefix
	key[1] = tag
	binary.BigEndian.PutUint64(key[2:], uint64(id))
	return key
}

func regionStateKey(id regionpkg.ID) []byte { return localKey(regionStateTag, id) }

func tombstoneKey(id regionpkg.ID) []byte { return localKey(tombstoneTag, id) }

func localBounds(tag byte) (lower, upper []byte) {
	return []byte{localPrefix, tag}, []byte{localPrefix, tag + 1}
}
