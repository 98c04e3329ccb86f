package persistence

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/zhangyunhao116/fastrand"
)

// Bloom is a fixed-capacity bit set with a single hash function seeded
// per instance. It answers "definitely absent" or "maybe present";
// callers verify positives against the block index. Blooms are never
// persisted: a table reloaded from disk rebuilds its bloom by replaying
// every command, so the per-instance seed is harmless.
type Bloom struct {
	bits []bool
	seed uint64
}

func NewBloom(capacity int) *Bloom {
	return &Bloom{
		bits: make([]bool, capacity),
		seed: fastrand.Uint64(),
	}
}

func (b *Bloom) Put(key int32) {
	b.bits[b.index(key)] = true
}

func (b *Bloom) MaybeContains(key int32) bool {
	return b.bits[b.index(key)]
}

func (b *Bloom) index(key int32) int {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], b.seed)
	binary.BigEndian.PutUint32(buf[8:], uint32(key))
	return int(xxhash.Sum64(buf[:]) % uint64(len(b.bits)))
}
