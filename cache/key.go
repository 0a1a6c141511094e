// Package cache provides the answer cache for blockdns.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/semihalev/blockdns/dnswire"
)

// Key identifies a cached answer.
type Key struct {
	Name  string
	Type  dnswire.Type
	Class dnswire.Class
}

// NewKey returns the key for q with the name in canonical form.
func NewKey(q dnswire.Question) Key {
	return Key{
		Name:  dnswire.CanonicalName(q.Name),
		Type:  q.Type,
		Class: q.Class,
	}
}

type keyBuffer struct {
	buf [260]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Hash returns the 64 bit hash the cache indexes k by.
// Format: [class:2][type:2][lowercased name]
func (k Key) Hash() uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	defer keyBufferPool.Put(kb)

	buf := kb.buf[:0]
	buf = append(buf, byte(k.Class>>8), byte(k.Class))
	buf = append(buf, byte(k.Type>>8), byte(k.Type))

	for i := 0; i < len(k.Name); i++ {
		c := k.Name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	return xxhash.Sum64(buf)
}
