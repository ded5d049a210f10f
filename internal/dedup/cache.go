// Package dedup suppresses re-delivery of the same physical transport message.
package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mr-tron/base58/base58"
)

const (
	HashSize        = 16
	DefaultCapacity = 100
)

type Hash [HashSize]byte

func (h Hash) String() string {
	return base58.Encode(h[:])
}

func ParseHash(s string) (Hash, bool) {
	raw, err := base58.Decode(strings.TrimSpace(s))
	if err != nil || len(raw) != HashSize {
		return Hash{}, false
	}
	var h Hash
	copy(h[:], raw)
	return h, true
}

// ComputeHash digests the message identity fields and truncates to HashSize bytes. The
// timestamp counts in whole milliseconds, the precision every transport and store keeps.
func ComputeHash(contentTopic string, payload []byte, timestamp time.Time, pubsubTopic string) Hash {
	d := sha256.New()
	writeField(d, []byte(contentTopic))
	writeField(d, payload)
	var ts [8]byte
	if !timestamp.IsZero() {
		binary.BigEndian.PutUint64(ts[:], uint64(timestamp.UnixMilli()))
	}
	d.Write(ts[:])
	writeField(d, []byte(pubsubTopic))
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

func writeField(w interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}

// Cache is a bounded set of recently seen hashes. Eviction is FIFO: lookups never
// refresh an entry, so the oldest inserted hash is always dropped first.
type Cache struct {
	entries *lru.Cache[Hash, struct{}]
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[Hash, struct{}](capacity)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &Cache{entries: entries}
}

// Admit records h and reports true if it was not already present.
func (c *Cache) Admit(h Hash) bool {
	present, _ := c.entries.ContainsOrAdd(h, struct{}{})
	return !present
}

func (c *Cache) Contains(h Hash) bool {
	return c.entries.Contains(h)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Purge() {
	c.entries.Purge()
}
