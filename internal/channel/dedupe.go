package channel

import (
	"sync"

	"github.com/zeebo/blake3"
)

// DefaultDedupeWindow is how many recent messages a Deduper remembers.
const DefaultDedupeWindow = 512

// Deduper drops messages already seen within a bounded window of recent
// (event, payload) digests.
type Deduper struct {
	mu   sync.Mutex
	seen map[[32]byte]struct{}
	ring [][32]byte
	next int
}

// NewDeduper remembers the last size digests.
func NewDeduper(size int) *Deduper {
	if size <= 0 {
		size = DefaultDedupeWindow
	}
	return &Deduper{seen: make(map[[32]byte]struct{}, size), ring: make([][32]byte, 0, size)}
}

// Seen records the message and reports whether it was already recorded.
func (d *Deduper) Seen(event string, payload []byte) bool {
	h := blake3.New()
	_, _ = h.Write([]byte(event))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[sum]; ok {
		return true
	}
	if len(d.ring) < cap(d.ring) {
		d.ring = append(d.ring, sum)
	} else {
		delete(d.seen, d.ring[d.next])
		d.ring[d.next] = sum
		d.next = (d.next + 1) % len(d.ring)
	}
	d.seen[sum] = struct{}{}
	return false
}
