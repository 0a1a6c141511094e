package resolver

import (
	"math/rand/v2"
	"net/netip"

	"github.com/jonboulle/clockwork"
)

// maxPending bounds the in-flight queries to the upstream ID space.
const maxPending = 1 << 16

// pending is a query in flight to one upstream.
type pending struct {
	query Query

	id       uint16
	upstream int // index into Manager.upstreams
	addr     netip.AddrPort
	timer    clockwork.Timer
}

// table holds the in-flight queries keyed by upstream ID. It is not safe
// for concurrent use; Manager guards it.
type table struct {
	entries map[uint16]*pending
}

func newTable() *table {
	return &table{entries: make(map[uint16]*pending)}
}

// insert stores p under a random unused ID and returns it. It returns
// false when every ID is taken.
func (t *table) insert(p *pending) (uint16, bool) {
	if len(t.entries) >= maxPending {
		return 0, false
	}

	for {
		id := uint16(rand.UintN(maxPending))
		if _, ok := t.entries[id]; ok {
			continue
		}
		p.id = id
		t.entries[id] = p
		return id, true
	}
}

func (t *table) get(id uint16) (*pending, bool) {
	p, ok := t.entries[id]
	return p, ok
}

// take removes and returns p only while it is still stored under id.
func (t *table) take(id uint16, p *pending) bool {
	if cur, ok := t.entries[id]; !ok || cur != p {
		return false
	}
	delete(t.entries, id)
	return true
}

func (t *table) len() int { return len(t.entries) }

// clear stops every timer and empties the table.
func (t *table) clear() {
	for id, p := range t.entries {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(t.entries, id)
	}
}
