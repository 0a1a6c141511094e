package instrumentation

import (
	"encoding/json"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/semihalev/blockdns/dnswire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(i int) Event {
	return Event{
		Time:     time.Unix(int64(i), 0),
		Name:     "example.com.",
		Type:     dnswire.TypeA,
		Decision: Forwarded,
	}
}

func Test_RingPartial(t *testing.T) {
	r := NewRing(4)
	assert.Empty(t, r.Snapshot())

	r.Record(event(1))
	r.Record(event(2))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].Time.Unix())
	assert.Equal(t, int64(2), snap[1].Time.Unix())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 4, r.Cap())
}

func Test_RingOverwrite(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 7; i++ {
		r.Record(event(i))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i, ev := range snap {
		assert.Equal(t, int64(5+i), ev.Time.Unix())
	}
	assert.Equal(t, 3, r.Len())

	// exactly one wrap
	r = NewRing(3)
	for i := 1; i <= 3; i++ {
		r.Record(event(i))
	}
	snap = r.Snapshot()
	assert.Equal(t, int64(1), snap[0].Time.Unix())
	assert.Equal(t, int64(3), snap[2].Time.Unix())
}

func Test_RingSnapshotDetached(t *testing.T) {
	r := NewRing(2)
	r.Record(event(1))

	snap := r.Snapshot()
	snap[0].Name = "changed."

	assert.Equal(t, "example.com.", r.Snapshot()[0].Name)
}

func Test_RingConcurrent(t *testing.T) {
	r := NewRing(16)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Record(event(i))
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, r.Len())
}

type counter struct{ n int }

func (c *counter) Record(Event) { c.n++ }

func Test_Multi(t *testing.T) {
	a, b := &counter{}, &counter{}
	rec := Multi(a, nil, b)

	rec.Record(event(1))
	rec.Record(event(2))

	assert.Equal(t, 2, a.n)
	assert.Equal(t, 2, b.n)
}

func Test_EventJSON(t *testing.T) {
	ev := Event{
		Time:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Client:   netip.MustParseAddrPort("192.0.2.10:5353"),
		Name:     "ads.example.com.",
		Type:     dnswire.TypeAAAA,
		Decision: Blocked,
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"time": "2024-01-02T03:04:05Z",
		"client": "192.0.2.10:5353",
		"name": "ads.example.com.",
		"type": "AAAA",
		"decision": "blocked"
	}`, string(b))

	assert.Equal(t, "decision(9)", Decision(9).String())
}
