// Package instrumentation records recent query decisions for inspection.
package instrumentation

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/semihalev/blockdns/dnswire"
)

// Decision is what the pipeline did with a query.
type Decision uint8

// Decisions.
const (
	Blocked Decision = iota + 1
	Cached
	Forwarded
	Timeout
	Malformed
)

var decisionNames = map[Decision]string{
	Blocked:   "blocked",
	Cached:    "cached",
	Forwarded: "forwarded",
	Timeout:   "timeout",
	Malformed: "malformed",
}

func (d Decision) String() string {
	if s, ok := decisionNames[d]; ok {
		return s
	}
	return fmt.Sprintf("decision(%d)", uint8(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Event describes one handled query.
type Event struct {
	Time     time.Time      `json:"time"`
	Client   netip.AddrPort `json:"client"`
	Name     string         `json:"name,omitempty"`
	Type     dnswire.Type   `json:"type,omitempty"`
	Decision Decision       `json:"decision"`
	// Latency is set for cached and forwarded answers.
	Latency time.Duration `json:"latency,omitempty"`
}

// Recorder consumes events. Implementations must not block.
type Recorder interface {
	Record(Event)
}

type multi []Recorder

func (m multi) Record(ev Event) {
	for _, r := range m {
		r.Record(ev)
	}
}

// Multi returns a Recorder that hands every event to each of rs in order.
// Nil recorders are skipped.
func Multi(rs ...Recorder) Recorder {
	var m multi
	for _, r := range rs {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}
