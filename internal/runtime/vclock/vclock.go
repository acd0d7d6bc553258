// Package vclock implements vector clocks for partial causal ordering of
// entity state across pipeline nodes.
package vclock

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	Before     Ordering = -1
	Concurrent Ordering = 0
	After      Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock maps node ids to monotonically increasing counters. Missing
// entries count as zero. The zero value is not usable; call New.
type VectorClock struct {
	mu       sync.RWMutex
	counters map[string]uint64
}

// New creates an empty vector clock.
func New() *VectorClock {
	return &VectorClock{counters: make(map[string]uint64)}
}

// FromMap builds a clock from a serialized counter map.
func FromMap(m map[string]uint64) *VectorClock {
	vc := New()
	for node, v := range m {
		vc.counters[node] = v
	}
	return vc
}

// Increment bumps the counter for nodeID and returns the new value.
func (vc *VectorClock) Increment(nodeID string) uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.counters[nodeID]++
	return vc.counters[nodeID]
}

// Get returns the counter for nodeID.
func (vc *VectorClock) Get(nodeID string) uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.counters[nodeID]
}

// Merge sets every counter to the per-node maximum of vc and other.
func (vc *VectorClock) Merge(other *VectorClock) {
	theirs := other.Serialize()

	vc.mu.Lock()
	defer vc.mu.Unlock()
	for node, v := range theirs {
		if vc.counters[node] < v {
			vc.counters[node] = v
		}
	}
}

// Compare reports whether vc happened before, after, or concurrently with
// other. Equal clocks compare as Concurrent.
func (vc *VectorClock) Compare(other *VectorClock) Ordering {
	return CompareMaps(vc.Serialize(), other.Serialize())
}

// CompareMaps compares two serialized clocks.
func CompareMaps(a, b map[string]uint64) Ordering {
	less, greater := false, false
	for node, av := range a {
		bv := b[node]
		if av < bv {
			less = true
		} else if av > bv {
			greater = true
		}
	}
	for node, bv := range b {
		if _, seen := a[node]; !seen && bv > 0 {
			less = true
		}
	}

	switch {
	case less && !greater:
		return Before
	case greater && !less:
		return After
	default:
		return Concurrent
	}
}

// HappensBefore reports whether vc causally precedes other.
func (vc *VectorClock) HappensBefore(other *VectorClock) bool {
	return vc.Compare(other) == Before
}

// IsConcurrent reports whether neither clock dominates the other.
func (vc *VectorClock) IsConcurrent(other *VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Equal reports whether both clocks hold the same counters, ignoring zeros.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	a, b := vc.Serialize(), other.Serialize()
	for node, av := range a {
		if b[node] != av {
			return false
		}
	}
	for node, bv := range b {
		if a[node] != bv {
			return false
		}
	}
	return true
}

// Serialize exports the counters as a plain map for transmission.
func (vc *VectorClock) Serialize() map[string]uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	out := make(map[string]uint64, len(vc.counters))
	for node, v := range vc.counters {
		out[node] = v
	}
	return out
}

// Clone returns an independent copy.
func (vc *VectorClock) Clone() *VectorClock {
	return FromMap(vc.Serialize())
}

// String renders the clock with nodes in sorted order, e.g. {a:1,b:2}.
func (vc *VectorClock) String() string {
	return Fingerprint(vc.Serialize())
}

// Fingerprint renders a serialized clock deterministically.
func Fingerprint(m map[string]uint64) string {
	nodes := make([]string, 0, len(m))
	for node := range m {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var b strings.Builder
	b.WriteByte('{')
	for i, node := range nodes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(node)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(m[node], 10))
	}
	b.WriteByte('}')
	return b.String()
}

func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(vc.Serialize())
}

func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.counters = make(map[string]uint64, len(m))
	for node, v := range m {
		vc.counters[node] = v
	}
	return nil
}
