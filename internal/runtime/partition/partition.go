// Package partition maps entity ids onto a fixed set of partitions and
// partitions onto the nodes of a ring.
//
// The node assignment is modulo based: partition p belongs to
// ring[p % len(ring)]. Changing ring membership therefore moves far more
// partitions than a consistent-hash ring would. Rebalance reports exactly how
// many.
package partition

import (
	"unicode/utf16"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// PartitionCount is the fixed number of partitions.
const PartitionCount = 1024

// Hash is the 32-bit polynomial string hash h = h*31 + c over UTF-16 code
// units, wrapping on overflow.
func Hash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// GetPartition returns the partition for entityID in [0, PartitionCount).
func GetPartition(entityID string) int {
	h := int64(Hash(entityID))
	if h < 0 {
		h = -h
	}
	return int(h % PartitionCount)
}

// GetNodeForPartition returns the ring member that owns partition.
func GetNodeForPartition(partition int, ring []string) (string, error) {
	if len(ring) == 0 {
		return "", errspkg.ErrEmptyRing
	}
	idx := partition % len(ring)
	if idx < 0 {
		idx += len(ring)
	}
	return ring[idx], nil
}

// GetNodeForEntity composes GetPartition and GetNodeForPartition.
func GetNodeForEntity(entityID string, ring []string) (string, error) {
	return GetNodeForPartition(GetPartition(entityID), ring)
}

// PartitionsForNode lists the partitions node owns under ring.
func PartitionsForNode(node string, ring []string) []int {
	var owned []int
	if len(ring) == 0 {
		return owned
	}
	for p := 0; p < PartitionCount; p++ {
		if ring[p%len(ring)] == node {
			owned = append(owned, p)
		}
	}
	return owned
}

// Rebalance is the outcome of moving from one ring to another.
type Rebalance struct {
	// Assignments holds the owner of every partition under the new ring.
	Assignments []string
	Moved       int
	// MovedPercent is Moved as a percentage of PartitionCount.
	MovedPercent float64
}

// RebalancePartitions recomputes ownership of every partition under both rings.
func RebalancePartitions(oldRing, newRing []string) (Rebalance, error) {
	if len(newRing) == 0 {
		return Rebalance{}, errspkg.ErrEmptyRing
	}

	out := Rebalance{Assignments: make([]string, PartitionCount)}
	for p := 0; p < PartitionCount; p++ {
		next := newRing[p%len(newRing)]
		out.Assignments[p] = next
		if len(oldRing) == 0 || oldRing[p%len(oldRing)] != next {
			out.Moved++
		}
	}
	out.MovedPercent = float64(out.Moved) / PartitionCount * 100
	return out, nil
}

// Manager binds the partition functions to a node ring.
type Manager struct {
	ring []string
}

// NewManager copies ring so later caller mutations do not leak in.
func NewManager(ring []string) *Manager {
	return &Manager{ring: append([]string(nil), ring...)}
}

// Ring returns a copy of the configured ring.
func (m *Manager) Ring() []string {
	return append([]string(nil), m.ring...)
}

func (m *Manager) GetPartition(entityID string) int {
	return GetPartition(entityID)
}

func (m *Manager) GetNodeForEntity(entityID string) (string, error) {
	return GetNodeForEntity(entityID, m.ring)
}

func (m *Manager) GetNodeForPartition(partition int) (string, error) {
	return GetNodeForPartition(partition, m.ring)
}

// Rebalance reports the effect of replacing the ring with newRing without
// applying it.
func (m *Manager) Rebalance(newRing []string) (Rebalance, error) {
	return RebalancePartitions(m.ring, newRing)
}
