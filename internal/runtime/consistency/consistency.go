// Package consistency applies versioned updates to entity state under
// eventual, causal, or strong consistency and resolves concurrent versions.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"time"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/logging"
	"github.com/drblury/chainflow/internal/runtime/vclock"
)

// Model selects when an update counts as committed.
type Model string

const (
	Eventual Model = "EVENTUAL"
	Causal   Model = "CAUSAL"
	Strong   Model = "STRONG"
)

// VersionedState is an entity's data with its version and causal history.
type VersionedState struct {
	Data         map[string]any    `json:"data"`
	Version      uint64            `json:"version"`
	VectorClock  map[string]uint64 `json:"vectorClock"`
	LastModified time.Time         `json:"lastModified"`
}

// Clock returns the state's vector clock.
func (s VersionedState) Clock() *vclock.VectorClock {
	return vclock.FromMap(s.VectorClock)
}

// Coordinator runs the two phases of a strong-consistency commit.
type Coordinator interface {
	Prepare(ctx context.Context, entityID string, proposed VersionedState) (bool, error)
	Commit(ctx context.Context, entityID string, committed VersionedState) error
}

// LocalCoordinator is a single-node coordinator that accepts every proposal.
// It stands in for real quorum coordination; no network round trip happens.
type LocalCoordinator struct{}

func (LocalCoordinator) Prepare(context.Context, string, VersionedState) (bool, error) {
	return true, nil
}

func (LocalCoordinator) Commit(context.Context, string, VersionedState) error { return nil }

// Manager applies updates on behalf of one node.
type Manager struct {
	nodeID      string
	coordinator Coordinator
	logger      logging.ServiceLogger
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCoordinator replaces the LocalCoordinator used for Strong updates.
func WithCoordinator(c Coordinator) Option {
	return func(m *Manager) { m.coordinator = c }
}

// WithLogger sets the logger.
func WithLogger(l logging.ServiceLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source used for LastModified.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager whose updates advance nodeID's clock entry.
func NewManager(nodeID string, opts ...Option) *Manager {
	m := &Manager{nodeID: nodeID, coordinator: LocalCoordinator{}, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.ForComponent(m.logger, "consistency")
	return m
}

// NodeID returns the node whose clock entry this manager advances.
func (m *Manager) NodeID() string { return m.nodeID }

// ApplyUpdate shallow-merges partial into a copy of current, bumps the
// version, and advances this node's clock entry. current is not modified.
//
// Eventual and Causal updates commit immediately; Causal ordering of
// deliveries is the caller's job (see CausallyReady). Strong updates commit
// only after the coordinator accepts the proposal.
func (m *Manager) ApplyUpdate(ctx context.Context, entityID string, current VersionedState, partial map[string]any, model Model) (VersionedState, error) {
	next := m.prepare(current, partial)

	switch model {
	case Eventual, Causal:
		return next, nil
	case Strong:
		return m.commitStrong(ctx, entityID, next)
	default:
		return VersionedState{}, fmt.Errorf("%w: %q", errspkg.ErrUnknownModel, model)
	}
}

func (m *Manager) prepare(current VersionedState, partial map[string]any) VersionedState {
	data := make(map[string]any, len(current.Data)+len(partial))
	for k, v := range current.Data {
		data[k] = v
	}
	for k, v := range partial {
		data[k] = v
	}

	clock := vclock.FromMap(current.VectorClock)
	clock.Increment(m.nodeID)

	return VersionedState{
		Data:         data,
		Version:      current.Version + 1,
		VectorClock:  clock.Serialize(),
		LastModified: m.now(),
	}
}

func (m *Manager) commitStrong(ctx context.Context, entityID string, proposed VersionedState) (VersionedState, error) {
	ok, err := m.coordinator.Prepare(ctx, entityID, proposed)
	if err != nil {
		return VersionedState{}, fmt.Errorf("prepare %s: %w", entityID, err)
	}
	if !ok {
		m.logger.Info("Strong update rejected", logging.LogFields{"entity_id": entityID, "version": proposed.Version})
		return VersionedState{}, fmt.Errorf("%w: entity %s version %d", errspkg.ErrCommitRejected, entityID, proposed.Version)
	}
	if err := m.coordinator.Commit(ctx, entityID, proposed); err != nil {
		return VersionedState{}, fmt.Errorf("commit %s: %w", entityID, err)
	}
	return proposed, nil
}

// ResolveConflict picks a winner among concurrent versions of one entity. A
// state whose clock causally dominates wins; remaining ties go to the later
// LastModified, then the higher Version, then the smaller clock fingerprint so
// the result does not depend on input order. Losers' fields are discarded.
// It reports false only when states is empty.
func (m *Manager) ResolveConflict(entityID string, states []VersionedState) (VersionedState, bool) {
	winner, ok := ResolveConflict(states)
	if ok && len(states) > 1 {
		m.logger.Debug("Resolved conflicting versions", logging.LogFields{
			"entity_id":  entityID,
			"candidates": len(states),
			"version":    winner.Version,
		})
	}
	return winner, ok
}

// ResolveConflict is the stateless form of Manager.ResolveConflict.
func ResolveConflict(states []VersionedState) (VersionedState, bool) {
	if len(states) == 0 {
		return VersionedState{}, false
	}

	// Only states no other state causally dominates are candidates.
	var frontier []VersionedState
	for i, s := range states {
		dominated := false
		for j, other := range states {
			if i != j && vclock.CompareMaps(s.VectorClock, other.VectorClock) == vclock.Before {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, s)
		}
	}

	sort.SliceStable(frontier, func(i, j int) bool {
		return newerThan(frontier[i], frontier[j])
	})
	return frontier[0], true
}

func newerThan(a, b VersionedState) bool {
	if !a.LastModified.Equal(b.LastModified) {
		return a.LastModified.After(b.LastModified)
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return vclock.Fingerprint(a.VectorClock) < vclock.Fingerprint(b.VectorClock)
}

// CausallyReady reports whether every dependency in deps has already been
// applied to current, i.e. deps happened before or equals current's clock.
func CausallyReady(current VersionedState, deps map[string]uint64) bool {
	for node, v := range deps {
		if current.VectorClock[node] < v {
			return false
		}
	}
	return true
}
