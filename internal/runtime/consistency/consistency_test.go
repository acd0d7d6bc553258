package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(opts ...Option) *Manager {
	return NewManager("node-a", append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestApplyUpdateMergesAndAdvances(t *testing.T) {
	m := newTestManager()
	current := VersionedState{
		Data:        map[string]any{"owner": "0x1", "price": 10},
		Version:     3,
		VectorClock: map[string]uint64{"node-a": 2, "node-b": 5},
	}

	for _, model := range []Model{Eventual, Causal, Strong} {
		t.Run(string(model), func(t *testing.T) {
			next, err := m.ApplyUpdate(context.Background(), "0xabc:1", current, map[string]any{"price": 12}, model)
			require.NoError(t, err)

			assert.Equal(t, map[string]any{"owner": "0x1", "price": 12}, next.Data)
			assert.Equal(t, uint64(4), next.Version)
			assert.Equal(t, map[string]uint64{"node-a": 3, "node-b": 5}, next.VectorClock)
			assert.Equal(t, fixedNow, next.LastModified)
		})
	}

	assert.Equal(t, 10, current.Data["price"], "input state must not be mutated")
	assert.Equal(t, uint64(2), current.VectorClock["node-a"])
}

func TestApplyUpdateFromEmptyState(t *testing.T) {
	next, err := newTestManager().ApplyUpdate(context.Background(), "e", VersionedState{}, map[string]any{"a": 1}, Eventual)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Version)
	assert.Equal(t, uint64(1), next.VectorClock["node-a"])
}

func TestApplyUpdateUnknownModel(t *testing.T) {
	_, err := newTestManager().ApplyUpdate(context.Background(), "e", VersionedState{}, nil, Model("LINEARIZABLE"))
	assert.ErrorIs(t, err, errspkg.ErrUnknownModel)
}

type stubCoordinator struct {
	accept     bool
	prepareErr error
	committed  []VersionedState
}

func (s *stubCoordinator) Prepare(context.Context, string, VersionedState) (bool, error) {
	return s.accept, s.prepareErr
}

func (s *stubCoordinator) Commit(_ context.Context, _ string, st VersionedState) error {
	s.committed = append(s.committed, st)
	return nil
}

func TestStrongUsesCoordinator(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		coord := &stubCoordinator{accept: true}
		next, err := newTestManager(WithCoordinator(coord)).ApplyUpdate(context.Background(), "e", VersionedState{}, map[string]any{"a": 1}, Strong)
		require.NoError(t, err)
		require.Len(t, coord.committed, 1)
		assert.Equal(t, next, coord.committed[0])
	})

	t.Run("rejected", func(t *testing.T) {
		coord := &stubCoordinator{accept: false}
		_, err := newTestManager(WithCoordinator(coord)).ApplyUpdate(context.Background(), "e", VersionedState{}, nil, Strong)
		assert.ErrorIs(t, err, errspkg.ErrCommitRejected)
		assert.Empty(t, coord.committed)
	})

	t.Run("prepare error", func(t *testing.T) {
		boom := errors.New("unreachable")
		coord := &stubCoordinator{prepareErr: boom}
		_, err := newTestManager(WithCoordinator(coord)).ApplyUpdate(context.Background(), "e", VersionedState{}, nil, Strong)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("eventual skips coordinator", func(t *testing.T) {
		coord := &stubCoordinator{accept: false}
		_, err := newTestManager(WithCoordinator(coord)).ApplyUpdate(context.Background(), "e", VersionedState{}, nil, Eventual)
		require.NoError(t, err)
		assert.Empty(t, coord.committed)
	})
}

func TestResolveConflict(t *testing.T) {
	m := newTestManager()

	t.Run("empty", func(t *testing.T) {
		_, ok := m.ResolveConflict("e", nil)
		assert.False(t, ok)
	})

	t.Run("dominating clock wins over later timestamp", func(t *testing.T) {
		older := VersionedState{Version: 1, VectorClock: map[string]uint64{"a": 1}, LastModified: fixedNow.Add(time.Hour)}
		newer := VersionedState{Version: 2, VectorClock: map[string]uint64{"a": 2}, LastModified: fixedNow}
		got, ok := m.ResolveConflict("e", []VersionedState{older, newer})
		require.True(t, ok)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("concurrent states fall back to last writer", func(t *testing.T) {
		a := VersionedState{Data: map[string]any{"v": "a"}, VectorClock: map[string]uint64{"a": 1}, LastModified: fixedNow}
		b := VersionedState{Data: map[string]any{"v": "b"}, VectorClock: map[string]uint64{"b": 1}, LastModified: fixedNow.Add(time.Second)}

		got, _ := m.ResolveConflict("e", []VersionedState{a, b})
		assert.Equal(t, "b", got.Data["v"])
		got, _ = m.ResolveConflict("e", []VersionedState{b, a})
		assert.Equal(t, "b", got.Data["v"])
	})

	t.Run("order independent on full ties", func(t *testing.T) {
		a := VersionedState{Version: 1, VectorClock: map[string]uint64{"a": 1}, LastModified: fixedNow}
		b := VersionedState{Version: 1, VectorClock: map[string]uint64{"b": 1}, LastModified: fixedNow}
		first, _ := ResolveConflict([]VersionedState{a, b})
		second, _ := ResolveConflict([]VersionedState{b, a})
		assert.Equal(t, first, second)
	})
}

func TestCausallyReady(t *testing.T) {
	current := VersionedState{VectorClock: map[string]uint64{"a": 2, "b": 1}}
	assert.True(t, CausallyReady(current, map[string]uint64{"a": 2}))
	assert.True(t, CausallyReady(current, nil))
	assert.False(t, CausallyReady(current, map[string]uint64{"b": 2}))
	assert.False(t, CausallyReady(current, map[string]uint64{"c": 1}))
}
