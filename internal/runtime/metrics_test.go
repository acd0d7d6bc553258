package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/internal/runtime/events"
)

func TestPipelineMetricsRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// a second set against the same registry tolerates the existing collectors
	require.NoError(t, NewPipelineMetrics(reg).Register())
}

func TestPipelineMetricsRecord(t *testing.T) {
	m := NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordPersisted("events.NFT_SALE")
	m.RecordPersistenceFailure("events.NFT_SALE")
	m.RecordStageFailure(stagePersist)
	m.RecordDuplicate("scorer")
	m.RecordDispatch("scorer", nil)
	m.RecordDispatch("scorer", errors.New("boom"))
	m.RecordConsumed("events.NFT_SALE", "indexer", nil)
	m.RecordConsumed("events.NFT_SALE", "indexer", errors.New("boom"))
	m.ObserveProcessing(events.NFTSale, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsPersisted.WithLabelValues("events.NFT_SALE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistenceFailures.WithLabelValues("events.NFT_SALE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineFailures.WithLabelValues(stagePersist)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicateEvents.WithLabelValues("scorer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDispatched.WithLabelValues("scorer", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.consumerRecords.WithLabelValues("events.NFT_SALE", "indexer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.consumerErrors.WithLabelValues("events.NFT_SALE", "indexer")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.processingDuration))

	m.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(m.eventsPersisted))
}

func TestNilPipelineMetrics(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.RecordPersisted("t")
		m.RecordPersistenceFailure("t")
		m.RecordStageFailure("s")
		m.RecordDuplicate("p")
		m.RecordDispatch("p", nil)
		m.RecordConsumed("t", "g", nil)
		m.ObserveProcessing(events.NFTSale, time.Second)
	})
}
