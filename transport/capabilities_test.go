package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPerKeyOrdering(t *testing.T) {
	cases := map[string]struct {
		caps Capabilities
		want bool
	}{
		"kafka keys":     {KafkaCapabilities, true},
		"sqlite ordered": {SQLiteCapabilities, true},
		"nats core":      {NATSCapabilities, false},
		"aws":            {AWSCapabilities, false},
		"http":           {HTTPCapabilities, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.caps.PerKeyOrdering())
		})
	}
}

func TestSupportsReliableDelivery(t *testing.T) {
	assert.True(t, PostgresCapabilities.SupportsReliableDelivery())
	assert.True(t, JetStreamCapabilities.SupportsReliableDelivery())
	assert.False(t, KafkaCapabilities.SupportsReliableDelivery())
	assert.False(t, IOCapabilities.SupportsReliableDelivery())
}

func TestDurableBackendsReplay(t *testing.T) {
	for _, caps := range []Capabilities{KafkaCapabilities, JetStreamCapabilities, SQLiteCapabilities, PostgresCapabilities, IOCapabilities} {
		assert.True(t, caps.Durable, caps.Name)
		assert.True(t, caps.Replay, caps.Name)
	}
}
