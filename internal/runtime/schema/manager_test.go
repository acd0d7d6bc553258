package schema

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/events"
)

func saleEvent() events.BaseEvent {
	return events.BaseEvent{
		ID:              "evt-1",
		Type:            events.NFTSale,
		Timestamp:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Version:         1,
		Source:          "opensea-listener",
		ProducerID:      "node-a",
		ContractAddress: "0xabc",
		TokenID:         "7",
		BlockNumber:     18000000,
		Payload:         map[string]any{"price": 1.25, "buyer": "0xdef"},
		Context:         map[string]string{"partition": "12"},
	}
}

func TestEncodeRequiresSchema(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Encode(context.Background(), saleEvent())

	var notRegistered *errspkg.SchemaNotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, "NFT_SALE", notRegistered.EventType)
	assert.ErrorIs(t, err, errspkg.ErrSchemaNotRegistered)
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatProtobuf} {
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(nil, nil)
			id, err := m.RegisterSchema(ctx, events.NFTSale, Schema{Format: format, Definition: BaseEventSchema()})
			require.NoError(t, err)

			data, err := m.Encode(ctx, saleEvent())
			require.NoError(t, err)
			assert.Equal(t, byte(0), data[0])

			gotID, err := SchemaIDOf(data)
			require.NoError(t, err)
			assert.Equal(t, id, gotID)

			decoded, decodedID, err := m.Decode(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, id, decodedID)

			want := saleEvent()
			assert.Equal(t, want.ID, decoded.ID)
			assert.Equal(t, want.Type, decoded.Type)
			assert.True(t, want.Timestamp.Equal(decoded.Timestamp))
			assert.Equal(t, want.BlockNumber, decoded.BlockNumber)
			assert.Equal(t, want.Payload["buyer"], decoded.Payload["buyer"])
			assert.Equal(t, want.Context, decoded.Context)
		})
	}
}

func TestRoundTripKeepsWideBlockNumbers(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatProtobuf} {
		for _, block := range []uint64{1<<53 + 1, 1<<60 + 1, math.MaxUint64} {
			ctx := context.Background()
			m := NewManager(nil, nil)
			require.NoError(t, m.RegisterDefaults(ctx, format))

			evt := saleEvent()
			evt.BlockNumber = block
			evt.Payload["fills"] = []any{0.5, "0x1"}
			data, err := m.Encode(ctx, evt)
			require.NoError(t, err)

			decoded, _, err := m.Decode(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, block, decoded.BlockNumber, "format %s", format)
			assert.Equal(t, []any{0.5, "0x1"}, decoded.Payload["fills"])
			assert.Equal(t, 1.25, decoded.Payload["price"])
		}
	}
}

func TestLatestSchemaWinsButOldIDsDecode(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	m := NewManager(reg, nil)

	first, err := m.RegisterSchema(ctx, events.NFTSale, Schema{Format: FormatJSON})
	require.NoError(t, err)
	old, err := m.Encode(ctx, saleEvent())
	require.NoError(t, err)

	second, err := m.RegisterSchema(ctx, events.NFTSale, Schema{Format: FormatProtobuf})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	current, _ := m.SchemaID(events.NFTSale)
	assert.Equal(t, second, current)
	assert.Len(t, reg.Versions("NFT_SALE"), 2)

	decoded, id, err := m.Decode(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, first, id)
	assert.Equal(t, "evt-1", decoded.ID)
}

func TestDecodeResolvesThroughRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	producer := NewManager(reg, nil)
	_, err := producer.RegisterSchema(ctx, events.NFTSale, Schema{Definition: BaseEventSchema()})
	require.NoError(t, err)
	data, err := producer.Encode(ctx, saleEvent())
	require.NoError(t, err)

	consumer := NewManager(reg, nil)
	decoded, _, err := consumer.Decode(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", decoded.ID)
}

func TestValidationRejectsInvalidEvent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, nil)
	_, err := m.RegisterSchema(ctx, events.NFTSale, Schema{Definition: BaseEventSchema()})
	require.NoError(t, err)

	bad := saleEvent()
	bad.Version = 0
	_, err = m.Encode(ctx, bad)
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, nil)

	_, _, err := m.Decode(ctx, []byte{1, 2})
	assert.ErrorIs(t, err, errspkg.ErrMalformedPayload)

	_, _, err = m.Decode(ctx, []byte{0, 0, 0, 0, 42, '{'})
	assert.ErrorIs(t, err, errspkg.ErrUnknownSchemaID)

	id, err := m.RegisterSchema(ctx, events.NFTMint, Schema{})
	require.NoError(t, err)
	_, _, err = m.Decode(ctx, []byte{0, 0, 0, 0, byte(id), '{'})
	assert.ErrorIs(t, err, errspkg.ErrMalformedPayload)
}

func TestRegisterDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, nil)
	custom, err := m.RegisterSchema(ctx, events.NFTSale, Schema{Format: FormatJSON})
	require.NoError(t, err)

	require.NoError(t, m.RegisterDefaults(ctx, FormatProtobuf))
	for _, et := range events.KnownTypes() {
		_, ok := m.SchemaID(et)
		assert.True(t, ok, et)
	}
	id, _ := m.SchemaID(events.NFTSale)
	assert.Equal(t, custom, id)
}

func TestRegistryDeduplicatesIdenticalSchemas(t *testing.T) {
	reg := NewMemoryRegistry()
	a, err := reg.Register(context.Background(), "NFT_SALE", Schema{Definition: "{}"})
	require.NoError(t, err)
	b, err := reg.Register(context.Background(), "NFT_SALE", Schema{Definition: "{}"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = reg.Register(context.Background(), "", Schema{})
	assert.Error(t, err)

	_, err = reg.Lookup(context.Background(), 999)
	assert.ErrorIs(t, err, errspkg.ErrUnknownSchemaID)
}

func TestCompileRejectsBadDefinition(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.RegisterSchema(context.Background(), events.NFTSale, Schema{Definition: `{"type": 12}`})
	assert.Error(t, err)
	_, err = m.RegisterSchema(context.Background(), events.NFTSale, Schema{Format: "avro"})
	assert.Error(t, err)
}
