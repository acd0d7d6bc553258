// Package transform turns external change records into BaseEvents and runs
// the deployment's enrichment chain over them.
package transform

import (
	"context"
	"fmt"
	"strconv"
	"time"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/events"
	"github.com/drblury/chainflow/internal/runtime/ids"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/internal/runtime/partition"
	"github.com/drblury/chainflow/internal/runtime/tracing"
)

// DefaultSource is stamped on events that arrive without a source.
const DefaultSource = "chainflow"

// Enricher attaches cross-service context to an event and returns the
// enriched copy.
type Enricher func(ctx context.Context, event events.BaseEvent) (events.BaseEvent, error)

// Transformer normalizes and enriches events. It is safe for concurrent use
// once constructed.
type Transformer struct {
	source     string
	producerID string
	now        func() time.Time
	newID      func() string
	enrichers  []Enricher
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithSource sets the default event source.
func WithSource(source string) Option {
	return func(t *Transformer) { t.source = source }
}

// WithProducerID sets the default producer id, normally the node id.
func WithProducerID(id string) Option {
	return func(t *Transformer) { t.producerID = id }
}

// WithEnrichers appends enrichers to the chain. They run in order.
func WithEnrichers(enrichers ...Enricher) Option {
	return func(t *Transformer) { t.enrichers = append(t.enrichers, enrichers...) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Transformer) { t.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) Option {
	return func(t *Transformer) { t.newID = fn }
}

// NewTransformer builds a Transformer. Without enrichers Enrich is a no-op.
func NewTransformer(opts ...Option) *Transformer {
	t := &Transformer{
		source: DefaultSource,
		now:    time.Now,
		newID:  ids.NewEventID,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Normalize converts raw into a BaseEvent. Accepted shapes are BaseEvent,
// ChainRecord (value or pointer), map[string]any and a JSON object in []byte.
// Missing id, timestamp, version, source and producer are filled in.
func (t *Transformer) Normalize(raw any) (events.BaseEvent, error) {
	switch v := raw.(type) {
	case events.BaseEvent:
		return t.fill(v.Clone())
	case *events.BaseEvent:
		if v == nil {
			return events.BaseEvent{}, fmt.Errorf("%w: nil event", errspkg.ErrUnsupportedShape)
		}
		return t.fill(v.Clone())
	case events.ChainRecord:
		return t.fromRecord(v)
	case *events.ChainRecord:
		if v == nil {
			return events.BaseEvent{}, fmt.Errorf("%w: nil record", errspkg.ErrUnsupportedShape)
		}
		return t.fromRecord(*v)
	case map[string]any:
		return t.fromMap(v)
	case []byte:
		obj, err := jsoncodec.UnmarshalObject(v)
		if err != nil {
			return events.BaseEvent{}, fmt.Errorf("%w: %v", errspkg.ErrUnsupportedShape, err)
		}
		return t.fromMap(obj)
	default:
		return events.BaseEvent{}, fmt.Errorf("%w: %T", errspkg.ErrUnsupportedShape, raw)
	}
}

func (t *Transformer) fromRecord(r events.ChainRecord) (events.BaseEvent, error) {
	evt := events.BaseEvent{
		Type:            events.EventType(r.Type),
		Timestamp:       r.Timestamp,
		ContractAddress: r.ContractAddress,
		TokenID:         r.TokenID,
		BlockNumber:     r.BlockNumber,
		TxHash:          r.TxHash,
	}
	if r.Payload != nil {
		evt.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			evt.Payload[k] = v
		}
	}
	return t.fill(evt)
}

func (t *Transformer) fromMap(m map[string]any) (events.BaseEvent, error) {
	doc := make(map[string]any, len(m))
	for k, v := range m {
		doc[k] = v
	}
	// Listeners commonly emit unix milliseconds.
	switch ts := doc["timestamp"].(type) {
	case float64:
		doc["timestamp"] = time.UnixMilli(int64(ts)).UTC()
	case int64:
		doc["timestamp"] = time.UnixMilli(ts).UTC()
	case int:
		doc["timestamp"] = time.UnixMilli(int64(ts)).UTC()
	}
	if tok, ok := doc["tokenId"].(float64); ok {
		doc["tokenId"] = strconv.FormatFloat(tok, 'f', -1, 64)
	}

	data, err := jsoncodec.Marshal(doc)
	if err != nil {
		return events.BaseEvent{}, fmt.Errorf("%w: %v", errspkg.ErrUnsupportedShape, err)
	}
	var evt events.BaseEvent
	if err := jsoncodec.Unmarshal(data, &evt); err != nil {
		return events.BaseEvent{}, fmt.Errorf("%w: %v", errspkg.ErrUnsupportedShape, err)
	}
	return t.fill(evt)
}

func (t *Transformer) fill(evt events.BaseEvent) (events.BaseEvent, error) {
	typ, err := events.ParseEventType(string(evt.Type))
	if err != nil {
		return events.BaseEvent{}, err
	}
	evt.Type = typ
	if evt.ID == "" {
		evt.ID = t.newID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = t.now().UTC()
	}
	if evt.Version < 1 {
		evt.Version = 1
	}
	if evt.Source == "" {
		evt.Source = t.source
	}
	if evt.ProducerID == "" {
		evt.ProducerID = t.producerID
	}
	return evt, nil
}

// Enrich runs the enricher chain. The input event is never modified.
func (t *Transformer) Enrich(ctx context.Context, event events.BaseEvent) (events.BaseEvent, error) {
	out := event.Clone()
	for _, enrich := range t.enrichers {
		next, err := enrich(ctx, out)
		if err != nil {
			return events.BaseEvent{}, fmt.Errorf("enrich %s: %w", event.ID, err)
		}
		out = next
	}
	return out, nil
}

// TransformForDomain projects event into a consumer-specific shape.
func TransformForDomain[T any](event events.BaseEvent, fn func(events.BaseEvent) (T, error)) (T, error) {
	return fn(event.Clone())
}

// Context keys written by the built-in enrichers.
const (
	ContextPartition = "partition"
	ContextNode      = "node"
	ContextTraceID   = "trace_id"
	ContextSpanID    = "span_id"
)

// PartitionEnricher tags each event with its entity partition and owning
// node.
func PartitionEnricher(partitions *partition.Manager) Enricher {
	return func(_ context.Context, event events.BaseEvent) (events.BaseEvent, error) {
		entity := event.EntityID()
		node, err := partitions.GetNodeForEntity(entity)
		if err != nil {
			return events.BaseEvent{}, err
		}
		return event.
			WithContext(ContextPartition, strconv.Itoa(partitions.GetPartition(entity))).
			WithContext(ContextNode, node), nil
	}
}

// TraceEnricher copies the active trace identifiers onto the event.
func TraceEnricher() Enricher {
	return func(ctx context.Context, event events.BaseEvent) (events.BaseEvent, error) {
		tc, ok := tracing.FromContext(ctx)
		if !ok {
			return event, nil
		}
		return event.
			WithContext(ContextTraceID, tc.TraceID).
			WithContext(ContextSpanID, tc.SpanID), nil
	}
}
