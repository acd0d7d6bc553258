// Package schema encodes events into a schema-tagged wire format and decodes
// them back, validating against registered JSON Schemas.
//
// Wire format: a zero magic byte, the schema id as a big-endian uint32, then
// the body in the schema's Format.
package schema

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/events"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/internal/runtime/logging"
)

const (
	magicByte  byte = 0x0
	headerSize      = 5
)

//go:embed base_event.json
var baseEventSchema string

// BaseEventSchema returns the JSON Schema every BaseEvent satisfies.
func BaseEventSchema() string { return baseEventSchema }

type compiled struct {
	schema    Schema
	validator *jsonschema.Schema
}

// Manager tracks the latest schema per event type and caches compiled
// schemas by id.
type Manager struct {
	registry Registry
	logger   logging.ServiceLogger

	mu     sync.RWMutex
	latest map[events.EventType]uint32
	byID   map[uint32]*compiled
}

// NewManager creates a manager backed by registry. A nil registry uses a
// fresh MemoryRegistry.
func NewManager(registry Registry, logger logging.ServiceLogger) *Manager {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Manager{
		registry: registry,
		logger:   logging.ForComponent(logger, "schema"),
		latest:   make(map[events.EventType]uint32),
		byID:     make(map[uint32]*compiled),
	}
}

// RegisterSchema registers s for eventType and makes it the type's current
// schema. Earlier ids stay decodable.
func (m *Manager) RegisterSchema(ctx context.Context, eventType events.EventType, s Schema) (uint32, error) {
	s.Subject = string(eventType)
	c, err := compile(s)
	if err != nil {
		return 0, err
	}
	id, err := m.registry.Register(ctx, string(eventType), s)
	if err != nil {
		return 0, fmt.Errorf("register schema for %s: %w", eventType, err)
	}

	m.mu.Lock()
	m.latest[eventType] = id
	m.byID[id] = c
	m.mu.Unlock()

	m.logger.Debug("Registered schema", logging.LogFields{"event_type": eventType, "schema_id": id, "format": s.Format})
	return id, nil
}

// RegisterDefaults registers BaseEventSchema in format for every built-in
// event type that has no schema yet.
func (m *Manager) RegisterDefaults(ctx context.Context, format Format) error {
	for _, t := range events.KnownTypes() {
		if _, ok := m.SchemaID(t); ok {
			continue
		}
		if _, err := m.RegisterSchema(ctx, t, Schema{Format: format, Definition: baseEventSchema}); err != nil {
			return err
		}
	}
	return nil
}

// SchemaID returns the current schema id for eventType.
func (m *Manager) SchemaID(eventType events.EventType) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.latest[eventType]
	return id, ok
}

// Encode validates event against its type's current schema and returns the
// wire form.
func (m *Manager) Encode(_ context.Context, event events.BaseEvent) ([]byte, error) {
	m.mu.RLock()
	id, ok := m.latest[event.Type]
	c := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &errspkg.SchemaNotRegisteredError{EventType: string(event.Type)}
	}

	doc, err := jsoncodec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	if err := c.validate(doc); err != nil {
		return nil, fmt.Errorf("event %s does not match schema %d: %w", event.ID, id, err)
	}

	body, err := encodeBody(c.schema.Format, doc)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	out := make([]byte, headerSize, headerSize+len(body))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:headerSize], id)
	return append(out, body...), nil
}

// Decode parses the wire form, resolving unknown schema ids through the
// registry, and returns the event with its schema id.
func (m *Manager) Decode(ctx context.Context, data []byte) (events.BaseEvent, uint32, error) {
	id, err := SchemaIDOf(data)
	if err != nil {
		return events.BaseEvent{}, 0, err
	}
	c, err := m.resolve(ctx, id)
	if err != nil {
		return events.BaseEvent{}, id, err
	}

	doc, err := decodeBody(c.schema.Format, data[headerSize:])
	if err != nil {
		return events.BaseEvent{}, id, fmt.Errorf("%w: %v", errspkg.ErrMalformedPayload, err)
	}
	if err := c.validate(doc); err != nil {
		return events.BaseEvent{}, id, fmt.Errorf("%w: %v", errspkg.ErrMalformedPayload, err)
	}

	var event events.BaseEvent
	if err := jsoncodec.Unmarshal(doc, &event); err != nil {
		return events.BaseEvent{}, id, fmt.Errorf("%w: %v", errspkg.ErrMalformedPayload, err)
	}
	return event, id, nil
}

// SchemaIDOf reads the schema id from the wire header.
func SchemaIDOf(data []byte) (uint32, error) {
	if len(data) < headerSize || data[0] != magicByte {
		return 0, fmt.Errorf("%w: missing schema header", errspkg.ErrMalformedPayload)
	}
	return binary.BigEndian.Uint32(data[1:headerSize]), nil
}

func (m *Manager) resolve(ctx context.Context, id uint32) (*compiled, error) {
	m.mu.RLock()
	c, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	s, err := m.registry.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %v", errspkg.ErrUnknownSchemaID, id, err)
	}
	c, err = compile(s)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.byID[id] = c
	m.mu.Unlock()
	return c, nil
}

func compile(s Schema) (*compiled, error) {
	if s.Format == "" {
		s.Format = FormatJSON
	}
	switch s.Format {
	case FormatJSON, FormatProtobuf:
	default:
		return nil, fmt.Errorf("schema: unsupported format %q", s.Format)
	}

	c := &compiled{schema: s}
	if s.Definition == "" {
		return c, nil
	}

	url := "mem://chainflow/" + s.Subject + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader([]byte(s.Definition))); err != nil {
		return nil, fmt.Errorf("schema: load definition: %w", err)
	}
	v, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile definition: %w", err)
	}
	c.validator = v
	return c, nil
}

func (c *compiled) validate(doc []byte) error {
	if c.validator == nil {
		return nil
	}
	var v any
	if err := jsoncodec.Unmarshal(doc, &v); err != nil {
		return err
	}
	return c.validator.Validate(v)
}

// wideIntKey wraps integers a protobuf double cannot hold exactly, such as
// block numbers above 2^53. They travel as {wideIntKey: "<digits>"}.
const wideIntKey = "$chainflow.int"

func encodeBody(format Format, doc []byte) ([]byte, error) {
	if format != FormatProtobuf {
		return doc, nil
	}
	obj, err := jsoncodec.UnmarshalObjectNumbers(doc)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(wrapNumbers(obj).(map[string]any))
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func decodeBody(format Format, body []byte) ([]byte, error) {
	if format != FormatProtobuf {
		if !jsoncodec.Valid(body) {
			return nil, fmt.Errorf("invalid JSON body")
		}
		return body, nil
	}
	var st structpb.Struct
	if err := proto.Unmarshal(body, &st); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(unwrapNumbers(st.AsMap()))
}

func wrapNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = wrapNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = wrapNumbers(e)
		}
		return t
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") && len(strings.TrimPrefix(s, "-")) > 15 {
			return map[string]any{wideIntKey: s}
		}
		f, err := t.Float64()
		if err != nil {
			return s
		}
		return f
	default:
		return v
	}
}

func unwrapNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := t[wideIntKey].(string); ok && len(t) == 1 && isInteger(raw) {
			return json.Number(raw)
		}
		for k, e := range t {
			t[k] = unwrapNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = unwrapNumbers(e)
		}
		return t
	default:
		return v
	}
}

func isInteger(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
