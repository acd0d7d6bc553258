package runtime

import (
	"context"
	"fmt"
	"slices"
	"sort"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/events"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
)

// EventProcessor consumes events of the types it accepts. Process may be
// retried after a failure, so it should tolerate running again for an event
// that was not marked processed.
type EventProcessor interface {
	Name() string
	CanProcess(eventType events.EventType) bool
	Process(ctx context.Context, event events.BaseEvent) error
}

// ProcessFunc is the function form of EventProcessor.Process.
type ProcessFunc func(ctx context.Context, event events.BaseEvent) error

type funcProcessor struct {
	name  string
	fn    ProcessFunc
	types []events.EventType
}

// NewProcessor adapts fn into an EventProcessor named name. Without types it
// accepts every event type.
func NewProcessor(name string, fn ProcessFunc, types ...events.EventType) EventProcessor {
	return &funcProcessor{name: name, fn: fn, types: types}
}

func (p *funcProcessor) Name() string { return p.name }

func (p *funcProcessor) CanProcess(eventType events.EventType) bool {
	return len(p.types) == 0 || slices.Contains(p.types, eventType)
}

func (p *funcProcessor) Process(ctx context.Context, event events.BaseEvent) error {
	return p.fn(ctx, event)
}

type registeredProcessor struct {
	processor EventProcessor
	stats     *ProcessorStats
}

// RegisterProcessor binds p to every event type it accepts. Known types are
// bound immediately, other types on their first event.
func (s *Service) RegisterProcessor(p EventProcessor) error {
	if p == nil {
		return errspkg.ErrProcessorRequired
	}
	name := p.Name()
	if name == "" {
		return errspkg.ErrProcessorNameRequired
	}

	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()

	for _, existing := range s.processors {
		if existing.processor.Name() == name {
			return fmt.Errorf("chainflow: processor %q already registered", name)
		}
	}
	rp := &registeredProcessor{processor: p, stats: newProcessorStats(s.resources)}
	s.processors = append(s.processors, rp)

	bound := make([]events.EventType, 0, len(s.byType))
	for eventType := range s.byType {
		if p.CanProcess(eventType) {
			s.byType[eventType] = append(s.byType[eventType], rp)
			bound = append(bound, eventType)
		}
	}
	sort.Slice(bound, func(i, j int) bool { return bound[i] < bound[j] })

	s.Logger.Info("Registered processor", loggingpkg.LogFields{"processor": name, "event_types": bound})
	return nil
}

// processorsFor returns the processors bound to eventType, binding them on
// the first event of a type that is not known in advance.
func (s *Service) processorsFor(eventType events.EventType) []*registeredProcessor {
	s.processorsMu.RLock()
	bound, ok := s.byType[eventType]
	s.processorsMu.RUnlock()
	if ok {
		return bound
	}

	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()
	if bound, ok := s.byType[eventType]; ok {
		return bound
	}
	bound = nil
	for _, rp := range s.processors {
		if rp.processor.CanProcess(eventType) {
			bound = append(bound, rp)
		}
	}
	s.byType[eventType] = bound
	return bound
}

// Processors lists registered processors with the types they are bound to.
func (s *Service) Processors() []ProcessorInfo {
	s.processorsMu.RLock()
	defer s.processorsMu.RUnlock()

	out := make([]ProcessorInfo, 0, len(s.processors))
	for _, rp := range s.processors {
		info := ProcessorInfo{Name: rp.processor.Name(), Stats: rp.stats, EventTypes: []events.EventType{}}
		for eventType, bound := range s.byType {
			if slices.Contains(bound, rp) {
				info.EventTypes = append(info.EventTypes, eventType)
			}
		}
		sort.Slice(info.EventTypes, func(i, j int) bool { return info.EventTypes[i] < info.EventTypes[j] })
		out = append(out, info)
	}
	return out
}
