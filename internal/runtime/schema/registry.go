package schema

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// Format is the body encoding of a schema-encoded event.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// Schema describes how events of one subject are encoded and validated.
type Schema struct {
	Subject string `json:"subject"`
	Format  Format `json:"format"`
	// Definition is an optional JSON Schema (draft 2020-12) document the
	// event's JSON form must satisfy.
	Definition string `json:"definition,omitempty"`
	Version    int    `json:"version"`
}

// Registry stores schemas and hands out their numeric ids.
type Registry interface {
	Register(ctx context.Context, subject string, s Schema) (uint32, error)
	Lookup(ctx context.Context, id uint32) (Schema, error)
}

// MemoryRegistry is an in-process Registry. It keeps every version of every
// subject; registering an identical schema again returns its existing id.
type MemoryRegistry struct {
	mu       sync.RWMutex
	nextID   uint32
	byID     map[uint32]Schema
	subjects map[string][]uint32
}

// NewMemoryRegistry creates an empty registry. Ids start at 1.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nextID:   1,
		byID:     make(map[uint32]Schema),
		subjects: make(map[string][]uint32),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, subject string, s Schema) (uint32, error) {
	if subject == "" {
		return 0, fmt.Errorf("schema: subject is required")
	}
	if s.Format == "" {
		s.Format = FormatJSON
	}
	s.Subject = subject

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.subjects[subject]
	for _, id := range versions {
		existing := r.byID[id]
		if existing.Format == s.Format && existing.Definition == s.Definition {
			return id, nil
		}
	}

	id := r.nextID
	r.nextID++
	s.Version = len(versions) + 1
	r.byID[id] = s
	r.subjects[subject] = append(versions, id)
	return id, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, id uint32) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %d", errspkg.ErrUnknownSchemaID, id)
	}
	return s, nil
}

// Versions lists the ids registered under subject, oldest first.
func (r *MemoryRegistry) Versions(subject string) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint32(nil), r.subjects[subject]...)
}
