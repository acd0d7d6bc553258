package metadata

import "sort"

// Metadata represents the headers carried alongside an event record.
type Metadata map[string]string

// Well-known record headers.
const (
	KeyEventID       = "chainflow_event_id"
	KeyEventType     = "chainflow_event_type"
	KeyTopic         = "chainflow_topic"
	KeyPartitionKey  = "chainflow_partition_key"
	KeySchemaID      = "chainflow_schema_id"
	KeyProducerID    = "chainflow_producer_id"
	KeyCorrelationID = "correlation_id"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key. Together with Set and Keys it lets Metadata
// act as an OpenTelemetry TextMapCarrier for trace propagation.
func (m Metadata) Get(key string) string {
	return m[key]
}

// Set stores value under key. The map must be non-nil.
func (m Metadata) Set(key, value string) {
	m[key] = value
}

// Keys returns the header names in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
