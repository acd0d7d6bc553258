package transport

// Capabilities describes the log guarantees a backend provides.
type Capabilities struct {
	Name string

	// Durable records survive a process restart.
	Durable bool
	// ConsumerGroups means each group id consumes the full topic at its own
	// position.
	ConsumerGroups bool
	// Ordering means records on a topic are delivered in append order.
	Ordering bool
	// KeyedPartitioning means records sharing a partition key land on the
	// same partition and keep their relative order.
	KeyedPartitioning bool
	// Replay means a group can be rewound to re-read history.
	Replay bool

	SupportsAck  bool
	SupportsNack bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// PerKeyOrdering reports whether records with the same key are consumed in
// the order they were appended.
func (c Capabilities) PerKeyOrdering() bool {
	return c.Ordering || c.KeyedPartitioning
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Built-in capability sets.
var (
	ChannelCapabilities = Capabilities{
		Name:         "channel",
		Ordering:     true,
		SupportsAck:  true,
		SupportsNack: true,
	}

	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		Durable:           true,
		ConsumerGroups:    true,
		KeyedPartitioning: true,
		Replay:            true,
		SupportsAck:       true,
		MaxMessageSize:    1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:           "rabbitmq",
		Durable:        true,
		ConsumerGroups: true,
		Ordering:       true,
		SupportsAck:    true,
		SupportsNack:   true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		ConsumerGroups: true,
		MaxMessageSize: 1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:           "jetstream",
		Durable:        true,
		ConsumerGroups: true,
		Ordering:       true,
		Replay:         true,
		SupportsAck:    true,
		SupportsNack:   true,
		MaxMessageSize: 1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Durable:        true,
		ConsumerGroups: true,
		SupportsAck:    true,
		SupportsNack:   true,
		MaxMessageSize: 256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	IOCapabilities = Capabilities{
		Name:     "io",
		Durable:  true,
		Ordering: true,
		Replay:   true,
	}

	SQLiteCapabilities = Capabilities{
		Name:           "sqlite",
		Durable:        true,
		ConsumerGroups: true,
		Ordering:       true,
		Replay:         true,
		SupportsAck:    true,
		SupportsNack:   true,
	}

	PostgresCapabilities = Capabilities{
		Name:           "postgres",
		Durable:        true,
		ConsumerGroups: true,
		Ordering:       true,
		Replay:         true,
		SupportsAck:    true,
		SupportsNack:   true,
	}
)

// GetCapabilities looks up a backend in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
