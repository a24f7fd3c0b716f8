package transport

// Capabilities describes the features supported by a backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsOrdering indicates the backend guarantees message ordering.
	// When true, messages within a partition/stream are delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the backend propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the backend supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the backend supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPartitioning indicates the backend routes by partition key.
	SupportsPartitioning bool

	// SupportsRequestReply indicates Request is available.
	SupportsRequestReply bool

	// NativeRequestReply is true when the broker has its own reply subjects.
	// Otherwise replies travel on a reply topic paired by correlation id.
	NativeRequestReply bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the backend.
	Name string
}

// SupportsReliableDelivery returns true if the backend supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// UsesReplyTopic returns true if Request is emulated with a reply topic.
func (c Capabilities) UsesReplyTopic() bool {
	return c.SupportsRequestReply && !c.NativeRequestReply
}

// Predefined capability sets for the built-in backends.
var (
	// ChannelCapabilities for the in-memory Go channel backend.
	ChannelCapabilities = Capabilities{
		Name:                 "channel",
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsRequestReply: true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		SupportsRequestReply: true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:                 "nats",
		SupportsTracing:      true,
		SupportsRequestReply: true,
		NativeRequestReply:   true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:                 "rabbitmq",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsRequestReply: true,
	}

	// AWSCapabilities for AWS SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:                 "aws",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsRequestReply: true,
		MaxMessageSize:       262144, // 256KB
	}
)
