// Package msgbridge is a small messaging layer on top of Watermill that puts
// Kafka, NATS, RabbitMQ, AWS SNS/SQS and in-memory Go channels behind one
// Client interface. It reads the target backend from Config, builds the client
// through a transport registry and runs a bounded dispatch loop that hands every
// received message to a single Handler.
//
// A minimal setup fills Config, creates a Service with a Handler and calls
// Start:
//
//	svc, err := msgbridge.NewService(&msgbridge.Config{
//		ServiceName:  "billing",
//		Backend:      "kafka",
//		Topics:       []string{"orders"},
//		KafkaBrokers: []string{"localhost:9092"},
//	}, msgbridge.NewSlogServiceLogger(slog.Default()), msgbridge.ServiceDependencies{
//		Registry: msgbridge.NewDefaultRegistry(),
//		Handler: func(ctx context.Context, msg msgbridge.Message) error {
//			return nil
//		},
//	})
//
// # Clients
//
// Every backend implements Subscribe, Send, Request and Close. Send never
// reports broker failures to the caller; they are logged and counted in
// msgbridge_send_failures_total. Request publishes and waits for the first
// reply, either on a per-client reply topic (Kafka, RabbitMQ, AWS, channel) or
// on a native NATS inbox. Replies are routed back through an explicit Clients
// set with SendReply or Service.Reply.
//
// # Schema registry
//
// When SchemaRegistryURL is set, outgoing payloads are validated against the
// latest JSON schema registered for "<topic>-value" and wrapped in the
// Confluent wire format; incoming payloads are unwrapped and validated. Schemas
// are cached for SchemaRegistryCacheTTL.
//
// # Partitioning
//
// With KafkaCustomPartitioner enabled, keyed Kafka messages are routed with the
// same Murmur2 partitioner the JavaScript Kafka clients use, so producers
// written in either language agree on partition placement. An explicit
// "partition" header always wins.
//
// # Job Hooks
//
// ServiceDependencies.Hooks provides OnJobStart, OnJobDone and OnJobError
// callbacks around each handler call. LoggingHooks, MetricsHooks and
// AlertingHooks cover the common cases and combine with JobHooks.Merge.
package msgbridge
