/*
Package runtime provides the dispatch loop of msgbridge.

# Architecture Overview

A Service owns one transport.Client. Start subscribes to the configured topics
and hands every message, in arrival order, to a single Handler. Handlers run
concurrently, bounded by MaxInFlight; a failing or panicking handler is logged
and counted and never stops the loop. When the context ends the loop stops
reading and waits up to DrainTimeout for running handlers.

# Package Structure

## Core Service (service.go)

  - Client construction from a transport.Registry, or an injected client
  - Bounded dispatch with golang.org/x/sync/semaphore
  - OpenTelemetry consumer span per message, continuing the producer trace
  - Prometheus metrics and an optional /metrics endpoint with a JSON
    topic snapshot at /api/topics (stats.go)
  - Reply routing through an explicit transport.Clients set

## Job Hooks (hooks.go)

Start, done and error callbacks around each handler call, with ready-made
logging, metrics and alerting hooks.

# Sub-packages

  - config/: Service configuration, validation and viper loading
  - errors/: Error kinds, categories and sentinel errors
  - ids/: ULID, correlation id and reply topic generation
  - jsoncodec/: JSON encoding built on sonic
  - logging/: ServiceLogger and its slog, zap and watermill adapters
  - message/: The broker-neutral message and its metadata
  - metrics/: Prometheus collectors
  - partition/: kafkajs compatible Murmur2 partitioner
  - schema/: JSON Schema registry client
  - wire/: Schema registry wire format

# Usage Example

	cfg := &msgbridge.Config{
		ServiceName:  "orders",
		Backend:      "kafka",
		KafkaBrokers: []string{"localhost:9092"},
		Topics:       []string{"orders.created"},
	}

	svc, err := msgbridge.NewService(cfg, logger, msgbridge.ServiceDependencies{
		Registry: msgbridge.NewDefaultRegistry(),
		Handler: func(ctx context.Context, msg msgbridge.Message) error {
			return process(ctx, msg.Payload())
		},
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	return svc.Start(ctx)
*/
package runtime
