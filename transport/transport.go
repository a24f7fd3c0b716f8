// Package transport defines the backend-neutral Client capability and the
// registry used to build one from configuration. Each backend (kafka, nats,
// channel, rabbitmq, aws) lives in its own sub-package and is registered
// explicitly with a Registry.
package transport

import (
	"context"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/internal/runtime/message"
	"github.com/drblury/msgbridge/internal/runtime/metrics"
	"github.com/drblury/msgbridge/internal/runtime/schema"
)

// Client is the uniform messaging surface implemented by every backend.
type Client interface {
	// Name identifies the client in a Clients set and in reply addresses.
	Name() string
	// Subscribe merges the subscriptions of every topic into one stream. Any
	// subscription failure is returned immediately. The stream closes when ctx
	// is done or the client is closed.
	Subscribe(ctx context.Context, topics []string) (<-chan message.Message, error)
	// Send publishes msg. Delivery failures are logged and counted, not
	// returned.
	Send(ctx context.Context, topic string, msg message.Message) error
	// Request publishes msg and waits for one reply.
	Request(ctx context.Context, topic string, msg message.Message, opts *RequestOptions) (message.Message, error)
	Close() error
}

// RequestOptions tunes Request. A nil Timeout waits until the context ends.
// ExpectedReplies is accepted for compatibility; the first reply is returned.
type RequestOptions struct {
	Timeout         *time.Duration
	ExpectedReplies *uint32
}

// WithTimeout returns options with the given timeout.
func WithTimeout(d time.Duration) *RequestOptions {
	return &RequestOptions{Timeout: &d}
}

// WaitContext derives the context bounding the wait for a reply. The
// fallback applies when opts carries no timeout; zero means no bound.
func WaitContext(ctx context.Context, opts *RequestOptions, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := fallback
	if opts != nil && opts.Timeout != nil {
		timeout = *opts.Timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Transport combines a watermill publisher and subscriber pair produced by a
// backend factory.
type Transport struct {
	Publisher  wmmessage.Publisher
	Subscriber wmmessage.Subscriber
}

// Deps carries the shared collaborators handed to every builder.
type Deps struct {
	Logger  logging.ServiceLogger
	Schema  *schema.Registry
	Metrics *metrics.Collector
}

// WithDefaults fills a nil logger with a no-op one.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.NopLogger()
	}
	return d
}

// Builder creates a client from config.
// Each backend package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, deps Deps) (Client, error)

// Config provides the configuration values needed by backends.
// This interface allows backends to access only the config they need
// without depending on the full config package.
type Config interface {
	GetServiceName() string
	// GetBackend returns the backend name.
	GetBackend() string
	GetReplyTopic() string
	GetDefaultRequestTimeout() time.Duration

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string
	GetKafkaUsername() string
	GetKafkaPassword() string
	GetKafkaCustomPartitioner() bool
	GetKafkaPartitionCount() int32

	// NATS
	GetNATSURL() string
	GetNATSUser() string
	GetNATSPassword() string

	// RabbitMQ
	GetRabbitMQURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by clients that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
