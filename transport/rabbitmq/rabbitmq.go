// Package rabbitmq provides a RabbitMQ/AMQP client for msgbridge.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/msgbridge/internal/runtime/errors"
	"github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/transport"
	"github.com/drblury/msgbridge/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// ConnectionCloser allows overriding how the shared connection is closed.
var ConnectionCloser = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (wmmessage.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (wmmessage.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register adds the RabbitMQ builder to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a RabbitMQ client. Publisher and subscriber share one
// connection, which is closed with the client.
func Build(ctx context.Context, cfg transport.Config, deps transport.Deps) (transport.Client, error) {
	const op = "rabbitmq.build"
	deps = deps.WithDefaults()
	logger := logging.NewWatermillAdapter(deps.Logger)
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicName,
	)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = ConnectionCloser(conn)
		return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = ConnectionCloser(conn)
		return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
	}

	return pubsub.New(TransportName,
		transport.Transport{Publisher: publisher, Subscriber: subscriber},
		pubsub.FromDeps(deps),
		pubsub.WithReplyTopic(cfg.GetReplyTopic()),
		pubsub.WithDefaultTimeout(cfg.GetDefaultRequestTimeout()),
		pubsub.WithCapabilities(transport.RabbitMQCapabilities),
		pubsub.WithCloser(func() error { return ConnectionCloser(conn) }),
	), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
