// Package transports registers every built-in backend with a registry.
package transports

import (
	"github.com/drblury/msgbridge/transport"
	"github.com/drblury/msgbridge/transport/aws"
	"github.com/drblury/msgbridge/transport/channel"
	"github.com/drblury/msgbridge/transport/kafka"
	"github.com/drblury/msgbridge/transport/nats"
	"github.com/drblury/msgbridge/transport/rabbitmq"
)

// RegisterAll adds the kafka, nats, channel, rabbitmq and aws builders to r.
func RegisterAll(r *transport.Registry) {
	aws.Register(r)
	channel.Register(r)
	kafka.Register(r)
	nats.Register(r)
	rabbitmq.Register(r)
}

// NewRegistry returns a registry holding every built-in backend.
func NewRegistry() *transport.Registry {
	r := transport.NewRegistry()
	RegisterAll(r)
	return r
}
