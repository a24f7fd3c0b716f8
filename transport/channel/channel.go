// Package channel provides an in-memory Go channel client for msgbridge.
// It is useful for testing and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/transport"
	"github.com/drblury/msgbridge/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Alias is accepted as a backend name as well.
const Alias = "gochannel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (wmmessage.Publisher, wmmessage.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// Register adds the channel builder to r under its name and alias.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
	r.RegisterWithCapabilities(Alias, Build, transport.ChannelCapabilities)
}

// Build creates a client over a fresh in-memory bus. Clients built separately
// do not see each other's messages; use NewClient to share a bus.
func Build(ctx context.Context, cfg transport.Config, deps transport.Deps) (transport.Client, error) {
	deps = deps.WithDefaults()
	pub, sub := Factory(gochannel.Config{}, logging.NewWatermillAdapter(deps.Logger))
	return newClient(transport.Transport{Publisher: pub, Subscriber: sub}, deps,
		pubsub.WithReplyTopic(cfg.GetReplyTopic()),
		pubsub.WithDefaultTimeout(cfg.GetDefaultRequestTimeout()),
	), nil
}

// NewClient creates a client over an existing bus. Closing the client closes
// the bus.
func NewClient(bus *gochannel.GoChannel, deps transport.Deps, opts ...pubsub.Option) *pubsub.Client {
	return newClient(transport.Transport{Publisher: bus, Subscriber: bus}, deps.WithDefaults(), opts...)
}

func newClient(tr transport.Transport, deps transport.Deps, opts ...pubsub.Option) *pubsub.Client {
	opts = append([]pubsub.Option{
		pubsub.FromDeps(deps),
		pubsub.WithCapabilities(transport.ChannelCapabilities),
	}, opts...)
	return pubsub.New(TransportName, tr, opts...)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
