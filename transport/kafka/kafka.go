// Package kafka provides the Kafka client for msgbridge.
package kafka

import (
	"context"
	"crypto/tls"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/msgbridge/internal/runtime/errors"
	"github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/internal/runtime/message"
	"github.com/drblury/msgbridge/internal/runtime/partition"
	"github.com/drblury/msgbridge/transport"
	"github.com/drblury/msgbridge/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (wmmessage.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (wmmessage.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register adds the Kafka builder to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka client. The record key is taken from the "key" header
// and the partition is chosen by NewPartitionerConstructor.
func Build(ctx context.Context, cfg transport.Config, deps transport.Deps) (transport.Client, error) {
	const op = "kafka.build"
	deps = deps.WithDefaults()
	logger := logging.NewWatermillAdapter(deps.Logger)

	var p *partition.Partitioner
	if cfg.GetKafkaCustomPartitioner() {
		built, err := partition.New(cfg.GetKafkaPartitionCount())
		if err != nil {
			return nil, errors.Wrap(errors.BadRequest, op, err)
		}
		p = &built
	}

	brokers := cfg.GetKafkaBrokers()
	marshaler := kafka.NewWithPartitioningMarshaler(partitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: PublisherSaramaConfig(cfg, p),
		},
		logger,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
			OverwriteSaramaConfig: SubscriberSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
	}

	// Replies may land before the reply subscription is positioned, so the
	// reply topic is read from the oldest offset without a consumer group.
	replySubscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			OverwriteSaramaConfig: ReplySaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()
		_ = publisher.Close()
		return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
	}

	deps.Logger.Info("kafka client created", logging.LogFields{
		"brokers":          brokers,
		"consumer_group":   cfg.GetKafkaConsumerGroup(),
		"sasl":             saslEnabled(cfg),
		"custom_partition": p != nil,
	})

	return pubsub.New(TransportName,
		transport.Transport{Publisher: publisher, Subscriber: subscriber},
		pubsub.FromDeps(deps),
		pubsub.WithReplySubscriber(replySubscriber),
		pubsub.WithReplyTopic(cfg.GetReplyTopic()),
		pubsub.WithDefaultTimeout(cfg.GetDefaultRequestTimeout()),
		pubsub.WithCapabilities(transport.KafkaCapabilities),
	), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

func partitionKey(topic string, msg *wmmessage.Message) (string, error) {
	return msg.Metadata.Get(message.KeyPartitionKey), nil
}

// PublisherSaramaConfig returns the producer config: client id, SASL when
// credentials are set, and the header-aware partitioner.
func PublisherSaramaConfig(cfg transport.Config, p *partition.Partitioner) *sarama.Config {
	c := kafka.DefaultSaramaSyncPublisherConfig()
	applyCommon(c, cfg)
	c.Producer.Partitioner = NewPartitionerConstructor(p)
	return c
}

// SubscriberSaramaConfig returns the consumer config.
func SubscriberSaramaConfig(cfg transport.Config) *sarama.Config {
	c := kafka.DefaultSaramaSubscriberConfig()
	applyCommon(c, cfg)
	return c
}

// ReplySaramaConfig returns the consumer config for the reply topic. It starts
// at the oldest offset.
func ReplySaramaConfig(cfg transport.Config) *sarama.Config {
	c := SubscriberSaramaConfig(cfg)
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	return c
}

func applyCommon(c *sarama.Config, cfg transport.Config) {
	if id := cfg.GetKafkaClientID(); id != "" {
		c.ClientID = id
	}
	if saslEnabled(cfg) {
		c.Net.TLS.Enable = true
		c.Net.TLS.Config = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		c.Net.SASL.Enable = true
		c.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		c.Net.SASL.User = cfg.GetKafkaUsername()
		c.Net.SASL.Password = cfg.GetKafkaPassword()
		c.Net.SASL.Handshake = true
	}
}

func saslEnabled(cfg transport.Config) bool {
	return cfg.GetKafkaUsername() != "" && cfg.GetKafkaPassword() != ""
}

// ResolvePartition picks the partition for a message with the given
// metadata. An explicit, non-negative "partition" header wins. Otherwise the
// "key" header is hashed when p is set. ok is false when neither applies.
func ResolvePartition(md message.Metadata, p *partition.Partitioner) (int32, bool) {
	if raw, ok := md.Get(message.KeyPartition); ok {
		if n, err := strconv.ParseInt(raw, 10, 32); err == nil && n >= 0 {
			return int32(n), true
		}
	}
	if p != nil {
		if key, ok := md.Get(message.KeyPartitionKey); ok {
			return p.Partition([]byte(key)), true
		}
	}
	return 0, false
}

// NewPartitionerConstructor returns a sarama partitioner that applies
// ResolvePartition to the record headers and falls back to sarama's hash
// partitioner on the record key.
func NewPartitionerConstructor(p *partition.Partitioner) sarama.PartitionerConstructor {
	return func(topic string) sarama.Partitioner {
		return &headerPartitioner{
			custom:   p,
			fallback: sarama.NewHashPartitioner(topic),
		}
	}
}

type headerPartitioner struct {
	custom   *partition.Partitioner
	fallback sarama.Partitioner
}

func (h *headerPartitioner) Partition(msg *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	md := make(message.Metadata, len(msg.Headers))
	for _, header := range msg.Headers {
		md[string(header.Key)] = string(header.Value)
	}
	if n, ok := ResolvePartition(md, h.custom); ok {
		if n >= numPartitions {
			return -1, sarama.ErrInvalidPartition
		}
		return n, nil
	}
	return h.fallback.Partition(msg, numPartitions)
}

func (h *headerPartitioner) RequiresConsistency() bool {
	return true
}
