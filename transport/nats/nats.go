// Package nats provides the NATS Core client for msgbridge. Request/reply
// uses native NATS inboxes instead of a reply topic.
package nats

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/msgbridge/internal/runtime/errors"
	"github.com/drblury/msgbridge/internal/runtime/ids"
	"github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/internal/runtime/message"
	"github.com/drblury/msgbridge/internal/runtime/metrics"
	"github.com/drblury/msgbridge/internal/runtime/schema"
	"github.com/drblury/msgbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const tracerName = "github.com/drblury/msgbridge/transport/nats"

// Subscription is the part of *nats.Subscription the client uses.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of *nats.Conn the client uses.
type Conn interface {
	PublishMsg(msg *natsgo.Msg) error
	RequestMsgWithContext(ctx context.Context, msg *natsgo.Msg) (*natsgo.Msg, error)
	Subscribe(subject string, handler natsgo.MsgHandler) (Subscription, error)
	Close()
}

type natsConn struct {
	*natsgo.Conn
}

func (c natsConn) Subscribe(subject string, handler natsgo.MsgHandler) (Subscription, error) {
	return c.Conn.Subscribe(subject, handler)
}

// ConnectFactory allows overriding the connection creation for testing.
var ConnectFactory = func(url string, opts ...natsgo.Option) (Conn, error) {
	nc, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{Conn: nc}, nil
}

// Register adds the NATS builder to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build connects to the configured NATS server.
func Build(ctx context.Context, cfg transport.Config, deps transport.Deps) (transport.Client, error) {
	opts := []natsgo.Option{}
	if name := cfg.GetServiceName(); name != "" {
		opts = append(opts, natsgo.Name(name))
	}
	if user := cfg.GetNATSUser(); user != "" {
		opts = append(opts, natsgo.UserInfo(user, cfg.GetNATSPassword()))
	}

	conn, err := ConnectFactory(cfg.GetNATSURL(), opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ServiceUnavailable, "nats.build", err)
	}

	deps = deps.WithDefaults()
	return New(conn, deps.Logger,
		WithSchema(deps.Schema),
		WithMetrics(deps.Metrics),
		WithDefaultTimeout(cfg.GetDefaultRequestTimeout()),
	), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Option customises a Client.
type Option func(*Client)

func WithSchema(registry *schema.Registry) Option {
	return func(c *Client) { c.schema = registry }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Client) { c.metrics = collector }
}

// WithDefaultTimeout bounds Request calls that carry no timeout of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// Client is a transport.Client over a NATS connection.
type Client struct {
	conn           Conn
	marshaler      *wmnats.NATSMarshaler
	log            logging.ServiceLogger
	schema         *schema.Registry
	metrics        *metrics.Collector
	defaultTimeout time.Duration
	tracer         trace.Tracer

	lifeCtx    context.Context
	cancelLife context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ transport.Client = (*Client)(nil)

// New wraps conn. The client owns conn and closes it on Close.
func New(conn Conn, log logging.ServiceLogger, opts ...Option) *Client {
	if log == nil {
		log = logging.NopLogger()
	}
	lifeCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		marshaler:  &wmnats.NATSMarshaler{},
		log:        log.With(logging.LogFields{"backend": TransportName}),
		tracer:     otel.Tracer(tracerName),
		lifeCtx:    lifeCtx,
		cancelLife: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return TransportName }

func (c *Client) Capabilities() transport.Capabilities { return transport.NATSCapabilities }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe opens one core subscription per subject and merges them.
func (c *Client) Subscribe(ctx context.Context, topics []string) (<-chan message.Message, error) {
	const op = "nats.subscribe"
	if len(topics) == 0 {
		return nil, errors.Wrap(errors.BadRequest, op, errors.ErrTopicsRequired)
	}
	if c.isClosed() {
		return nil, errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifeCtx, cancel)

	subs := make([]Subscription, 0, len(topics))
	unsubscribe := func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}

	streams := make([]<-chan message.Message, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			unsubscribe()
			cancel()
			stop()
			return nil, errors.Wrap(errors.BadRequest, op, errors.ErrTopicRequired)
		}
		out := make(chan message.Message)
		sub, err := c.conn.Subscribe(topic, func(msg *natsgo.Msg) {
			select {
			case out <- c.inbound(subCtx, msg):
			case <-subCtx.Done():
			}
		})
		if err != nil {
			unsubscribe()
			cancel()
			stop()
			return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
		}
		subs = append(subs, sub)
		streams = append(streams, out)
		c.log.Debug("subscribed", logging.LogFields{"topic": topic})
	}

	go func() {
		<-subCtx.Done()
		stop()
		unsubscribe()
	}()
	return transport.Merge(subCtx, streams...), nil
}

// inbound converts a NATS message. A native reply subject becomes the reply
// address of the message.
func (c *Client) inbound(ctx context.Context, msg *natsgo.Msg) message.Message {
	var out message.Message
	wm, err := c.marshaler.Unmarshal(msg)
	if err != nil {
		c.log.Debug("falling back to raw headers", logging.LogFields{
			"topic": msg.Subject,
			"error": err.Error(),
		})
		out = message.New(msg.Subject, msg.Data)
		for k, v := range msg.Header {
			if len(v) > 0 {
				out = out.AddMetadata(k, v[0])
			}
		}
	} else {
		out = message.FromWatermill(msg.Subject, TransportName, wm)
	}
	if msg.Reply != "" {
		out = out.SetReply(message.Reply{ClientName: TransportName, Topic: msg.Reply})
	}
	return out.SetPayload(c.schema.ValidateAndDecode(ctx, msg.Subject, msg.Data))
}

func (c *Client) outbound(ctx context.Context, topic string, msg message.Message) (*natsgo.Msg, error) {
	payload := c.schema.ValidateAndEncode(ctx, topic, msg.Payload())
	wm := message.ToWatermill(msg.SetPayload(payload), ids.CreateULID())
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(wm.Metadata))

	natsMsg, err := c.marshaler.Marshal(topic, wm)
	if err != nil {
		return nil, errors.Wrap(errors.BadRequest, "nats.marshal", err)
	}
	if reply, ok := msg.Reply(); ok {
		natsMsg.Reply = reply.Topic
	}
	return natsMsg, nil
}

func (c *Client) startSpan(ctx context.Context, topic string, msg message.Message) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "msgbridge.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", TransportName),
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.message.body.size", msg.Length()),
		),
	)
}

// Send publishes msg. Publish failures are logged and counted and nil is
// returned.
func (c *Client) Send(ctx context.Context, topic string, msg message.Message) error {
	const op = "nats.send"
	if topic == "" {
		return errors.Wrap(errors.BadRequest, op, errors.ErrTopicRequired)
	}
	if c.isClosed() {
		return errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	}

	ctx, span := c.startSpan(ctx, topic, msg)
	defer span.End()

	err := c.publish(ctx, topic, msg)
	if err != nil {
		span.RecordError(err)
		c.metrics.SendFailure(TransportName, topic)
		c.log.Error("publish failed", err, logging.LogFields{
			"topic":      topic,
			"error_code": errors.KindOf(err).String(),
		})
	}
	return nil
}

func (c *Client) publish(ctx context.Context, topic string, msg message.Message) error {
	natsMsg, err := c.outbound(ctx, topic, msg)
	if err != nil {
		return err
	}
	if err := c.conn.PublishMsg(natsMsg); err != nil {
		return errors.Wrap(errors.ServiceUnavailable, "nats.publish", err)
	}
	return nil
}

// Request sends msg to a fresh inbox and waits for the first reply.
func (c *Client) Request(ctx context.Context, topic string, msg message.Message, opts *transport.RequestOptions) (message.Message, error) {
	const op = "nats.request"
	if topic == "" {
		return message.Message{}, errors.Wrap(errors.BadRequest, op, errors.ErrTopicRequired)
	}
	if c.isClosed() {
		return message.Message{}, errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	}

	ctx, span := c.startSpan(ctx, topic, msg)
	defer span.End()

	req := msg.ClearReply().AddMetadata(message.KeyCorrelationID, ids.NewCorrelationID())
	natsMsg, err := c.outbound(ctx, topic, req)
	if err != nil {
		return message.Message{}, err
	}

	waitCtx, cancel := transport.WaitContext(ctx, opts, c.defaultTimeout)
	defer cancel()
	stop := context.AfterFunc(c.lifeCtx, cancel)
	defer stop()

	reply, err := c.conn.RequestMsgWithContext(waitCtx, natsMsg)
	if err != nil {
		span.RecordError(err)
		return message.Message{}, c.requestError(op, err)
	}
	return c.inbound(ctx, reply), nil
}

func (c *Client) requestError(op string, err error) error {
	switch {
	case stderrors.Is(err, natsgo.ErrNoResponders):
		return errors.Wrap(errors.ServiceUnavailable, op, err)
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, natsgo.ErrTimeout):
		return errors.Wrap(errors.Timeout, op, err)
	case c.isClosed(), stderrors.Is(err, natsgo.ErrConnectionClosed):
		return errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	default:
		return errors.Wrap(errors.KindOf(err), op, err)
	}
}

// Close stops every subscription and closes the connection. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelLife()
	c.conn.Close()
	return nil
}
