// Package pubsub implements transport.Client over any watermill publisher and
// subscriber pair. Request/reply uses a reply topic: requests carry reply-to
// and correlation-id headers and replies are routed back to the waiting
// caller by correlation id.
package pubsub

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
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

const tracerName = "github.com/drblury/msgbridge/transport"

// Option customises a Client.
type Option func(*Client)

func WithLogger(log logging.ServiceLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithSchema(registry *schema.Registry) Option {
	return func(c *Client) { c.schema = registry }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Client) { c.metrics = collector }
}

// WithReplyTopic fixes the topic this client listens on for replies. By
// default a unique topic is generated per client.
func WithReplyTopic(topic string) Option {
	return func(c *Client) {
		if topic != "" {
			c.replyTopic = topic
		}
	}
}

// WithDefaultTimeout bounds Request calls that carry no timeout of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithCloser registers a function run by Close after the publisher and
// subscriber are closed, for resources they share such as a connection.
func WithCloser(fn func() error) Option {
	return func(c *Client) {
		if fn != nil {
			c.closers = append(c.closers, fn)
		}
	}
}

// WithReplySubscriber consumes the reply topic from sub instead of the main
// subscriber. The client closes it on Close.
func WithReplySubscriber(sub wmmessage.Subscriber) Option {
	return func(c *Client) { c.replySub = sub }
}

func WithCapabilities(caps transport.Capabilities) Option {
	return func(c *Client) { c.caps = caps }
}

// FromDeps applies the shared builder dependencies.
func FromDeps(deps transport.Deps) Option {
	return func(c *Client) {
		WithLogger(deps.Logger)(c)
		c.schema = deps.Schema
		c.metrics = deps.Metrics
	}
}

// Client is a transport.Client over a watermill publisher/subscriber pair.
type Client struct {
	name           string
	pub            wmmessage.Publisher
	sub            wmmessage.Subscriber
	replySub       wmmessage.Subscriber
	log            logging.ServiceLogger
	schema         *schema.Registry
	metrics        *metrics.Collector
	replyTopic     string
	defaultTimeout time.Duration
	closers        []func() error
	caps           transport.Capabilities
	tracer         trace.Tracer

	lifeCtx    context.Context
	cancelLife context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending map[string]chan message.Message

	replyOnce sync.Once
	replyErr  error
}

var _ transport.Client = (*Client)(nil)

// New wraps tr. The client owns tr and closes it on Close.
func New(name string, tr transport.Transport, opts ...Option) *Client {
	lifeCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		name:       name,
		pub:        tr.Publisher,
		sub:        tr.Subscriber,
		log:        logging.NopLogger(),
		caps:       transport.Capabilities{Name: name, SupportsRequestReply: true},
		tracer:     otel.Tracer(tracerName),
		lifeCtx:    lifeCtx,
		cancelLife: cancel,
		pending:    make(map[string]chan message.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.replyTopic == "" {
		c.replyTopic = ids.ReplyTopic(name)
	}
	if c.replySub == nil {
		c.replySub = c.sub
	}
	c.log = c.log.With(logging.LogFields{"backend": name})
	return c
}

func (c *Client) Name() string { return c.name }

// ReplyTopic is the topic this client receives replies on.
func (c *Client) ReplyTopic() string { return c.replyTopic }

func (c *Client) Capabilities() transport.Capabilities { return c.caps }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe subscribes every topic and merges the streams. Messages are acked
// once handed to the stream.
func (c *Client) Subscribe(ctx context.Context, topics []string) (<-chan message.Message, error) {
	const op = "pubsub.subscribe"
	if len(topics) == 0 {
		return nil, errors.Wrap(errors.BadRequest, op, errors.ErrTopicsRequired)
	}
	if c.isClosed() {
		return nil, errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifeCtx, cancel)

	streams := make([]<-chan message.Message, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			cancel()
			stop()
			return nil, errors.Wrap(errors.BadRequest, op, errors.ErrTopicRequired)
		}
		wmCh, err := c.sub.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			stop()
			return nil, errors.Wrap(errors.ServiceUnavailable, op, err)
		}
		streams = append(streams, c.forward(subCtx, topic, wmCh))
		c.log.Debug("subscribed", logging.LogFields{"topic": topic})
	}

	out := transport.Merge(subCtx, streams...)
	go func() {
		<-subCtx.Done()
		stop()
	}()
	return out, nil
}

// forward converts one watermill stream, preserving its order.
func (c *Client) forward(ctx context.Context, topic string, in <-chan *wmmessage.Message) <-chan message.Message {
	out := make(chan message.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case wm, ok := <-in:
				if !ok {
					return
				}
				msg := c.inbound(ctx, topic, wm)
				select {
				case out <- msg:
					wm.Ack()
				case <-ctx.Done():
					wm.Nack()
					return
				}
			}
		}
	}()
	return out
}

func (c *Client) inbound(ctx context.Context, topic string, wm *wmmessage.Message) message.Message {
	msg := message.FromWatermill(topic, c.name, wm)
	return msg.SetPayload(c.schema.ValidateAndDecode(ctx, topic, wm.Payload))
}

// Send validates and publishes msg. Publish failures are logged and counted
// and nil is returned.
func (c *Client) Send(ctx context.Context, topic string, msg message.Message) error {
	const op = "pubsub.send"
	if topic == "" {
		return errors.Wrap(errors.BadRequest, op, errors.ErrTopicRequired)
	}
	if c.isClosed() {
		return errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	}

	if err := c.publish(ctx, topic, msg); err != nil {
		c.metrics.SendFailure(c.name, topic)
		c.log.Error("publish failed", err, logging.LogFields{
			"topic":      topic,
			"error_code": errors.KindOf(err).String(),
		})
	}
	return nil
}

func (c *Client) publish(ctx context.Context, topic string, msg message.Message) error {
	ctx, span := c.tracer.Start(ctx, "msgbridge.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", c.name),
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.message.body.size", msg.Length()),
		),
	)
	defer span.End()

	payload := c.schema.ValidateAndEncode(ctx, topic, msg.Payload())
	wm := message.ToWatermill(msg.SetPayload(payload), ids.CreateULID())
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(wm.Metadata))
	wm.SetContext(ctx)

	if err := c.pub.Publish(topic, wm); err != nil {
		span.RecordError(err)
		return errors.Wrap(errors.ServiceUnavailable, "pubsub.publish", err)
	}
	return nil
}

// Request publishes msg with reply-to and correlation-id headers and waits for
// the matching reply. The timeout only bounds the wait.
func (c *Client) Request(ctx context.Context, topic string, msg message.Message, opts *transport.RequestOptions) (message.Message, error) {
	const op = "pubsub.request"
	if topic == "" {
		return message.Message{}, errors.Wrap(errors.BadRequest, op, errors.ErrTopicRequired)
	}
	if c.isClosed() {
		return message.Message{}, errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	}
	if err := c.ensureReplySubscription(); err != nil {
		return message.Message{}, err
	}

	corr := ids.NewCorrelationID()
	replies := make(chan message.Message, 1)
	c.mu.Lock()
	c.pending[corr] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	req := msg.AddMetadata(message.KeyCorrelationID, corr).
		SetReply(message.Reply{ClientName: c.name, Topic: c.replyTopic})
	if err := c.publish(ctx, topic, req); err != nil {
		c.metrics.SendFailure(c.name, topic)
		return message.Message{}, err
	}

	waitCtx, cancel := transport.WaitContext(ctx, opts, c.defaultTimeout)
	defer cancel()

	select {
	case reply := <-replies:
		return reply, nil
	case <-c.lifeCtx.Done():
		return message.Message{}, errors.Wrap(errors.ServiceUnavailable, op, errors.ErrClientClosed)
	case <-waitCtx.Done():
		err := waitCtx.Err()
		if stderrors.Is(err, context.DeadlineExceeded) {
			return message.Message{}, errors.Wrap(errors.Timeout, op, err)
		}
		return message.Message{}, errors.Wrap(errors.KindOf(err), op, err)
	}
}

// ensureReplySubscription subscribes to the reply topic once per client.
func (c *Client) ensureReplySubscription() error {
	c.replyOnce.Do(func() {
		wmCh, err := c.replySub.Subscribe(c.lifeCtx, c.replyTopic)
		if err != nil {
			c.replyErr = errors.Wrap(errors.ServiceUnavailable, "pubsub.reply_subscribe", err)
			return
		}
		go c.routeReplies(wmCh)
	})
	return c.replyErr
}

func (c *Client) routeReplies(in <-chan *wmmessage.Message) {
	for wm := range in {
		corr := wm.Metadata.Get(message.KeyCorrelationID)
		c.mu.Lock()
		waiter := c.pending[corr]
		c.mu.Unlock()

		if waiter == nil {
			c.log.Debug("dropping reply without waiter", logging.LogFields{
				"topic":          c.replyTopic,
				"correlation_id": corr,
			})
			wm.Ack()
			continue
		}
		select {
		case waiter <- c.inbound(c.lifeCtx, c.replyTopic, wm):
		default:
			// A reply was already delivered for this correlation id.
		}
		wm.Ack()
	}
}

// Close stops every subscription and closes the publisher and subscriber.
// Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelLife()
	var errs []error
	if c.pub != nil {
		if err := c.pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	// gochannel returns one value for both roles.
	if c.sub != nil && any(c.sub) != any(c.pub) {
		if err := c.sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.replySub != nil && any(c.replySub) != any(c.sub) && any(c.replySub) != any(c.pub) {
		if err := c.replySub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
