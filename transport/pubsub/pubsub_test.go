package pubsub

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/msgbridge/internal/runtime/errors"
	"github.com/drblury/msgbridge/internal/runtime/message"
	"github.com/drblury/msgbridge/internal/runtime/metrics"
	"github.com/drblury/msgbridge/transport"
)

func newGoChannel(t *testing.T) transport.Transport {
	t.Helper()
	return newGoChannelWithConfig(t, gochannel.Config{})
}

func newGoChannelWithConfig(t *testing.T, cfg gochannel.Config) transport.Transport {
	t.Helper()
	ps := gochannel.NewGoChannel(cfg, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return transport.Transport{Publisher: ps, Subscriber: ps}
}

func receive(t *testing.T, ch <-chan message.Message) message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return message.Message{}
}

func TestSendAndSubscribePreservesMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New("channel", newGoChannel(t))
	defer c.Close()

	stream, err := c.Subscribe(ctx, []string{"orders"})
	require.NoError(t, err)

	out := message.New("orders", []byte(`{"id":1}`)).
		AddMetadata(message.KeyPartitionKey, "user-42").
		AddMetadata("X-Custom", "Value").
		SetContentType("application/json")
	require.NoError(t, c.Send(ctx, "orders", out))

	got := receive(t, stream)
	assert.Equal(t, "orders", got.Topic())
	assert.Equal(t, out.Payload(), got.Payload())
	assert.Equal(t, out.Length(), got.Length())
	for k, v := range out.Metadata() {
		gv, ok := got.Get(k)
		assert.True(t, ok, k)
		assert.Equal(t, v, gv, k)
	}
	_, hasReply := got.Reply()
	assert.False(t, hasReply)
}

func TestSubscribeMergesTopicsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Blocking publishes keep per-topic delivery order on gochannel.
	c := New("channel", newGoChannelWithConfig(t, gochannel.Config{BlockPublishUntilSubscriberAck: true}))
	defer c.Close()

	stream, err := c.Subscribe(ctx, []string{"a", "b"})
	require.NoError(t, err)

	go func() {
		for i := 0; i < 5; i++ {
			_ = c.Send(ctx, "a", message.New("a", []byte{byte(i)}))
			_ = c.Send(ctx, "b", message.New("b", []byte{byte(i)}))
		}
	}()

	seen := map[string][]byte{}
	for i := 0; i < 10; i++ {
		msg := receive(t, stream)
		seen[msg.Topic()] = append(seen[msg.Topic()], msg.Payload()[0])
	}
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, seen["a"])
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, seen["b"])
}

func TestSubscribeStreamClosesOnCancelAndClose(t *testing.T) {
	t.Run("context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c := New("channel", newGoChannel(t))
		defer c.Close()

		stream, err := c.Subscribe(ctx, []string{"a"})
		require.NoError(t, err)
		cancel()
		assertClosed(t, stream)
	})

	t.Run("client close", func(t *testing.T) {
		c := New("channel", newGoChannel(t))
		stream, err := c.Subscribe(context.Background(), []string{"a"})
		require.NoError(t, err)
		require.NoError(t, c.Close())
		assertClosed(t, stream)
	})
}

func assertClosed(t *testing.T, ch <-chan message.Message) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestSubscribeErrors(t *testing.T) {
	t.Run("no topics", func(t *testing.T) {
		c := New("channel", newGoChannel(t))
		_, err := c.Subscribe(context.Background(), nil)
		assert.True(t, errors.IsKind(err, errors.BadRequest))
		assert.ErrorIs(t, err, errors.ErrTopicsRequired)
	})

	t.Run("failing topic aborts the whole call", func(t *testing.T) {
		sub := &failingSubscriber{failOn: "b"}
		c := New("mock", transport.Transport{Publisher: &recordingPublisher{}, Subscriber: sub})

		_, err := c.Subscribe(context.Background(), []string{"a", "b", "c"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscribe b failed")
		assert.Equal(t, []string{"a", "b"}, sub.topics)

		select {
		case <-sub.ctxs[0].Done():
		case <-time.After(time.Second):
			t.Fatal("partial subscription was not cancelled")
		}
	})
}

func TestSendFailuresAreSwallowed(t *testing.T) {
	collector := metrics.New(prometheus.NewRegistry())
	pub := &recordingPublisher{err: stderrors.New("broker down")}
	c := New("mock", transport.Transport{Publisher: pub, Subscriber: &failingSubscriber{}}, WithMetrics(collector))

	err := c.Send(context.Background(), "orders", message.New("orders", []byte("x")))
	assert.NoError(t, err)

	tm := collector.GetTopicMetrics("orders")
	require.NotNil(t, tm)
	assert.Equal(t, uint64(1), tm.SendFailures)
}

func TestSendProgrammerErrors(t *testing.T) {
	c := New("channel", newGoChannel(t))

	err := c.Send(context.Background(), "", message.New("", nil))
	assert.True(t, errors.IsKind(err, errors.BadRequest))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Send(context.Background(), "t", message.New("t", nil))
	assert.True(t, errors.IsKind(err, errors.ServiceUnavailable))
	assert.ErrorIs(t, err, errors.ErrClientClosed)

	_, err = c.Subscribe(context.Background(), []string{"t"})
	assert.ErrorIs(t, err, errors.ErrClientClosed)

	_, err = c.Request(context.Background(), "t", message.New("t", nil), nil)
	assert.ErrorIs(t, err, errors.ErrClientClosed)
}

func TestRequestReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newGoChannel(t)

	server := New("server", tr)
	requester := New("requester", tr, WithReplyTopic("requester.replies"))
	defer server.Close()
	defer requester.Close()

	clients := transport.NewClients(server)
	stream, err := server.Subscribe(ctx, []string{"rpc.echo"})
	require.NoError(t, err)

	go func() {
		for msg := range stream {
			reply, ok := msg.Reply()
			if !assert.True(t, ok) {
				continue
			}
			assert.Equal(t, "requester.replies", reply.Topic)
			_ = transport.Reply(ctx, clients, msg, message.New("", append([]byte("echo:"), msg.Payload()...)))
		}
	}()

	resp, err := requester.Request(ctx, "rpc.echo", message.New("rpc.echo", []byte("hi")), transport.WithTimeout(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), resp.Payload())
	assert.Equal(t, "requester.replies", resp.Topic())
	corr, ok := resp.Get(message.KeyCorrelationID)
	assert.True(t, ok)
	assert.NotEmpty(t, corr)
}

func TestRequestConcurrentCallersGetOwnReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newGoChannel(t)

	server := New("server", tr)
	requester := New("requester", tr)
	defer server.Close()
	defer requester.Close()

	clients := transport.NewClients(server)
	stream, err := server.Subscribe(ctx, []string{"rpc"})
	require.NoError(t, err)
	go func() {
		for msg := range stream {
			_ = transport.Reply(ctx, clients, msg, message.New("", msg.Payload()))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := requester.Request(ctx, "rpc", message.New("rpc", []byte{byte(i)}), transport.WithTimeout(2*time.Second))
			if assert.NoError(t, err) {
				assert.Equal(t, []byte{byte(i)}, resp.Payload())
			}
		}(i)
	}
	wg.Wait()
}

func TestRequestTimeout(t *testing.T) {
	c := New("channel", newGoChannel(t))
	defer c.Close()

	start := time.Now()
	_, err := c.Request(context.Background(), "nobody.listens", message.New("x", nil), transport.WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.Timeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestDefaultTimeoutAndContext(t *testing.T) {
	c := New("channel", newGoChannel(t), WithDefaultTimeout(30*time.Millisecond))
	defer c.Close()

	_, err := c.Request(context.Background(), "nobody", message.New("x", nil), nil)
	assert.True(t, errors.IsKind(err, errors.Timeout))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	noDefault := New("channel", newGoChannel(t))
	defer noDefault.Close()
	_, err = noDefault.Request(ctx, "nobody", message.New("x", nil), &transport.RequestOptions{})
	assert.True(t, errors.IsKind(err, errors.Timeout))
}

func TestNewDefaults(t *testing.T) {
	c := New("svc", newGoChannel(t))
	assert.Equal(t, "svc", c.Name())
	assert.Contains(t, c.ReplyTopic(), "svc.replies.")
	assert.True(t, c.Capabilities().SupportsRequestReply)

	custom := New("kafka", newGoChannel(t), WithCapabilities(transport.KafkaCapabilities))
	assert.Equal(t, transport.KafkaCapabilities, custom.Capabilities())
}

type recordingPublisher struct {
	mu        sync.Mutex
	err       error
	published []*wmmessage.Message
}

func (p *recordingPublisher) Publish(topic string, msgs ...*wmmessage.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msgs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type failingSubscriber struct {
	failOn string
	topics []string
	ctxs   []context.Context
	closed bool
}

func (s *failingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *wmmessage.Message, error) {
	s.topics = append(s.topics, topic)
	s.ctxs = append(s.ctxs, ctx)
	if topic == s.failOn {
		return nil, stderrors.New("subscribe " + topic + " failed")
	}
	return make(chan *wmmessage.Message), nil
}

func (s *failingSubscriber) Close() error {
	s.closed = true
	return nil
}

func TestCloseRunsClosersOnce(t *testing.T) {
	calls := 0
	c := New("mock", transport.Transport{Publisher: &recordingPublisher{}, Subscriber: &failingSubscriber{}},
		WithCloser(func() error {
			calls++
			return stderrors.New("connection already gone")
		}))

	err := c.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection already gone")
	require.NoError(t, c.Close())
	assert.Equal(t, 1, calls)
}

func TestRequestUsesReplySubscriber(t *testing.T) {
	primary := &failingSubscriber{}
	replies := &failingSubscriber{}
	c := New("mock", transport.Transport{Publisher: &recordingPublisher{}, Subscriber: primary},
		WithReplySubscriber(replies),
		WithReplyTopic("mock.replies"),
	)

	_, err := c.Request(context.Background(), "rpc", message.New("rpc", nil), transport.WithTimeout(10*time.Millisecond))
	assert.True(t, errors.IsKind(err, errors.Timeout))
	assert.Empty(t, primary.topics)
	assert.Equal(t, []string{"mock.replies"}, replies.topics)

	require.NoError(t, c.Close())
	assert.True(t, primary.closed)
	assert.True(t, replies.closed)
}
