package msgbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultRegistry(t *testing.T) {
	reg := NewDefaultRegistry()
	assert.Equal(t, []string{"aws", "channel", "gochannel", "kafka", "nats", "rabbitmq"}, reg.Names())
	assert.True(t, reg.GetCapabilities("nats").NativeRequestReply)
}

func TestServiceExports(t *testing.T) {
	_, err := NewService(nil, NopLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, ErrConfigRequired)
	assert.True(t, IsKind(err, BadRequest))

	svc, err := NewService(&Config{
		ServiceName: "exports",
		Topics:      []string{"ping"},
	}, NopLogger(), ServiceDependencies{
		Registry:   NewDefaultRegistry(),
		Handler:    func(ctx context.Context, msg Message) error { return nil },
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer svc.Close()
	assert.Equal(t, "channel", svc.Client().Name())
}

func TestMessageExports(t *testing.T) {
	msg := NewMessage("orders", []byte(`{"id":1}`)).
		AddMetadata(MetadataKeyPartitionKey, "599999")

	key, ok := msg.Get(MetadataKeyPartitionKey)
	assert.True(t, ok)
	assert.Equal(t, "599999", key)

	md := NewMetadata("a", "1", "b", "2")
	v, ok := md.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestPartitionerExport(t *testing.T) {
	p, err := NewPartitioner(12)
	require.NoError(t, err)
	assert.Equal(t, int32(6), p.Partition([]byte("599999")))

	_, err = NewPartitioner(0)
	assert.Error(t, err)
}

func TestWireExports(t *testing.T) {
	buf := EncodeWire(42, []byte("payload"))
	env, ok := DecodeWire(buf)
	require.True(t, ok)
	assert.Equal(t, int32(42), env.SchemaID)
	assert.Equal(t, "payload", string(env.Data))
}

func TestErrorExports(t *testing.T) {
	err := WrapError(Timeout, "request", errors.New("no reply"))
	assert.Equal(t, Timeout, KindOf(err))
	assert.Equal(t, ErrorCategory("processing"), KindOf(err).Category())
	assert.Equal(t, ImATeaPot, KindOf(errors.New("plain")))
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	data, err := Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, payload, decoded)

	_, err = MarshalIndent(payload, "", "  ")
	assert.NoError(t, err)
}

func TestRequestOptionsExport(t *testing.T) {
	opts := WithTimeout(time.Second)
	require.NotNil(t, opts.Timeout)
	assert.Equal(t, time.Second, *opts.Timeout)
}
