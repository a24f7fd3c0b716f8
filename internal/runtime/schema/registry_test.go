package schema

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/msgbridge/internal/runtime/errors"
	"github.com/drblury/msgbridge/internal/runtime/metrics"
	"github.com/drblury/msgbridge/internal/runtime/wire"
)

const orderSchema = `{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]}`

type fakeRegistry struct {
	server *httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	body   atomic.Value
	gate   chan struct{}

	mu       sync.Mutex
	lastAuth [2]string
}

// newFakeRegistry serves orderSchema for the orders topic. When gate is given,
// every request blocks until it is closed.
func newFakeRegistry(t *testing.T, gate ...chan struct{}) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{}
	if len(gate) > 0 {
		f.gate = gate[0]
	}
	f.status.Store(http.StatusOK)
	f.body.Store(`{"subject":"orders-value","version":3,"id":7,"schema":` + quote(orderSchema) + `}`)
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if f.gate != nil {
			<-f.gate
		}
		user, pass, _ := r.BasicAuth()
		f.mu.Lock()
		f.lastAuth = [2]string{user, pass}
		f.mu.Unlock()

		if r.URL.Path != "/subjects/orders-value/versions/latest" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":40401,"message":"Subject not found"}`))
			return
		}
		w.WriteHeader(int(f.status.Load()))
		_, _ = w.Write([]byte(f.body.Load().(string)))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func quote(s string) string {
	out := []byte{'"'}
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}

func newTestRegistry(t *testing.T, f *fakeRegistry, opts ...Option) *Registry {
	t.Helper()
	return New(Config{URL: f.server.URL + "/", APIKey: "key", APISecret: "secret"}, nil, opts...)
}

func TestDisabledRegistryPassesThrough(t *testing.T) {
	ctx := context.Background()
	inputs := [][]byte{nil, {}, {0x00}, []byte("not json"), wire.Encode(1, []byte(`{}`))}

	var nilRegistry *Registry
	empty := New(Config{}, nil)

	for _, r := range []*Registry{nilRegistry, empty} {
		assert.False(t, r.Enabled())
		for _, in := range inputs {
			assert.Equal(t, in, r.ValidateAndEncode(ctx, "orders", in))
			assert.Equal(t, in, r.ValidateAndDecode(ctx, "orders", in))
		}
		assert.Equal(t, 0, r.Len())
		assert.NoError(t, r.Close())
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URL: "http://registry/"}.withDefaults()
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "http://registry", cfg.URL)
}

func TestValidateAndEncodeWrapsValidPayload(t *testing.T) {
	f := newFakeRegistry(t)
	r := newTestRegistry(t, f)
	payload := []byte(`{"id": 42}`)

	out := r.ValidateAndEncode(context.Background(), "orders", payload)

	env, ok := wire.Decode(out)
	require.True(t, ok)
	assert.Equal(t, wire.MagicByte, env.MagicByte)
	assert.Equal(t, int32(7), env.SchemaID)
	assert.Equal(t, payload, env.Data)

	f.mu.Lock()
	assert.Equal(t, [2]string{"key", "secret"}, f.lastAuth)
	f.mu.Unlock()

	decoded := r.ValidateAndDecode(context.Background(), "orders", out)
	assert.Equal(t, payload, decoded)
	assert.Equal(t, int32(1), f.hits.Load(), "schema must be served from cache")
}

func TestValidateAndEncodeNonFatalFailures(t *testing.T) {
	f := newFakeRegistry(t)
	collector := metrics.New(prometheus.NewRegistry())
	r := newTestRegistry(t, f, WithMetrics(collector))
	ctx := context.Background()

	notJSON := []byte("plain text")
	assert.Equal(t, notJSON, r.ValidateAndEncode(ctx, "orders", notJSON))

	invalid := []byte(`{"id":"not-a-number"}`)
	assert.Equal(t, invalid, r.ValidateAndEncode(ctx, "orders", invalid))

	tm := collector.GetTopicMetrics("orders")
	require.NotNil(t, tm)
	assert.Equal(t, uint64(1), tm.ValidationFailures)
}

func TestValidateAndDecode(t *testing.T) {
	f := newFakeRegistry(t)
	r := newTestRegistry(t, f)
	ctx := context.Background()

	short := []byte{0, 1, 2}
	assert.Equal(t, short, r.ValidateAndDecode(ctx, "orders", short))
	assert.Zero(t, f.hits.Load(), "non-envelopes never reach the registry")

	invalid := wire.Encode(7, []byte(`{"id":"x"}`))
	assert.Equal(t, []byte(`{"id":"x"}`), r.ValidateAndDecode(ctx, "orders", invalid))

	garbage := wire.Encode(7, []byte(`{{{`))
	assert.Equal(t, []byte(`{{{`), r.ValidateAndDecode(ctx, "orders", garbage))
}

func TestValidateAndDecodeWithoutSchemaReturnsInnerData(t *testing.T) {
	f := newFakeRegistry(t)
	r := newTestRegistry(t, f)

	out := r.ValidateAndDecode(context.Background(), "unknown", wire.Encode(3, []byte("data")))
	assert.Equal(t, []byte("data"), out)
}

func TestValidateAndDecodePassesRawPayloadsThrough(t *testing.T) {
	f := newFakeRegistry(t)
	r := newTestRegistry(t, f)
	ctx := context.Background()

	// No schema for the topic: encode leaves the JSON as is and decode must too.
	raw := []byte(`{"id":42}`)
	sent := r.ValidateAndEncode(ctx, "unknown", raw)
	assert.Equal(t, raw, sent)
	assert.Equal(t, raw, r.ValidateAndDecode(ctx, "unknown", sent))

	// A payload that failed validation on send is not an envelope either.
	invalid := []byte(`{"id":"not-a-number","note":"long enough to look like a header"}`)
	sent = r.ValidateAndEncode(ctx, "orders", invalid)
	assert.Equal(t, invalid, sent)
	assert.Equal(t, invalid, r.ValidateAndDecode(ctx, "orders", sent))

	hits := f.hits.Load()
	assert.Equal(t, []byte("plain text"), r.ValidateAndDecode(ctx, "orders", []byte("plain text")))
	assert.Equal(t, hits, f.hits.Load(), "buffers without the magic byte never reach the registry")
}

func TestNotFoundIsCached(t *testing.T) {
	f := newFakeRegistry(t)
	r := newTestRegistry(t, f)
	ctx := context.Background()

	_, err := r.GetOrFetchSchema(ctx, "payments")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.NotFound))

	_, err = r.GetOrFetchSchema(ctx, "payments")
	assert.True(t, errors.IsKind(err, errors.NotFound))
	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, 1, r.Len())

	payload := []byte(`{"id":1}`)
	assert.Equal(t, payload, r.ValidateAndEncode(ctx, "payments", payload))
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestUpstreamErrorIsBadGatewayAndNotCached(t *testing.T) {
	f := newFakeRegistry(t)
	f.status.Store(http.StatusInternalServerError)
	r := newTestRegistry(t, f)
	ctx := context.Background()

	_, err := r.GetOrFetchSchema(ctx, "orders")
	assert.True(t, errors.IsKind(err, errors.BadGateway))
	assert.Equal(t, 0, r.Len())

	f.status.Store(http.StatusOK)
	s, err := r.GetOrFetchSchema(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int32(7), s.ID)
	assert.Equal(t, 3, s.Version)
	assert.Equal(t, "orders-value", s.Subject)
	assert.Equal(t, orderSchema, s.Raw)
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestNonJSONErrorBodyIsBadGateway(t *testing.T) {
	f := newFakeRegistry(t)
	f.status.Store(http.StatusServiceUnavailable)
	f.body.Store("upstream unavailable")
	r := newTestRegistry(t, f)

	_, err := r.GetOrFetchSchema(context.Background(), "orders")
	assert.True(t, errors.IsKind(err, errors.BadGateway), "got %v", err)
	assert.Equal(t, 0, r.Len())
}

func TestLookupHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeRegistry(t, gate)
	r := newTestRegistry(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.GetOrFetchSchema(ctx, "orders")
	assert.True(t, errors.IsKind(err, errors.ServerError), "got %v", err)

	close(gate)
	assert.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDecodeAndCompileErrorsAreServerErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{"id":`},
		{"bad schema", `{"id":1,"schema":"{\"type\": 12}"}`},
		{"unsupported type", `{"id":1,"schemaType":"AVRO","schema":"{}"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeRegistry(t)
			f.body.Store(tt.body)
			r := newTestRegistry(t, f)

			_, err := r.GetOrFetchSchema(context.Background(), "orders")
			assert.True(t, errors.IsKind(err, errors.ServerError), "got %v", err)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestTransportErrorIsServerError(t *testing.T) {
	f := newFakeRegistry(t)
	r := newTestRegistry(t, f)
	f.server.Close()

	_, err := r.GetOrFetchSchema(context.Background(), "orders")
	assert.True(t, errors.IsKind(err, errors.ServerError), "got %v", err)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeRegistry(t, gate)
	r := newTestRegistry(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.GetOrFetchSchema(context.Background(), "orders")
			assert.NoError(t, err)
			assert.NotNil(t, s)
		}()
	}

	require.Eventually(t, func() bool { return f.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.hits.Load())
}

func TestPurgeAndSweeper(t *testing.T) {
	f := newFakeRegistry(t)
	r := New(Config{URL: f.server.URL, CacheTTL: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := r.GetOrFetchSchema(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	r.Purge()
	assert.Equal(t, 0, r.Len())

	_, err = r.GetOrFetchSchema(ctx, "orders")
	require.NoError(t, err)
	_, _ = r.GetOrFetchSchema(ctx, "absent")
	assert.Equal(t, 2, r.Len())

	r.Start(ctx)
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "orders-value", Subject("orders"))
}
