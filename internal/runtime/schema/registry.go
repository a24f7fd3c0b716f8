// Package schema validates payloads against JSON schemas held in a
// Confluent-compatible schema registry and wraps validated payloads in the
// registry wire envelope.
//
// Validation never blocks delivery: every failure is logged and the raw
// payload is passed through.
package schema

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/riferrei/srclient"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/singleflight"

	"github.com/drblury/msgbridge/internal/runtime/errors"
	"github.com/drblury/msgbridge/internal/runtime/jsoncodec"
	"github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/internal/runtime/metrics"
	"github.com/drblury/msgbridge/internal/runtime/wire"
)

const (
	DefaultCacheTTL = 300 * time.Second
	DefaultTimeout  = 10 * time.Second

	maxConcurrentRequests = 16
)

// Config configures the registry client. An empty URL disables it.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	CacheTTL  time.Duration
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.URL = strings.TrimRight(c.URL, "/")
	return c
}

// Schema is the latest registered schema for a subject.
type Schema struct {
	ID      int32
	Subject string
	Version int
	Raw     string

	compiled *jsonschema.Schema
}

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(v any) error {
	return s.compiled.Validate(v)
}

// Option customises a Registry.
type Option func(*Registry)

// WithHTTPClient replaces the HTTP client used to reach the registry.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithMetrics records validation failures on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = collector }
}

// Registry fetches, caches and applies schemas by topic. A nil *Registry is
// valid and behaves as a disabled one.
type Registry struct {
	cfg     Config
	log     logging.ServiceLogger
	client  *http.Client
	sr      *srclient.SchemaRegistryClient
	metrics *metrics.Collector

	mu    sync.Mutex
	cache map[string]*Schema // nil value: subject confirmed absent
	group singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a registry client. It does not contact the registry.
func New(cfg Config, log logging.ServiceLogger, opts ...Option) *Registry {
	if log == nil {
		log = logging.NopLogger()
	}
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:   cfg,
		log:   log.With(logging.LogFields{"component": "schema_registry"}),
		cache: make(map[string]*Schema),
		stop:  make(chan struct{}),
	}
	r.client = &http.Client{Timeout: cfg.Timeout}
	for _, opt := range opts {
		opt(r)
	}

	// srclient keeps its own cache without a TTL; the sweep below owns expiry.
	sr := srclient.CreateSchemaRegistryClientWithOptions(cfg.URL, r.client, maxConcurrentRequests)
	sr.CachingEnabled(false)
	sr.CodecCreationEnabled(false)
	if cfg.APIKey != "" || cfg.APISecret != "" {
		sr.SetCredentials(cfg.APIKey, cfg.APISecret)
	}
	r.sr = sr
	return r
}

// Enabled reports whether a registry URL is configured.
func (r *Registry) Enabled() bool {
	return r != nil && r.cfg.URL != ""
}

// Subject returns the registry subject for topic.
func Subject(topic string) string {
	return topic + "-value"
}

// ValidateAndEncode validates buf against the topic schema and wraps it in the
// wire envelope. Any failure returns buf unchanged.
func (r *Registry) ValidateAndEncode(ctx context.Context, topic string, buf []byte) []byte {
	if !r.Enabled() {
		return buf
	}
	fields := logging.LogFields{"topic": topic, "direction": metrics.DirectionEncode}

	s, err := r.GetOrFetchSchema(ctx, topic)
	if err != nil {
		r.logLookupFailure(err, fields)
		return buf
	}

	value, err := jsoncodec.DecodeValue(buf)
	if err != nil {
		r.log.Error("payload is not valid JSON, sending unvalidated", errors.Wrap(errors.BadRequest, "schema.encode", err), fields)
		return buf
	}
	if err := s.Validate(value); err != nil {
		r.metrics.ValidationFailure(topic, metrics.DirectionEncode)
		r.log.Error("payload failed schema validation, sending unvalidated", errors.Wrap(errors.BadRequest, "schema.encode", err), fields)
		return buf
	}
	return wire.Encode(s.ID, buf)
}

// ValidateAndDecode unwraps the wire envelope and validates the inner payload.
// Validation failures are logged only. Buffers that are not envelopes are
// returned unchanged.
func (r *Registry) ValidateAndDecode(ctx context.Context, topic string, buf []byte) []byte {
	if !r.Enabled() {
		return buf
	}
	env, ok := wire.Decode(buf)
	if !ok || env.MagicByte != wire.MagicByte {
		return buf
	}
	fields := logging.LogFields{"topic": topic, "direction": metrics.DirectionDecode, "schema_id": env.SchemaID}

	s, err := r.GetOrFetchSchema(ctx, topic)
	if err != nil {
		r.logLookupFailure(err, fields)
		return env.Data
	}

	value, err := jsoncodec.DecodeValue(env.Data)
	if err != nil {
		r.log.Error("payload is not valid JSON", errors.Wrap(errors.BadRequest, "schema.decode", err), fields)
		return env.Data
	}
	if err := s.Validate(value); err != nil {
		r.metrics.ValidationFailure(topic, metrics.DirectionDecode)
		r.log.Error("payload failed schema validation", errors.Wrap(errors.BadRequest, "schema.decode", err), fields)
	}
	return env.Data
}

func (r *Registry) logLookupFailure(err error, fields logging.LogFields) {
	fields["error_code"] = errors.KindOf(err).String()
	if errors.IsKind(err, errors.NotFound) {
		r.log.Debug("no schema registered, passing payload through", fields)
		return
	}
	r.log.Error("schema lookup failed, passing payload through", err, fields)
}

// GetOrFetchSchema returns the cached schema for topic, fetching it on a miss.
// A subject confirmed absent is cached and reported as errors.NotFound without
// another request until the next sweep.
func (r *Registry) GetOrFetchSchema(ctx context.Context, topic string) (*Schema, error) {
	if !r.Enabled() {
		return nil, errors.New(errors.NotFound, "schema.lookup", "schema registry disabled")
	}

	r.mu.Lock()
	s, cached := r.cache[topic]
	r.mu.Unlock()
	if cached {
		if s == nil {
			return nil, notFound(topic)
		}
		return s, nil
	}

	// The lock is not held across the request. Concurrent misses for one topic
	// share a single fetch, which still fills the cache if ctx ends first.
	ch := r.group.DoChan(topic, func() (any, error) {
		s, err := r.fetch(topic)
		switch {
		case err == nil:
			r.store(topic, s)
		case errors.IsKind(err, errors.NotFound):
			r.store(topic, nil)
		}
		return s, err
	})
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ServerError, "schema.lookup", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Schema), nil
	}
}

func (r *Registry) store(topic string, s *Schema) {
	r.mu.Lock()
	r.cache[topic] = s
	r.mu.Unlock()
}

func notFound(topic string) error {
	return errors.New(errors.NotFound, "schema.lookup", "no schema for subject "+Subject(topic))
}

// fetch asks the registry for the latest schema of the topic subject. The
// request is bounded by Config.Timeout.
func (r *Registry) fetch(topic string) (*Schema, error) {
	const op = "schema.fetch"
	subject := Subject(topic)

	latest, err := r.sr.GetLatestSchema(subject)
	if err != nil {
		return nil, classify(op, topic, err)
	}
	if st := latest.SchemaType(); st != nil && *st != srclient.Json {
		return nil, errors.Wrap(errors.ServerError, op, fmt.Errorf("unsupported schema type %q", *st))
	}

	compiled, err := jsonschema.CompileString(subject+".json", latest.Schema())
	if err != nil {
		return nil, errors.Wrap(errors.ServerError, op, err)
	}

	r.log.Debug("schema fetched", logging.LogFields{"subject": subject, "schema_id": latest.ID(), "version": latest.Version()})
	return &Schema{
		ID:       int32(latest.ID()),
		Subject:  subject,
		Version:  latest.Version(),
		Raw:      latest.Schema(),
		compiled: compiled,
	}, nil
}

// classify maps a srclient failure onto an error kind. Registry error bodies
// carry codes such as 40401; bodies that are not JSON surface as the bare HTTP
// status line. Anything else is a transport or decode failure.
func classify(op, topic string, err error) error {
	var regErr srclient.Error
	if stderrors.As(err, &regErr) {
		if regErr.Code == http.StatusNotFound || regErr.Code/100 == http.StatusNotFound {
			return notFound(topic)
		}
		return errors.Wrap(errors.BadGateway, op, err)
	}
	if status, ok := statusLine(err.Error()); ok {
		if status == http.StatusNotFound {
			return notFound(topic)
		}
		return errors.Wrap(errors.BadGateway, op, err)
	}
	return errors.Wrap(errors.ServerError, op, err)
}

func statusLine(msg string) (int, bool) {
	code, text, found := strings.Cut(msg, " ")
	n, err := strconv.Atoi(code)
	if !found || err != nil || text != http.StatusText(n) {
		return 0, false
	}
	return n, true
}

// Start clears the whole cache every CacheTTL until ctx is done or Close is
// called. It is a no-op on a disabled registry.
func (r *Registry) Start(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	go func() {
		ticker := time.NewTicker(r.cfg.CacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Purge()
			}
		}
	}()
}

// Purge drops every cached entry, including confirmed-absent subjects.
func (r *Registry) Purge() {
	if r == nil {
		return
	}
	r.mu.Lock()
	n := len(r.cache)
	r.cache = make(map[string]*Schema)
	r.mu.Unlock()
	if n > 0 {
		r.log.Debug("schema cache cleared", logging.LogFields{"entries": n})
	}
}

// Len reports the number of cached entries.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Close stops the sweeper. Safe to call more than once.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}
