package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	configpkg "github.com/drblury/msgbridge/internal/runtime/config"
	"github.com/drblury/msgbridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/internal/runtime/message"
	"github.com/drblury/msgbridge/internal/runtime/metrics"
	"github.com/drblury/msgbridge/internal/runtime/schema"
	"github.com/drblury/msgbridge/transport"
)

const tracerName = "github.com/drblury/msgbridge"

var (
	listenAndServe = func(srv *http.Server) error {
		return srv.ListenAndServe()
	}
	httpShutdownTimeout = 5 * time.Second
)

// Handler processes one message. Returned errors are logged and counted; they
// never stop the dispatch loop.
type Handler func(ctx context.Context, msg message.Message) error

// ServiceDependencies holds the collaborators of a Service. Either Client or
// Registry must be set.
type ServiceDependencies struct {
	// Client is used as is when set.
	Client transport.Client
	// Registry builds the client for Conf.Backend when Client is nil.
	Registry *transport.Registry
	Handler  Handler
	Hooks    JobHooks
	// Registerer receives the metrics collectors. Defaults to the Prometheus
	// default registerer.
	Registerer prometheus.Registerer
	// Clients is the set consulted by Reply. The service's own client is
	// added to it.
	Clients *transport.Clients
	// Schema overrides the registry built from the SchemaRegistry* settings.
	Schema *schema.Registry
}

// Service subscribes to the configured topics and dispatches every message to
// the handler with bounded concurrency.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	client  transport.Client
	clients *transport.Clients
	handler Handler
	hooks   JobHooks
	metrics *metrics.Collector
	schema  *schema.Registry
	tracer  trace.Tracer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	inFlight sync.WaitGroup
}

// NewService validates conf, builds the client when needed and registers
// metrics.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	const op = "service.new"
	if conf == nil {
		return nil, errors.Wrap(errors.BadRequest, op, errors.ErrConfigRequired)
	}
	if log == nil {
		return nil, errors.Wrap(errors.BadRequest, op, errors.ErrLoggerRequired)
	}
	if deps.Handler == nil {
		return nil, errors.Wrap(errors.BadRequest, op, errors.ErrHandlerRequired)
	}
	if deps.Client == nil && deps.Registry == nil {
		return nil, errors.Wrap(errors.BadRequest, op, errors.ErrClientRequired)
	}

	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errors.NewConfigValidationError(err)
	}
	log = log.With(loggingpkg.LogFields{"service": c.ServiceName})
	log.Info("Creating service", loggingpkg.LogFields{
		"backend": c.Backend,
		"topics":  c.Topics,
		"config":  c.String(),
	})

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	collector := metrics.New(registerer)
	if err := collector.Register(); err != nil {
		return nil, errors.Wrap(errors.ServerError, op, err)
	}

	registry := deps.Schema
	if registry == nil && c.SchemaRegistryURL != "" {
		registry = schema.New(schema.Config{
			URL:       c.SchemaRegistryURL,
			APIKey:    c.SchemaRegistryAPIKey,
			APISecret: c.SchemaRegistryAPISecret,
			CacheTTL:  c.SchemaRegistryCacheTTL,
			Timeout:   c.SchemaRegistryTimeout,
		}, log, schema.WithMetrics(collector))
	}

	client := deps.Client
	if client == nil {
		built, err := deps.Registry.Build(context.Background(), &c, transport.Deps{
			Logger:  log,
			Schema:  registry,
			Metrics: collector,
		})
		if err != nil {
			return nil, err
		}
		client = built
	}

	clients := deps.Clients
	if clients == nil {
		clients = transport.NewClients()
	}
	if _, ok := clients.Get(client.Name()); !ok {
		clients.Add(client)
	}

	s := &Service{
		Conf:    &c,
		Logger:  log,
		client:  client,
		clients: clients,
		handler: deps.Handler,
		hooks:   deps.Hooks,
		metrics: collector,
		schema:  registry,
		tracer:  otel.Tracer(tracerName),
	}

	if c.MetricsEnabled && c.MetricsPort > 0 {
		gatherer := prometheus.DefaultGatherer
		if g, ok := registerer.(prometheus.Gatherer); ok {
			gatherer = g
		}
		s.RegisterHTTPHandler(c.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		s.registerStatsHandler(c.MetricsPort)
	}
	return s, nil
}

// MustNewService is NewService that panics on error.
func MustNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := NewService(conf, log, deps)
	if err != nil {
		panic(fmt.Sprintf("msgbridge: %v", err))
	}
	return s
}

// Client returns the client the service consumes from.
func (s *Service) Client() transport.Client { return s.client }

// Clients returns the set used by Reply.
func (s *Service) Clients() *transport.Clients { return s.clients }

// Metrics returns the service's collector.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Send publishes msg through the service's client.
func (s *Service) Send(ctx context.Context, topic string, msg message.Message) error {
	return s.client.Send(ctx, topic, msg)
}

// Reply answers original through the client named in its reply address.
func (s *Service) Reply(ctx context.Context, original, response message.Message) error {
	return transport.Reply(ctx, s.clients, original, response)
}

// Start subscribes to the configured topics and dispatches messages until ctx
// ends or the stream closes. A subscribe failure is returned. On shutdown it
// waits up to DrainTimeout for running handlers.
func (s *Service) Start(ctx context.Context) error {
	stream, err := s.client.Subscribe(ctx, s.Conf.Topics)
	if err != nil {
		s.Logger.Error("Subscribe failed", err, loggingpkg.LogFields{"topics": s.Conf.Topics})
		return err
	}
	if s.schema != nil {
		s.schema.Start(ctx)
	}
	s.startHTTPServers(ctx)
	s.Logger.Info("Service started", loggingpkg.LogFields{
		"topics":        s.Conf.Topics,
		"max_in_flight": s.Conf.MaxInFlight,
	})

	// Handlers outlive ctx until the drain deadline.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	sem := semaphore.NewWeighted(int64(s.Conf.MaxInFlight))
	s.loop(ctx, handlerCtx, stream, sem)
	return s.drain(cancelHandlers)
}

func (s *Service) loop(ctx, handlerCtx context.Context, stream <-chan message.Message, sem *semaphore.Weighted) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				s.Logger.Info("Message stream closed", nil)
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				// The client has already acked msg: it joins the drain.
				s.inFlight.Add(1)
				go s.dispatchPending(handlerCtx, msg, sem)
				return
			}
			s.inFlight.Add(1)
			go func() {
				defer s.inFlight.Done()
				defer sem.Release(1)
				s.dispatch(handlerCtx, msg)
			}()
		}
	}
}

// dispatchPending waits for a free slot for a message received during
// shutdown. It gives up only when the drain times out.
func (s *Service) dispatchPending(handlerCtx context.Context, msg message.Message, sem *semaphore.Weighted) {
	defer s.inFlight.Done()
	if err := sem.Acquire(handlerCtx, 1); err != nil {
		s.Logger.Error("Message dropped after drain timeout", err, loggingpkg.LogFields{
			"service": s.Conf.ServiceName,
			"topic":   msg.Topic(),
		})
		return
	}
	defer sem.Release(1)
	s.dispatch(handlerCtx, msg)
}

func (s *Service) drain(cancelHandlers context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.Logger.Info("Service stopped", nil)
		return nil
	case <-time.After(s.Conf.DrainTimeout):
		cancelHandlers()
		err := errors.New(errors.ServerError, "service.drain",
			fmt.Sprintf("handlers still running after %s", s.Conf.DrainTimeout))
		s.Logger.Error("Drain timed out", err, nil)
		return err
	}
}

// dispatch runs the handler for one message inside a consumer span.
func (s *Service) dispatch(ctx context.Context, msg message.Message) {
	service, topic := s.Conf.ServiceName, msg.Topic()

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata()))
	ctx, span := s.tracer.Start(ctx, "msgbridge.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", s.client.Name()),
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.message.body.size", msg.Length()),
		),
	)
	defer span.End()

	s.metrics.HandlerStarted(service)
	defer s.metrics.HandlerFinished(service)

	jobCtx := newJobContext(ctx, service, msg)
	err := s.hooks.run(jobCtx, func() error {
		return s.invoke(ctx, msg)
	})
	s.metrics.ObserveHandler(service, topic, time.Since(jobCtx.StartedAt))
	s.metrics.MessageDispatched(service, topic)

	if err != nil {
		kind := errors.KindOf(err)
		category := kind.Category()
		span.RecordError(err)
		s.metrics.DispatchError(service, topic, string(category))
		s.Logger.Error("Handler failed", err, loggingpkg.LogFields{
			"service":    service,
			"topic":      topic,
			"error_code": kind.String(),
			"category":   string(category),
		})
	}
}

// invoke calls the handler and turns a panic into a ServerError.
func (s *Service) invoke(ctx context.Context, msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ServerError, "service.handler", fmt.Sprintf("panic: %v", r))
		}
	}()
	return s.handler(ctx, msg)
}

// Close closes the service's client and stops the schema cache sweeper.
func (s *Service) Close() error {
	var errs []error
	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.schema != nil {
		if err := s.schema.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on a server listening on port. Servers
// start with Start and shut down when its context ends.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := listenAndServe(srv); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
}
