// Package metrics exposes the Prometheus collectors shared by the dispatch
// loop, the client adapters and the schema registry. Recording methods are
// safe on a nil *Collector.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msgbridge"

// Collector tracks dispatch, send and schema statistics.
type Collector struct {
	mu sync.RWMutex

	topicCounts map[string]*TopicMetrics

	messagesTotal      *prometheus.CounterVec
	dispatchErrors     *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec
	inFlight           *prometheus.GaugeVec
	sendFailures       *prometheus.CounterVec
	validationFailures *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// TopicMetrics holds the in-process counters for one topic.
type TopicMetrics struct {
	MessagesDispatched uint64    `json:"messages_dispatched"`
	DispatchErrors     uint64    `json:"dispatch_errors"`
	SendFailures       uint64    `json:"send_failures"`
	ValidationFailures uint64    `json:"validation_failures"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
}

// Snapshot provides a point-in-time view of all topics.
type Snapshot struct {
	TotalDispatched uint64                   `json:"total_dispatched"`
	TotalErrors     uint64                   `json:"total_errors"`
	TopicMetrics    map[string]*TopicMetrics `json:"topic_metrics"`
	CollectedAt     time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates a collector. A nil registerer uses the Prometheus default.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		topicCounts:    make(map[string]*TopicMetrics),
		registerer:     registerer,
		messagesTotal:  newCounterVec("messages_total", "Total number of messages handed to the handler", []string{"service", "topic"}),
		dispatchErrors: newCounterVec("dispatch_errors_total", "Total number of handler failures", []string{"service", "topic", "category"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "topic"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight",
				Help:      "Number of handlers currently running",
			},
			[]string{"service"},
		),
		sendFailures:       newCounterVec("send_failures_total", "Total number of publish failures swallowed by Send", []string{"backend", "topic"}),
		validationFailures: newCounterVec("schema_validation_failures_total", "Total number of payloads that failed schema validation", []string{"topic", "direction"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.messagesTotal,
		c.dispatchErrors,
		c.handlerDuration,
		c.inFlight,
		c.sendFailures,
		c.validationFailures,
	}

	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// MessageDispatched counts a message handed to the handler.
func (c *Collector) MessageDispatched(service, topic string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tm := c.getOrCreateTopicMetrics(topic)
	tm.MessagesDispatched++
	tm.LastUpdatedAt = time.Now()
	c.messagesTotal.WithLabelValues(service, topic).Inc()
}

// DispatchError counts a handler failure under its error category.
func (c *Collector) DispatchError(service, topic, category string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tm := c.getOrCreateTopicMetrics(topic)
	tm.DispatchErrors++
	tm.LastUpdatedAt = time.Now()
	c.dispatchErrors.WithLabelValues(service, topic, category).Inc()
}

// ObserveHandler records how long a handler ran.
func (c *Collector) ObserveHandler(service, topic string, d time.Duration) {
	if c == nil {
		return
	}
	c.handlerDuration.WithLabelValues(service, topic).Observe(d.Seconds())
}

// HandlerStarted and HandlerFinished track the in-flight gauge.
func (c *Collector) HandlerStarted(service string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(service).Inc()
}

func (c *Collector) HandlerFinished(service string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(service).Dec()
}

// SendFailure counts a publish failure on backend.
func (c *Collector) SendFailure(backend, topic string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tm := c.getOrCreateTopicMetrics(topic)
	tm.SendFailures++
	tm.LastUpdatedAt = time.Now()
	c.sendFailures.WithLabelValues(backend, topic).Inc()
}

// Direction labels for ValidationFailure.
const (
	DirectionEncode = "encode"
	DirectionDecode = "decode"
)

// ValidationFailure counts a payload rejected by its schema.
func (c *Collector) ValidationFailure(topic, direction string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tm := c.getOrCreateTopicMetrics(topic)
	tm.ValidationFailures++
	tm.LastUpdatedAt = time.Now()
	c.validationFailures.WithLabelValues(topic, direction).Inc()
}

// GetSnapshot returns a point-in-time snapshot of all topic metrics.
func (c *Collector) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		TopicMetrics: make(map[string]*TopicMetrics),
		CollectedAt:  time.Now(),
	}
	if c == nil {
		return snapshot
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for topic, tm := range c.topicCounts {
		cp := *tm
		snapshot.TopicMetrics[topic] = &cp
		snapshot.TotalDispatched += tm.MessagesDispatched
		snapshot.TotalErrors += tm.DispatchErrors
	}
	return snapshot
}

// GetTopicMetrics returns a copy of the metrics for topic, or nil.
func (c *Collector) GetTopicMetrics(topic string) *TopicMetrics {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if tm, ok := c.topicCounts[topic]; ok {
		cp := *tm
		return &cp
	}
	return nil
}

func (c *Collector) getOrCreateTopicMetrics(topic string) *TopicMetrics {
	if tm, ok := c.topicCounts[topic]; ok {
		return tm
	}
	tm := &TopicMetrics{}
	c.topicCounts[topic] = tm
	return tm
}

// Reset resets all metrics (useful for testing).
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.topicCounts = make(map[string]*TopicMetrics)
	c.messagesTotal.Reset()
	c.dispatchErrors.Reset()
	c.handlerDuration.Reset()
	c.inFlight.Reset()
	c.sendFailures.Reset()
	c.validationFailures.Reset()
}
