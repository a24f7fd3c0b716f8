package runtime

import (
	"context"
	"time"

	"github.com/drblury/msgbridge/internal/runtime/logging"
	"github.com/drblury/msgbridge/internal/runtime/message"
)

// JobContext provides information about a dispatched message to hooks.
type JobContext struct {
	// Service is the name of the service dispatching the message.
	Service string
	// Topic is the topic the message was received from.
	Topic string
	// Metadata contains a copy of the message headers.
	Metadata message.Metadata
	// PayloadSize is the payload length in bytes.
	PayloadSize int
	// Context is the context the handler runs with.
	Context context.Context
	// StartedAt is when the handler started.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the handler returns nil.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the handler returns an error or panics.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func newJobContext(ctx context.Context, service string, msg message.Message) JobContext {
	return JobContext{
		Service:     service,
		Topic:       msg.Topic(),
		Metadata:    msg.Metadata(),
		PayloadSize: msg.Length(),
		Context:     ctx,
		StartedAt:   time.Now(),
	}
}

// run wraps fn with the lifecycle hooks.
func (h JobHooks) run(jobCtx JobContext, fn func() error) error {
	if h.OnJobStart != nil {
		h.OnJobStart(jobCtx)
	}

	err := fn()
	jobCtx.Duration = time.Since(jobCtx.StartedAt)

	if err != nil {
		if h.OnJobError != nil {
			h.OnJobError(jobCtx, err)
		}
		return err
	}
	if h.OnJobDone != nil {
		h.OnJobDone(jobCtx)
	}
	return nil
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", logging.LogFields{
				"service":      ctx.Service,
				"topic":        ctx.Topic,
				"payload_size": ctx.PayloadSize,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", logging.LogFields{
				"service":     ctx.Service,
				"topic":       ctx.Topic,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"service":     ctx.Service,
				"topic":       ctx.Topic,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward job events to counters.
func MetricsHooks(onStart, onDone, onError func(service, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Service, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Service, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Service, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
