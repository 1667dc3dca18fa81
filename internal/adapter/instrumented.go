package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/gatez/internal/core"
)

const tracerName = "github.com/matt-riley/gatez/internal/adapter"

// Observer records the outcome of one adapter call.
type Observer interface {
	ObserveAdapter(adapter, operation string, err error, elapsed time.Duration)
}

// Instrumented wraps an adapter with a span and an Observer call per
// operation.
type Instrumented struct {
	inner    Adapter
	observer Observer
	tracer   trace.Tracer
}

// NewInstrumented wraps inner. observer may be nil.
func NewInstrumented(inner Adapter, observer Observer) *Instrumented {
	return &Instrumented{
		inner:    inner,
		observer: observer,
		tracer:   otel.Tracer(tracerName),
	}
}

// Unwrap returns the wrapped adapter.
func (i *Instrumented) Unwrap() Adapter { return i.inner }

func (i *Instrumented) Name() string { return i.inner.Name() }

// SubscribeInvalidation forwards to the wrapped adapter when it supports
// invalidation, so decorators stacked above still see it.
func (i *Instrumented) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	subscriber, ok := i.inner.(InvalidationSubscriber)
	if !ok {
		return nil, nil
	}
	return subscriber.SubscribeInvalidation(ctx)
}

func (i *Instrumented) Features(ctx context.Context) (keys []string, err error) {
	ctx, done := i.start(ctx, "features")
	defer func() { done(err) }()
	return i.inner.Features(ctx)
}

func (i *Instrumented) Add(ctx context.Context, key string) (err error) {
	ctx, done := i.start(ctx, "add", attribute.String("feature.key", key))
	defer func() { done(err) }()
	return i.inner.Add(ctx, key)
}

func (i *Instrumented) Remove(ctx context.Context, key string) (err error) {
	ctx, done := i.start(ctx, "remove", attribute.String("feature.key", key))
	defer func() { done(err) }()
	return i.inner.Remove(ctx, key)
}

func (i *Instrumented) Clear(ctx context.Context, key string) (err error) {
	ctx, done := i.start(ctx, "clear", attribute.String("feature.key", key))
	defer func() { done(err) }()
	return i.inner.Clear(ctx, key)
}

func (i *Instrumented) Get(ctx context.Context, key string) (values core.GateValues, err error) {
	ctx, done := i.start(ctx, "get", attribute.String("feature.key", key))
	defer func() { done(err) }()
	return i.inner.Get(ctx, key)
}

func (i *Instrumented) GetMulti(ctx context.Context, keys []string) (values map[string]core.GateValues, err error) {
	ctx, done := i.start(ctx, "get_multi", attribute.Int("feature.count", len(keys)))
	defer func() { done(err) }()
	return i.inner.GetMulti(ctx, keys)
}

func (i *Instrumented) GetAll(ctx context.Context) (values map[string]core.GateValues, err error) {
	ctx, done := i.start(ctx, "get_all")
	defer func() { done(err) }()
	return i.inner.GetAll(ctx)
}

func (i *Instrumented) Enable(ctx context.Context, key string, gate core.Gate, value string) (err error) {
	ctx, done := i.start(ctx, "enable", attribute.String("feature.key", key), attribute.String("gate.key", string(gate.Key)))
	defer func() { done(err) }()
	return i.inner.Enable(ctx, key, gate, value)
}

func (i *Instrumented) Disable(ctx context.Context, key string, gate core.Gate, value string) (err error) {
	ctx, done := i.start(ctx, "disable", attribute.String("feature.key", key), attribute.String("gate.key", string(gate.Key)))
	defer func() { done(err) }()
	return i.inner.Disable(ctx, key, gate, value)
}

func (i *Instrumented) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("adapter.name", i.inner.Name()))
	ctx, span := i.tracer.Start(ctx, "adapter."+operation, trace.WithAttributes(attrs...))
	started := time.Now()

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if i.observer != nil {
			i.observer.ObserveAdapter(i.inner.Name(), operation, err, time.Since(started))
		}
	}
}
