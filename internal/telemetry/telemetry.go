// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the schema-validated event sink used across all
// operations. Events map onto a structured log line, a counter increment, and
// span attributes against abstract OpenTelemetry backends; the exporter is
// intentionally out of scope.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ErrSchemaViolation is returned when an event payload does not satisfy its
// registered schema, or when the event name was never registered.
var ErrSchemaViolation = errors.New("telemetry schema violation")

// Schema declares the payload contract for one named event.
type Schema struct {
	Name     string
	Required []string
	Optional []string
}

// Severity of a structured event.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Sink validates and dispatches telemetry events. All methods are safe for
// concurrent use; only schema registration is serialized.
type Sink struct {
	enabled bool
	logger  *zap.Logger
	tracer  trace.Tracer
	meter   metric.Meter

	mu       sync.RWMutex
	schemas  map[string]Schema
	counters map[string]metric.Int64Counter
	histos   map[string]metric.Float64Histogram
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithTracer sets the tracer backend.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sink) { s.tracer = t }
}

// WithMeter sets the meter backend.
func WithMeter(m metric.Meter) Option {
	return func(s *Sink) { s.meter = m }
}

// NewSink returns an enabled sink. Absent options, the global otel providers
// and a no-op logger are used.
func NewSink(opts ...Option) *Sink {
	s := &Sink{
		enabled:  true,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("hephaestus"),
		meter:    otel.Meter("hephaestus"),
		schemas:  make(map[string]Schema),
		counters: make(map[string]metric.Int64Counter),
		histos:   make(map[string]metric.Float64Histogram),
	}
	for _, o := range opts {
		o(s)
	}
	RegisterDefaults(s)
	return s
}

// NewDisabled returns a sink whose every method is a cheap no-op.
func NewDisabled() *Sink {
	return &Sink{
		enabled: false,
		logger:  zap.NewNop(),
		tracer:  tracenoop.NewTracerProvider().Tracer("hephaestus"),
		meter:   metricnoop.NewMeterProvider().Meter("hephaestus"),
	}
}

// Enabled reports whether the sink dispatches events.
func (s *Sink) Enabled() bool { return s.enabled }

// Register adds event schemas. Re-registering a name replaces the schema.
func (s *Sink) Register(schemas ...Schema) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range schemas {
		s.schemas[sc.Name] = sc
	}
}

func (s *Sink) validate(name string, payload map[string]any) error {
	s.mu.RLock()
	schema, ok := s.schemas[name]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrSchemaViolation, "unregistered event %q", name)
	}
	for _, key := range schema.Required {
		if _, present := payload[key]; !present {
			return errors.Wrapf(ErrSchemaViolation, "event %q missing required key %q", name, key)
		}
	}
	allowed := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, key := range schema.Required {
		allowed[key] = true
	}
	for _, key := range schema.Optional {
		allowed[key] = true
	}
	for key := range payload {
		if !allowed[key] {
			return errors.Wrapf(ErrSchemaViolation, "event %q has undeclared key %q", name, key)
		}
	}
	return nil
}

// Emit validates payload against the registered schema for name, enriches it
// with the operation identity from ctx, and dispatches. Backend failures are
// never surfaced; only a schema violation produces an error.
func (s *Sink) Emit(ctx context.Context, name string, severity Severity, payload map[string]any) error {
	if !s.enabled {
		return nil
	}
	if err := s.validate(name, payload); err != nil {
		return err
	}
	id := IdentityFromContext(ctx)
	fields := make([]zap.Field, 0, len(payload)+3)
	fields = append(fields,
		zap.String("run_id", id.RunID),
		zap.String("operation_id", id.OperationID),
		zap.String("operation", id.Operation))
	attrs := make([]attribute.KeyValue, 0, len(payload))
	for key, val := range payload {
		fields = append(fields, zap.Any(key, val))
		attrs = append(attrs, anyAttribute(key, val))
	}
	switch severity {
	case SeverityDebug:
		s.logger.Debug(name, fields...)
	case SeverityWarn:
		s.logger.Warn(name, fields...)
	case SeverityError:
		s.logger.Error(name, fields...)
	default:
		s.logger.Info(name, fields...)
	}
	s.counter(name).Add(ctx, 1, metric.WithAttributes(attrs...))
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
	return nil
}

// Observe records a duration observation on the named histogram.
func (s *Sink) Observe(ctx context.Context, name string, d time.Duration) {
	if !s.enabled {
		return
	}
	s.histogram(name).Record(ctx, d.Seconds())
}

// StartTimer returns a stop function recording elapsed time on the named
// histogram. Timers record even when the timed step fails.
func (s *Sink) StartTimer(ctx context.Context, name string) func() {
	if !s.enabled {
		return func() {}
	}
	start := time.Now()
	return func() { s.Observe(ctx, name, time.Since(start)) }
}

// StartSpan opens a span for one operation stage.
func (s *Sink) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

func (s *Sink) counter(name string) metric.Int64Counter {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c, err := s.meter.Int64Counter(name)
	if err != nil {
		// Backend errors must never fail the caller.
		s.logger.Warn("counter registration failed", zap.String("name", name), zap.Error(err))
		c, _ = metricnoop.NewMeterProvider().Meter("hephaestus").Int64Counter(name)
	}
	s.counters[name] = c
	return c
}

func (s *Sink) histogram(name string) metric.Float64Histogram {
	s.mu.RLock()
	h, ok := s.histos[name]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histos[name]; ok {
		return h
	}
	h, err := s.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		s.logger.Warn("histogram registration failed", zap.String("name", name), zap.Error(err))
		h, _ = metricnoop.NewMeterProvider().Meter("hephaestus").Float64Histogram(name)
	}
	s.histos[name] = h
	return h
}

func anyAttribute(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
