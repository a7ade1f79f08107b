/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package otelgo

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Attributes struct {
	Method string
	Status string
	// Mode is the transaction mode the operation ran in.
	Mode string
}

var (
	attributeKeyDatabase = attribute.Key("database")
	attributeKeyMethod   = attribute.Key("method")
	attributeKeyStatus   = attribute.Key("status")
	attributeKeyInstance = attribute.Key("instance")
	attributeKeyMode     = attribute.Key("mode")
)

// OTelConfig holds configuration for OpenTelemetry.
type OTelConfig struct {
	TraceEnabled         bool
	MetricEnabled        bool
	TracerEndpoint       string
	MetricEndpoint       string
	ServiceName          string
	TraceSampleRatio     float64
	OTELEnabled          bool
	Database             string
	Instance             string
	HealthCheckEnabled   bool
	HealthCheckEp        string
	ServiceVersion       string
	ServiceInstanceIDKey string
}

const (
	requestCountMetric = "spanner/spannerlib/request_count"
	latencyMetric      = "spanner/spannerlib/roundtrip_latencies"
	attemptsMetric     = "spanner/spannerlib/transaction_attempts"
)

// OpenTelemetry provides methods to setup tracing and metrics.
type OpenTelemetry struct {
	Config         *OTelConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	requestCount   metric.Int64Counter   // Default noop
	requestLatency metric.Int64Histogram // Default noop
	attempts       metric.Int64Histogram // Default noop
	Logger         *zap.Logger
	attributeMap   []attribute.KeyValue
}

// Disabled returns an instance that records nothing.
func Disabled() *OpenTelemetry {
	return &OpenTelemetry{Config: &OTelConfig{}, Logger: zap.NewNop()}
}

// NewOpenTelemetry creates and initializes a new instance of OpenTelemetry, including
// its Tracer and Meter providers exporting over OTLP gRPC.
func NewOpenTelemetry(ctx context.Context, config *OTelConfig, logger *zap.Logger) (*OpenTelemetry, func(context.Context) error, error) {
	logger = utilities.GetOrCreateNopLogger(logger)
	if !config.OTELEnabled {
		return &OpenTelemetry{Config: config, Logger: logger}, func(context.Context) error { return nil }, nil
	}

	if config.HealthCheckEnabled {
		resp, err := http.Get("http://" + config.HealthCheckEp)
		if err != nil {
			return nil, nil, err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, nil, errors.New("OTEL collector service is not up and running")
		}
		logger.Info("OTEL health check COMPLETE")
	}

	res := createResource(ctx, config)
	var tp *sdktrace.TracerProvider
	var mp *sdkmetric.MeterProvider
	var err error
	if config.TraceEnabled {
		tp, err = initTracerProvider(ctx, config, res)
		if err != nil {
			logger.Error("error while initializing the tracer provider", zap.Error(err))
			return nil, nil, err
		}
		otel.SetTracerProvider(tp)
	}
	if config.MetricEnabled {
		mp, err = initMeterProvider(ctx, config, res)
		if err != nil {
			logger.Error("error while initializing the meter provider", zap.Error(err))
			return nil, nil, err
		}
		otel.SetMeterProvider(mp)
	}
	return NewWithProviders(config, tp, mp, logger)
}

// NewWithProviders builds an instance on top of existing providers. A nil
// provider falls back to the global one.
func NewWithProviders(config *OTelConfig, tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider, logger *zap.Logger) (*OpenTelemetry, func(context.Context) error, error) {
	o := &OpenTelemetry{
		Config:         config,
		TracerProvider: tp,
		MeterProvider:  mp,
		Logger:         utilities.GetOrCreateNopLogger(logger),
		attributeMap: []attribute.KeyValue{
			attributeKeyInstance.String(config.Instance),
			attributeKeyDatabase.String(config.Database),
		},
	}
	var shutdownFuncs []func(context.Context) error
	if tp != nil {
		o.Tracer = tp.Tracer(config.ServiceName)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	} else {
		o.Tracer = otel.GetTracerProvider().Tracer(config.ServiceName)
	}
	if mp != nil {
		o.Meter = mp.Meter(config.ServiceName)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	} else {
		o.Meter = otel.GetMeterProvider().Meter(config.ServiceName)
	}
	shutdown := shutdownOpenTelemetryComponents(shutdownFuncs)

	var err error
	o.requestCount, err = o.Meter.Int64Counter(requestCountMetric, metric.WithDescription("Records metric for number of requests"), metric.WithUnit("1"))
	if err != nil {
		o.Logger.Error("error during registering instrument for metric "+requestCountMetric, zap.Error(err))
		return o, shutdown, err
	}
	o.requestLatency, err = o.Meter.Int64Histogram(latencyMetric,
		metric.WithDescription("Records latency for all operations"),
		metric.WithExplicitBucketBoundaries(0.0, 0.0010, 0.0013, 0.0016, 0.0020, 0.0024, 0.0031, 0.0038, 0.0048, 0.0060,
			0.0075, 0.0093, 0.0116, 0.0146, 0.0182, 0.0227, 0.0284, 0.0355, 0.0444, 0.0555, 0.0694, 0.0867,
			0.1084, 0.1355, 0.1694, 0.2118, 0.2647, 0.3309, 0.4136, 0.5170, 0.6462, 0.8078, 1.0097, 1.2622,
			1.5777, 1.9722, 2.4652, 3.0815, 3.8519, 4.8148, 6.0185, 7.5232, 9.4040, 11.7549, 14.6937, 18.3671,
			22.9589, 28.6986, 35.8732, 44.8416, 56.0519, 70.0649, 87.5812, 109.4764, 136.8456, 171.0569, 213.8212,
			267.2765, 334.0956, 417.6195, 522.0244, 652.5304),
		metric.WithUnit("ms"))
	if err != nil {
		o.Logger.Error("error during registering instrument for metric "+latencyMetric, zap.Error(err))
		return o, shutdown, err
	}
	o.attempts, err = o.Meter.Int64Histogram(attemptsMetric,
		metric.WithDescription("Records the number of attempts a transaction needed"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10, 20),
		metric.WithUnit("1"))
	if err != nil {
		o.Logger.Error("error during registering instrument for metric "+attemptsMetric, zap.Error(err))
		return o, shutdown, err
	}
	return o, shutdown, nil
}

// shutdownOpenTelemetryComponents cleanly shuts down all OpenTelemetry components initialized.
func shutdownOpenTelemetryComponents(shutdownFuncs []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var shutdownErr error
		for _, shutdownFunc := range shutdownFuncs {
			if err := shutdownFunc(ctx); err != nil {
				shutdownErr = err
			}
		}
		return shutdownErr
	}
}

// initTracerProvider configures a gRPC exporter for trace data, pointing to
// the configured TracerEndpoint.
func initTracerProvider(ctx context.Context, config *OTelConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	sampler := sdktrace.TraceIDRatioBased(config.TraceSampleRatio)
	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.TracerEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

// initMeterProvider sets up a gRPC exporter for metrics data, targeting the
// configured MetricEndpoint.
func initMeterProvider(ctx context.Context, config *OTelConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	me, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.MetricEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	// Drop the gRPC client metrics of the Spanner channel.
	views := []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "rpc.client.*"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationDrop{}},
		)}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(me)),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(views...),
	), nil
}

func createResource(ctx context.Context, config *OTelConfig) *resource.Resource {
	serviceInstanceID := uuid.New().String()
	if config.ServiceInstanceIDKey != "" {
		serviceInstanceID = config.ServiceInstanceIDKey
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceInstanceIDKey.String(serviceInstanceID),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceInstanceIDKey.String(serviceInstanceID),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		)
	}
	return res
}

func (o *OpenTelemetry) tracing() bool {
	return o.Config.OTELEnabled && o.Config.TraceEnabled
}

func (o *OpenTelemetry) metrics() bool {
	return o.Config.OTELEnabled && o.Config.MetricEnabled
}

// StartSpan starts a new span as a child of the span in ctx. When tracing is
// disabled it returns ctx and the span already in it.
func (o *OpenTelemetry) StartSpan(ctx context.Context, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if !o.tracing() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError sets the span status from err.
func (o *OpenTelemetry) RecordError(span trace.Span, err error) {
	if !o.tracing() {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// EndSpan stops the span.
func (o *OpenTelemetry) EndSpan(span trace.Span) {
	if !o.tracing() {
		return
	}
	span.End()
}

func (o *OpenTelemetry) attrs(a Attributes, withStatus bool) []attribute.KeyValue {
	attr := append([]attribute.KeyValue(nil), o.attributeMap...)
	attr = append(attr, attributeKeyMethod.String(a.Method), attributeKeyMode.String(a.Mode))
	if withStatus {
		attr = append(attr, attributeKeyStatus.String(a.Status))
	}
	return attr
}

// RecordLatencyMetric records the time elapsed since start.
func (o *OpenTelemetry) RecordLatencyMetric(ctx context.Context, start time.Time, attrs Attributes) {
	if !o.metrics() {
		return
	}
	o.requestLatency.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(o.attrs(attrs, false)...))
}

// RecordRequestCountMetric counts one request.
func (o *OpenTelemetry) RecordRequestCountMetric(ctx context.Context, attrs Attributes) {
	if !o.metrics() {
		return
	}
	o.requestCount.Add(ctx, 1, metric.WithAttributes(o.attrs(attrs, true)...))
}

// RecordAttemptsMetric records how many attempts a finished transaction took.
func (o *OpenTelemetry) RecordAttemptsMetric(ctx context.Context, attempts int, attrs Attributes) {
	if !o.metrics() {
		return
	}
	o.attempts.Record(ctx, int64(attempts), metric.WithAttributes(o.attrs(attrs, true)...))
}

// AddAnnotation add event to the span of the given ctx.
func AddAnnotation(ctx context.Context, event string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(event)
}

// AddAnnotationWithAttr add event to the span of the given ctx with the necessary attributes.
func AddAnnotationWithAttr(ctx context.Context, event string, attr []attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(event, trace.WithAttributes(attr...))
}
