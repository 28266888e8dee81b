// Package traces records OpenTelemetry spans for certificate issuance and
// verification. Spans carry the certificate serial and the hour entry behind
// it so one slow verification can be followed from the handler into the
// store and the anchoring RPC.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/voltrust"

// Span attribute keys. All live under the voltrust namespace so they do not
// collide with semantic-convention keys set by instrumentation libraries.
const (
	keySerial    = attribute.Key("voltrust.certificate.serial")
	keyEntry     = attribute.Key("voltrust.hour_entry.id")
	keyVolunteer = attribute.Key("voltrust.volunteer.id")
	keyEvent     = attribute.Key("voltrust.event.id")
	keyOutcome   = attribute.Key("voltrust.verification.outcome")
)

// Config selects the exporter endpoint and sampling.
type Config struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables tracing.
	Endpoint string
	// Version is reported as service.version.
	Version string
	// SampleRatio is the fraction of root traces kept; outside (0,1) every
	// trace is kept. Child spans follow their parent's decision.
	SampleRatio float64
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Init installs the tracer provider. With no endpoint tracing stays off and
// the returned shutdown does nothing.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("voltrust"),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan opens a span named after the operation, e.g. "certificates.Issue".
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as failed. A nil err leaves it untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Serial tags the certificate a span works on.
func Serial(serial string) attribute.KeyValue { return keySerial.String(serial) }

// HourEntryID tags the hour entry being certified.
func HourEntryID(id string) attribute.KeyValue { return keyEntry.String(id) }

func VolunteerID(id string) attribute.KeyValue { return keyVolunteer.String(id) }

func EventID(id string) attribute.KeyValue { return keyEvent.String(id) }

// Outcome is "valid" or the reason a verification failed (tamper, revoked,
// timeout).
func Outcome(outcome string) attribute.KeyValue { return keyOutcome.String(outcome) }
