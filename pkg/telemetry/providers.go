// OTel provider construction for traces, metrics, and logs
// Metrics are always exposed for Prometheus scraping; OTLP push is optional
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted by Options.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	ProtocolHTTP = "http/protobuf"
	ProtocolGRPC = "grpc"
)

const shutdownTimeout = 5 * time.Second

// Options selects exporters for each signal. Prometheus exposition of
// metrics is always on; Metrics adds a push exporter alongside it.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Traces         string
	Metrics        string
	Logs           string
	Endpoint       string
	Protocol       string
	MetricInterval time.Duration
	Stdout         io.Writer
}

// Providers holds the constructed providers and the scrape registry.
type Providers struct {
	Meter    *sdkmetric.MeterProvider
	Tracer   *sdktrace.TracerProvider
	Logger   *sdklog.LoggerProvider
	Registry *prometheus.Registry

	handler http.Handler
}

// Setup builds providers according to opts.
func Setup(ctx context.Context, opts Options) (*Providers, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Protocol == "" {
		opts.Protocol = ProtocolHTTP
	}
	if err := validateExporter("traces", opts.Traces); err != nil {
		return nil, err
	}
	if err := validateExporter("metrics", opts.Metrics); err != nil {
		return nil, err
	}
	if err := validateExporter("logs", opts.Logs); err != nil {
		return nil, err
	}
	if opts.Protocol != ProtocolHTTP && opts.Protocol != ProtocolGRPC {
		return nil, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", opts.Protocol)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	p := &Providers{}

	p.Meter, p.Registry, err = createMeterProvider(ctx, opts, res)
	if err != nil {
		return nil, fmt.Errorf("creating meter provider: %w", err)
	}
	p.handler = promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry})

	p.Tracer, err = createTracerProvider(ctx, opts, res)
	if err != nil {
		p.Shutdown(context.Background())
		return nil, fmt.Errorf("creating tracer provider: %w", err)
	}

	if opts.Logs != "" && opts.Logs != ExporterNone {
		p.Logger, err = createLoggerProvider(ctx, opts, res)
		if err != nil {
			p.Shutdown(context.Background())
			return nil, fmt.Errorf("creating logger provider: %w", err)
		}
	}

	return p, nil
}

// MetricsHandler serves the scrape registry in the Prometheus text format.
func (p *Providers) MetricsHandler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops every provider. Errors are reported on stderr
// individually so one slow provider does not block the others.
func (p *Providers) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var items []shutdownable
	if p.Tracer != nil {
		items = append(items, p.Tracer)
	}
	if p.Meter != nil {
		items = append(items, p.Meter)
	}
	if p.Logger != nil {
		items = append(items, p.Logger)
	}
	shutdownAll(ctx, items, "provider")
}

func validateExporter(signal, name string) error {
	switch name {
	case "", ExporterNone, ExporterStdout, ExporterOTLP:
		return nil
	default:
		return fmt.Errorf("unknown %s exporter %q, supported: none, stdout, otlp", signal, name)
	}
}

func createMeterProvider(ctx context.Context, opts Options, res *resource.Resource) (*sdkmetric.MeterProvider, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := promexporter.New(
		promexporter.WithRegisterer(reg),
		promexporter.WithoutScopeInfo(),
		promexporter.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	mpOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if opts.Metrics != "" && opts.Metrics != ExporterNone {
		push, err := createMetricExporter(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if opts.MetricInterval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(opts.MetricInterval))
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(push, readerOpts...)))
	}

	return sdkmetric.NewMeterProvider(mpOpts...), reg, nil
}

func createMetricExporter(ctx context.Context, opts Options) (sdkmetric.Exporter, error) {
	if opts.Metrics == ExporterStdout {
		return stdoutmetric.New(stdoutmetric.WithWriter(opts.Stdout))
	}
	switch opts.Protocol {
	case ProtocolGRPC:
		var grpcOpts []otlpmetricgrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.Endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlpmetrichttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(opts.Endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	}
}

// createTracerProvider returns a provider without a span processor when
// traces are disabled, so instrumentation stays cheap.
func createTracerProvider(ctx context.Context, opts Options, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if opts.Traces == "" || opts.Traces == ExporterNone {
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}

	exporter, err := createTraceExporter(ctx, opts)
	if err != nil {
		return nil, err
	}

	var sp sdktrace.SpanProcessor
	if opts.Traces == ExporterStdout {
		sp = sdktrace.NewSimpleSpanProcessor(exporter)
	} else {
		sp = sdktrace.NewBatchSpanProcessor(exporter)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
	), nil
}

func createTraceExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	if opts.Traces == ExporterStdout {
		return stdouttrace.New(stdouttrace.WithWriter(opts.Stdout))
	}
	switch opts.Protocol {
	case ProtocolGRPC:
		var grpcOpts []otlptracegrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlptracehttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	}
}

func createLoggerProvider(ctx context.Context, opts Options, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exporter, err := createLogExporter(ctx, opts)
	if err != nil {
		return nil, err
	}

	var processor sdklog.Processor
	if opts.Logs == ExporterStdout {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	), nil
}

func createLogExporter(ctx context.Context, opts Options) (sdklog.Exporter, error) {
	if opts.Logs == ExporterStdout {
		return stdoutlog.New(stdoutlog.WithWriter(opts.Stdout))
	}
	switch opts.Protocol {
	case ProtocolGRPC:
		var grpcOpts []otlploggrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpoint(opts.Endpoint), otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlploghttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlploghttp.WithEndpoint(opts.Endpoint), otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, httpOpts...)
	}
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
func shutdownAll[S shutdownable](ctx context.Context, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error shutting down %s: %v\n", label, err)
			}
		})
	}
	wg.Wait()
}
