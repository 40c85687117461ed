package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/journal"
	"github.com/andrewh/shopsim/pkg/metrics"
	"github.com/andrewh/shopsim/pkg/server"
	"github.com/andrewh/shopsim/pkg/shop"
	"github.com/andrewh/shopsim/pkg/sim"
	"github.com/andrewh/shopsim/pkg/telemetry"
	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "SHOPSIM"

// settings are the process options for serve. Each field is a flag, an
// environment variable (SHOPSIM_LOG_LEVEL for --log-level), or a key in
// the --config file.
type settings struct {
	Addr           string        `mapstructure:"addr"`
	ServiceName    string        `mapstructure:"service-name"`
	LogLevel       string        `mapstructure:"log-level"`
	LogFormat      string        `mapstructure:"log-format"`
	Traces         string        `mapstructure:"traces"`
	Metrics        string        `mapstructure:"metrics"`
	Logs           string        `mapstructure:"logs"`
	Endpoint       string        `mapstructure:"endpoint"`
	Protocol       string        `mapstructure:"protocol"`
	MetricInterval time.Duration `mapstructure:"metric-interval"`
	Journal        string        `mapstructure:"journal"`
	Pyroscope      string        `mapstructure:"pyroscope"`
}

func serveCmd() *cobra.Command {
	var v *viper.Viper
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve [workload.yaml]",
		Short: "Run the shop and its traffic simulator",
		Long: "Run the shop HTTP server and the background traffic simulator until interrupted.\n\n" +
			"Without a workload file the reference catalog and cadence are used.\n" +
			"Every flag can also be set through a SHOPSIM_ environment variable\n" +
			"(for example SHOPSIM_ADDR=:9090) or a --config settings file.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadSettings(v, configFile)
			if err != nil {
				return err
			}
			var workload string
			if len(args) == 1 {
				workload = args[0]
			}
			return runServe(cmd.Context(), workload, st, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "settings file (yaml, json, or toml)")
	addSettingsFlags(cmd.Flags())
	v = bindSettings(cmd.Flags())

	return cmd
}

func addSettingsFlags(f *pflag.FlagSet) {
	f.String("addr", ":8080", "HTTP listen address")
	f.String("service-name", "shopsim", "service name reported in telemetry")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "text", "log format: text or json")
	f.String("traces", telemetry.ExporterNone, "trace exporter: none, stdout, otlp")
	f.String("metrics", telemetry.ExporterNone, "additional metric push exporter: none, stdout, otlp")
	f.String("logs", telemetry.ExporterNone, "chaos event log exporter: none, stdout, otlp")
	f.String("endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	f.String("protocol", telemetry.ProtocolHTTP, "OTLP protocol (http/protobuf or grpc)")
	f.Duration("metric-interval", 10*time.Second, "push interval for the metric exporter")
	f.String("journal", "", "order journal DSN (sqlite://orders.db or postgres://...)")
	f.String("pyroscope", "", "pyroscope server address for continuous profiling")
}

// bindSettings layers SHOPSIM_* environment variables over the flag
// defaults. Explicitly set flags still win.
func bindSettings(f *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(f)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func loadSettings(v *viper.Viper, configFile string) (settings, error) {
	var st settings
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return st, fmt.Errorf("reading settings file %s: %w", configFile, err)
		}
	}
	if err := v.Unmarshal(&st); err != nil {
		return st, fmt.Errorf("decoding settings: %w", err)
	}
	return st, nil
}

// app is a fully wired shop ready to run.
type app struct {
	logger    *slog.Logger
	providers *telemetry.Providers
	server    *server.Server
	simulator *sim.Simulator
	state     *chaos.State
	closers   []func()
}

// newApp builds every component from the workload and settings. The caller
// must call close when done.
func newApp(ctx context.Context, workloadPath string, st settings, stderr io.Writer) (_ *app, err error) {
	logger, err := telemetry.NewLogger(stderr, st.LogLevel, st.LogFormat)
	if err != nil {
		return nil, err
	}

	cfg := sim.DefaultConfig()
	if workloadPath != "" {
		cfg, err = sim.LoadConfig(workloadPath)
		if err != nil {
			return nil, err
		}
	}
	w, err := sim.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.providers, err = telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    st.ServiceName,
		ServiceVersion: version,
		Traces:         st.Traces,
		Metrics:        st.Metrics,
		Logs:           st.Logs,
		Endpoint:       st.Endpoint,
		Protocol:       st.Protocol,
		MetricInterval: st.MetricInterval,
		Stdout:         stderr,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.providers.Shutdown(context.Background()) })
	otel.SetTracerProvider(a.providers.Tracer)

	reg, err := metrics.New(a.providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	catalog, err := shop.NewCatalog(w.Products, w.Restock, reg)
	if err != nil {
		return nil, err
	}

	var lp otellog.LoggerProvider
	if a.providers.Logger != nil {
		lp = a.providers.Logger
	}
	a.state = chaos.NewState(telemetry.NewChaosLogObserver(lp, logger))

	registration, err := reg.ObserveChaos(a.state)
	if err != nil {
		return nil, fmt.Errorf("observing chaos state: %w", err)
	}
	a.closers = append(a.closers, func() { unregister(registration, logger) })

	var orders journal.Journal
	if st.Journal != "" {
		orders, err = journal.Open(ctx, st.Journal)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := orders.Close(); err != nil {
				logger.Warn("closing journal", "error", err)
			}
		})
	}

	a.simulator = sim.New(w, catalog, a.state, reg, logger)

	a.server, err = server.New(server.Config{
		ServiceName:    st.ServiceName,
		Catalog:        catalog,
		Chaos:          a.state,
		Injector:       chaos.NewInjector(a.state, w.Injector),
		Metrics:        reg,
		MetricsHandler: a.providers.MetricsHandler(),
		Journal:        orders,
		Users:          a.simulator,
		TracerProvider: a.providers.Tracer,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	if st.Pyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: st.ServiceName,
			ServerAddress:   st.Pyroscope,
			Tags:            map[string]string{"version": version},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("starting profiler: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := profiler.Stop(); err != nil {
				logger.Warn("stopping profiler", "error", err)
			}
		})
	}

	return a, nil
}

func unregister(r metric.Registration, logger *slog.Logger) {
	if err := r.Unregister(); err != nil {
		logger.Warn("unregistering chaos callback", "error", err)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// run serves and simulates until ctx is cancelled or the server fails.
func (a *app) run(ctx context.Context, addr string) (*sim.Stats, error) {
	var stats *sim.Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		var err error
		stats, err = a.simulator.Run(gctx)
		return err
	})
	err := g.Wait()
	return stats, err
}

func runServe(ctx context.Context, workloadPath string, st settings, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, workloadPath, st, stderr)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.run(ctx, st.Addr)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if stats == nil {
		return nil
	}
	a.logger.Info("simulator stopped", "ticks", stats.Ticks, "sales", stats.Sales, "faults", stats.Faults)
	return json.NewEncoder(stderr).Encode(stats)
}
