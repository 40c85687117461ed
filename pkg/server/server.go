// HTTP surface for the shop: storefront, purchases, chaos control, and scraping
// Business routes are counted and chaos-injected; /metrics and /health are not
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/journal"
	"github.com/andrewh/shopsim/pkg/shop"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const shutdownTimeout = 5 * time.Second

//go:embed templates/*.html
var templates embed.FS

// Recorder receives request and sale metrics.
type Recorder interface {
	RecordRequest(ctx context.Context, method, endpoint string, status int, d time.Duration)
	RecordSale(ctx context.Context, product string, price float64, source string)
}

// UserCounter reports the simulated active-user count.
type UserCounter interface {
	CurrentUsers() int
}

// Config wires the server to the rest of the process. Journal, Users,
// TracerProvider, and Logger are optional.
type Config struct {
	ServiceName    string
	Catalog        *shop.Catalog
	Chaos          *chaos.State
	Injector       *chaos.Injector
	Metrics        Recorder
	MetricsHandler http.Handler
	Journal        journal.Journal
	Users          UserCounter
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger

	// NewOrderID returns a fresh order id. Defaults to a random UUID.
	NewOrderID func() string
}

// Server is the shop's HTTP surface.
type Server struct {
	cfg    Config
	engine *gin.Engine
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Catalog == nil || cfg.Chaos == nil || cfg.Injector == nil || cfg.Metrics == nil {
		return nil, fmt.Errorf("server requires a catalog, chaos state, injector, and metrics recorder")
	}
	if cfg.MetricsHandler == nil {
		return nil, fmt.Errorf("server requires a metrics handler")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shopsim"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NewOrderID == nil {
		cfg.NewOrderID = uuid.NewString
	}

	s := &Server{cfg: cfg}

	tmpl, err := template.New("").Funcs(template.FuncMap{"display": displayName}).ParseFS(templates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	s.engine = gin.New()
	s.engine.SetHTMLTemplate(tmpl)
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/metrics", gin.WrapH(s.cfg.MetricsHandler))
	r.GET("/health", s.health)

	var otelOpts []otelgin.Option
	if s.cfg.TracerProvider != nil {
		otelOpts = append(otelOpts, otelgin.WithTracerProvider(s.cfg.TracerProvider))
	}
	store := r.Group("/", otelgin.Middleware(s.cfg.ServiceName, otelOpts...), s.requestMetrics())

	store.GET("/", s.chaosHook(chaos.Policy{Latency: true}, s.viewFailed), s.view)
	store.POST("/buy/:product", s.chaosHook(chaos.Policy{AlwaysFail: true}, s.buyFailed), s.buy)

	api := store.Group("/api")
	api.POST("/chaos/:mode/:action", s.setChaos)
	api.GET("/chaos", s.getChaos)
	api.GET("/state", s.state)
	if s.cfg.Journal != nil {
		api.GET("/orders", s.orders)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// displayName turns "usb_cable" into "Usb Cable". Casers are stateful, so
// one is built per call.
func displayName(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "_", " "))
}
