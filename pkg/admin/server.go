// Package admin serves the plugin host's management HTTP API, metrics and
// health endpoints.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/plughost/pkg/dependencies"
	"github.com/platinummonkey/plughost/pkg/httputil"
	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins/cache"
	"github.com/platinummonkey/plughost/pkg/plugins/host"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// PluginHost is the part of the host the admin API drives.
type PluginHost interface {
	List() []host.Info
	Info(id string) (*host.Info, error)
	Install(ctx context.Context, raw string, opts host.InstallOptions) (*host.InstallResult, error)
	Uninstall(ctx context.Context, id string, force bool) error
	Update(ctx context.Context, id string) (*host.InstallResult, error)
	Validate(ctx context.Context, raw string, opts host.InstallOptions) (*host.ValidationReport, error)
	CacheStats() (*cache.Stats, error)
	ClearCache() error
	DependencyGraph() *dependencies.Graph
}

// Options configures a Server.
type Options struct {
	Logger   *logrus.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthHandler
}

// Server is the admin API.
type Server struct {
	host    PluginHost
	router  *mux.Router
	handler http.Handler
	logger  *logrus.Logger
}

// NewServer creates the admin API over h.
func NewServer(h PluginHost, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	s := &Server{
		host:   h,
		router: mux.NewRouter(),
		logger: opts.Logger,
	}
	s.setupRoutes(opts)

	// Router middleware runs after matching, so the route template is known.
	if opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics, routeTemplate))
	}
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(opts.Logger),
		httputil.RecoveryMiddleware(opts.Logger),
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)(otelhttp.NewHandler(s.router, "admin"))
	return s
}

func (s *Server) setupRoutes(opts Options) {
	s.router.HandleFunc("/plugins", s.listPlugins).Methods("GET")
	s.router.HandleFunc("/plugins", s.installPlugin).Methods("POST")
	s.router.HandleFunc("/plugins/validate", s.validatePlugin).Methods("POST")
	s.router.HandleFunc("/plugins/{id}", s.getPlugin).Methods("GET")
	s.router.HandleFunc("/plugins/{id}", s.uninstallPlugin).Methods("DELETE")
	s.router.HandleFunc("/plugins/{id}/update", s.updatePlugin).Methods("POST")

	s.router.HandleFunc("/cache", s.cacheStats).Methods("GET")
	s.router.HandleFunc("/cache", s.clearCache).Methods("DELETE")

	dependencies.NewHandlers(s.host.DependencyGraph).RegisterRoutes(s.router)

	if opts.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(opts.Registry)).Methods("GET")
	}
	if opts.Health != nil {
		s.router.HandleFunc("/live", opts.Health.LiveEndpoint).Methods("GET")
		s.router.HandleFunc("/ready", opts.Health.ReadyEndpoint).Methods("GET")
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// HTTPServer wraps the API in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
}

// routeTemplate labels metrics by route pattern instead of raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
