package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/tableqa/pkg/analyzer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultDatasetTTL        = 30 * time.Minute
	defaultMaxUploadBytes    = 32 << 20
)

type Config struct {
	Logger  *slog.Logger
	Runtime *analyzer.Runtime
	// Gatherer backs the /metrics endpoint. The metrics listener is off when it is nil
	// or MetricsAddr is empty.
	Gatherer prometheus.Gatherer
	Version  string

	ListenAddr     string
	MetricsAddr    string
	AllowedOrigins []string

	DatasetTTL        time.Duration
	MaxUploadBytes    int64
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runtime == nil {
		return errors.New("runtime is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.DatasetTTL <= 0 {
		cfg.DatasetTTL = defaultDatasetTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

// Server exposes the analyzer over a JSON API and an MCP endpoint, with Prometheus
// metrics on a separate listener.
type Server struct {
	log      *slog.Logger
	cfg      Config
	rt       *analyzer.Runtime
	datasets *datasetStore
	mcp      *mcp.Server
	handler  http.Handler
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate server config: %w", err)
	}
	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		rt:       cfg.Runtime,
		datasets: newDatasetStore(cfg.DatasetTTL),
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "tableqa", Version: cfg.Version}, nil)
	if err := registerTools(s.log, s.mcp, s.rt, s.datasets); err != nil {
		return nil, fmt.Errorf("failed to register mcp tools: %w", err)
	}

	s.handler = s.router()
	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Mcp-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.rt.Metrics.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/operations", s.handleOperations)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/datasets", s.handleCreateDataset)
		r.Get("/datasets/{id}", s.handleGetDataset)
		r.Delete("/datasets/{id}", s.handleDeleteDataset)
		r.Post("/datasets/{id}/analyze", s.handleAnalyzeDataset)
		r.Post("/datasets/{id}/batch", s.handleBatchDataset)
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	})
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)

	return r
}

// Run serves until ctx is done, then shuts both listeners down.
func (s *Server) Run(ctx context.Context) error {
	go s.datasets.start()
	defer s.datasets.stop()

	api := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	servers := []*http.Server{api}
	if s.cfg.Gatherer != nil && s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.log.Info("server: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to listen and serve on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("server: stopping", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown server on %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
