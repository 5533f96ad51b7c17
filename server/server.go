package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"

	"github.com/marketdash/storelink/internal/config"
	"github.com/marketdash/storelink/internal/handlers"
)

const apiPrefix = "/api/salla"

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Leaves room for a token refresh followed by an upstream call.
		WriteTimeout:   cfg.SallaHTTPTimeout*2 + 15*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Handler is the full HTTP surface: the router, with CORS in front of the
// Salla API when dashboard origins are configured.
func (s *Server) Handler() http.Handler {
	router := s.buildRouter()

	origins := s.cfg.AllowedOrigins()
	if len(origins) == 0 {
		return router
	}

	withCORS := cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})(router)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, apiPrefix+"/") {
			withCORS.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.SecurityHeaders)
	r.Use(h.MetricsContext)
	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")
	r.Handle("/metrics", h.Metrics()).Methods("GET").Name("metrics")

	r.NotFoundHandler = http.HandlerFunc(h.NotFound)

	api := r.PathPrefix(apiPrefix).Subrouter()
	api.Use(h.SessionMiddleware)

	// Browser navigations; both end in a redirect.
	api.HandleFunc("/auth", h.SallaAuth).Methods("GET").Name("salla.auth")
	api.HandleFunc("/callback", h.SallaCallback).Methods("GET").Name("salla.callback")

	// JSON API for the signed-in dashboard user.
	rpc := api.NewRoute().Subrouter()
	rpc.Use(h.RequireAuth)
	rpc.Use(h.RequireSameOrigin)
	rpc.HandleFunc("/auth-url", h.SallaAuthURL).Methods("GET").Name("salla.auth_url")
	rpc.HandleFunc("/connections", h.ListConnections).Methods("GET").Name("salla.connections.list")
	rpc.HandleFunc("/connections", h.CreateConnection).Methods("POST").Name("salla.connections.create")
	rpc.HandleFunc("/connections/{id}/stats", h.StoreStats).Methods("GET").Name("salla.connections.stats")
	rpc.HandleFunc("/connections/{id}/products", h.Products).Methods("GET").Name("salla.connections.products")
	rpc.HandleFunc("/connections/{id}/orders", h.Orders).Methods("GET").Name("salla.connections.orders")
	rpc.HandleFunc("/connections/{id}/customers", h.Customers).Methods("GET").Name("salla.connections.customers")
	rpc.HandleFunc("/connections/{id}/disconnect", h.DisconnectConnection).Methods("POST").Name("salla.connections.disconnect")

	return r
}
