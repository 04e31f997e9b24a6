package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/gpu"
	"github.com/modelharbor/modelharbor/api/pkg/manager"
	"github.com/modelharbor/modelharbor/api/pkg/puller"
	"github.com/modelharbor/modelharbor/api/pkg/reconciler"
	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/system"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// Server is the control plane HTTP surface. All routes live under /api
// and return JSON except logs (text) and model pulls (SSE).
type Server struct {
	cfg        config.ServerConfig
	store      store.Store
	manager    *manager.Manager
	puller     *puller.Puller
	inventory  *gpu.Inventory
	reconciler *reconciler.Reconciler
}

type Params struct {
	Config     config.ServerConfig
	Store      store.Store
	Manager    *manager.Manager
	Puller     *puller.Puller
	Inventory  *gpu.Inventory
	Reconciler *reconciler.Reconciler
}

func NewServer(params Params) (*Server, error) {
	if params.Store == nil || params.Manager == nil || params.Inventory == nil || params.Reconciler == nil {
		return nil, fmt.Errorf("store, manager, inventory and reconciler are required")
	}
	return &Server{
		cfg:        params.Config,
		store:      params.Store,
		manager:    params.Manager,
		puller:     params.Puller,
		inventory:  params.Inventory,
		reconciler: params.Reconciler,
	}, nil
}

func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix(system.APISubPath).Subrouter()
	api.Use(s.corsMiddleware)

	api.HandleFunc("/health", system.Wrapper(s.health)).Methods(http.MethodGet, http.MethodOptions)

	s.registerInstanceRoutes(api, "/containers", types.EngineKindVLLM)
	s.registerInstanceRoutes(api, "/ollama", types.EngineKindOllama)

	// Ollama instances additionally host models.
	api.HandleFunc("/ollama/{id}/models", system.Wrapper(s.listModels)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/ollama/{id}/models", s.pullModel).Methods(http.MethodPost)
	api.HandleFunc("/ollama/{id}/models/{model}", system.Wrapper(s.deleteModel)).Methods(http.MethodDelete, http.MethodOptions)

	api.HandleFunc("/system/gpu", system.Wrapper(s.listGPUs)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/system/gpu/available", system.Wrapper(s.gpuAvailable)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/system/gpu/stats", system.Wrapper(s.gpuStats)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/system/refresh-gpu", system.Wrapper(s.refreshGPUs)).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/settings", system.Wrapper(s.getSettings)).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/settings", system.Wrapper(s.putSettings)).Methods(http.MethodPut)

	return router
}

// registerInstanceRoutes wires one engine family under its own prefix.
// The two families expose an identical lifecycle surface.
func (s *Server) registerInstanceRoutes(api *mux.Router, prefix string, kind types.EngineKind) {
	sub := api.PathPrefix(prefix).Subrouter()

	sub.HandleFunc("", system.Wrapper(s.listInstances(kind))).Methods(http.MethodGet, http.MethodOptions)
	sub.HandleFunc("", system.WrapperWithConfig(s.createInstance(kind), system.WrapperConfig{
		SuccessStatus: http.StatusCreated,
	})).Methods(http.MethodPost)
	sub.HandleFunc("/with-orphan-check", system.Wrapper(s.listWithOrphanCheck(kind))).Methods(http.MethodGet, http.MethodOptions)
	sub.HandleFunc("/orphans", system.Wrapper(s.listOrphans)).Methods(http.MethodGet, http.MethodOptions)
	sub.HandleFunc("/orphans/import", system.Wrapper(s.importOrphans)).Methods(http.MethodPost, http.MethodOptions)

	sub.HandleFunc("/{id}", system.Wrapper(s.getInstance(kind))).Methods(http.MethodGet, http.MethodOptions)
	sub.HandleFunc("/{id}", system.Wrapper(s.updateInstance(kind))).Methods(http.MethodPut)
	sub.HandleFunc("/{id}", system.Wrapper(s.removeInstance(kind))).Methods(http.MethodDelete)
	sub.HandleFunc("/{id}/start", system.Wrapper(s.startInstance(kind))).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/{id}/stop", system.Wrapper(s.stopInstance(kind))).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/{id}/restart", system.Wrapper(s.restartInstance(kind))).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/{id}/logs", s.instanceLogs(kind)).Methods(http.MethodGet, http.MethodOptions)
}

// corsMiddleware allows the configured frontend origin. No origin
// configured means same origin only and the middleware is inert.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if s.cfg.WebServer.FrontendURL != "" {
			res.Header().Set("Access-Control-Allow-Origin", s.cfg.WebServer.FrontendURL)
			res.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			res.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if req.Method == http.MethodOptions {
			res.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(res, req)
	})
}

func (s *Server) health(_ http.ResponseWriter, _ *http.Request) (*types.HealthResponse, error) {
	return &types.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	}, nil
}

// ListenAndServe blocks until the context is cancelled, then drains
// in-flight requests before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.WebServer.Host, s.cfg.WebServer.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", addr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
