package modelharbor

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/docker"
	"github.com/modelharbor/modelharbor/api/pkg/gpu"
	"github.com/modelharbor/modelharbor/api/pkg/manager"
	"github.com/modelharbor/modelharbor/api/pkg/ports"
	"github.com/modelharbor/modelharbor/api/pkg/puller"
	"github.com/modelharbor/modelharbor/api/pkg/reconciler"
	"github.com/modelharbor/modelharbor/api/pkg/server"
	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

const startupReconcileBudget = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the modelharbor control API.",
		Long:  "Start the modelharbor control API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	dockerClient, err := docker.NewClient(cfg.Docker)
	if err != nil {
		return fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	allocator, err := ports.NewAllocator(db, cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		return err
	}

	inventory := gpu.NewInventory(gpu.NewNvidiaSMIQuerier(cfg.GPU.QueryTimeout), db)
	if _, err := inventory.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial GPU discovery failed")
	}

	drivers := map[types.EngineKind]docker.Driver{
		types.EngineKindVLLM:   docker.NewVLLMDriver(dockerClient, cfg.Engines.VLLMImage),
		types.EngineKindOllama: docker.NewOllamaDriver(dockerClient, cfg.Engines.OllamaImage),
	}

	rec := reconciler.New(db, dockerClient)

	mgr, err := manager.NewManager(manager.Params{
		Store:      db,
		Allocator:  allocator,
		Inventory:  inventory,
		Drivers:    drivers,
		Reconciler: rec,
		Engines:    cfg.Engines,
	})
	if err != nil {
		return err
	}

	// Realign with whatever the daemon kept running across restarts.
	if report, err := rec.ReconcileWithTimeout(ctx, startupReconcileBudget, cfg.Engines.AutoImportOrphans); err != nil {
		log.Warn().Err(err).Msg("startup reconcile did not complete")
	} else {
		log.Info().
			Int("orphans", len(report.Orphans)).
			Int("imported", len(report.Imported)).
			Msg("startup reconcile finished")
	}

	srv, err := server.NewServer(server.Params{
		Config:     cfg,
		Store:      db,
		Manager:    mgr,
		Puller:     puller.NewPuller(db),
		Inventory:  inventory,
		Reconciler: rec,
	})
	if err != nil {
		return err
	}

	return srv.ListenAndServe(ctx)
}
