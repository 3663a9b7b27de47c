package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/session-plane/internal/api"
	"github.com/shehryarbajwa/session-plane/internal/browser"
	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/jobs"
	"github.com/shehryarbajwa/session-plane/internal/objectstore"
	"github.com/shehryarbajwa/session-plane/internal/proxypool"
	"github.com/shehryarbajwa/session-plane/internal/ratelimit"
	"github.com/shehryarbajwa/session-plane/internal/sealed"
	"github.com/shehryarbajwa/session-plane/internal/session"
	"github.com/shehryarbajwa/session-plane/internal/snapshot"
	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/internal/stream"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

const (
	imagePullTimeout = 10 * time.Minute
	shutdownTimeout  = 30 * time.Second
)

type serveOptions struct {
	autoMigrate bool
	skipImages  bool
}

func newServeCmd(g *globals) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, stream proxy, job workers and sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, g.cfg, g.logger, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.autoMigrate, "auto-migrate", true, "apply the schema on startup when using postgres")
	cmd.Flags().BoolVar(&opts.skipImages, "skip-image-pull", false, "do not pull runtime images on startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts serveOptions) error {
	repo, err := openRepository(ctx, cfg.Database, logger, opts.autoMigrate)
	if err != nil {
		return err
	}
	defer repo.Close()

	objects, err := objectstore.Open(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}
	snapshots := snapshot.New(objects, logger)
	logger.Info("object store ready", zap.String("driver", cfg.ObjectStore.Driver))

	sealer, err := openSealer(cfg.Sealed)
	if err != nil {
		return err
	}

	pool := proxypool.New(repo, cfg.Proxies, logger)
	if err := pool.Seed(ctx, cfg.Proxies.Entries); err != nil {
		return err
	}
	if err := pool.Load(ctx); err != nil {
		return fmt.Errorf("failed to load proxy pool: %w", err)
	}

	orch := browser.NewOrchestrator(repo, cfg.Orchestrator, browser.StreamRouting{
		PublicBaseURL: cfg.Server.PublicBaseURL,
		UpstreamHost:  cfg.Stream.UpstreamHost,
	}, browser.NewCDPState(cfg.Session.TargetOrigin, logger), logger)
	defer orch.Close()

	cluster, err := registerEngines(orch, cfg.Orchestrator, logger)
	if err != nil {
		return err
	}
	if !opts.skipImages {
		pullCtx, cancel := context.WithTimeout(ctx, imagePullTimeout)
		err := orch.EnsureImages(pullCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure runtime images: %w", err)
		}
	}

	manager := session.NewManager(repo, orch, snapshots, pool, sealer, cfg.Session, cfg.Orchestrator, logger)
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}
	if cluster != nil {
		if err := adoptClusterLoad(ctx, repo, orch, cluster); err != nil {
			return err
		}
	}

	registry := jobs.NewRegistry()
	registry.Register(jobs.NavigateJob, jobs.NavigateHandler(logger))
	queue := jobs.NewQueue(repo, manager, registry, logger)
	dispatcher := jobs.NewDispatcher(repo, manager, pool, registry, cfg.Jobs, logger)
	sweeper := session.NewSweeper(manager, cfg.Session.SweepInterval)

	streamHandler := stream.NewHandler(stream.RoutingFromConfig(cfg.Stream), cfg.Stream.DialTimeout, logger)
	handler := api.NewHandler(manager, queue, repo, logger)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	srv := api.NewServer(cfg.Server, handler.SetupRoutes(streamHandler, limiter))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("public_base_url", cfg.Server.PublicBaseURL),
			zap.Strings("job_types", registry.Types()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, migrate bool) (store.Repository, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openSealer(cfg config.SealedConfig) (*sealed.Sealer, error) {
	if cfg.Identity != "" {
		return sealed.New(cfg.Identity)
	}
	return sealed.LoadOrCreate(cfg.IdentityFile)
}

// registerEngines registers every engine named as default or fallback.
func registerEngines(orch *browser.Orchestrator, cfg config.OrchestratorConfig, logger *zap.Logger) (*browser.ClusterEngine, error) {
	var cluster *browser.ClusterEngine
	wanted := append([]models.Engine{cfg.DefaultEngine}, cfg.FallbackEngines...)
	for _, kind := range wanted {
		if orch.Has(kind) {
			continue
		}
		switch kind {
		case models.EngineSingleHost:
			engine, err := browser.NewDockerEngine(cfg.SingleHost, cfg, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create single-host engine: %w", err)
			}
			orch.Register(engine)
		case models.EngineCluster:
			if len(cfg.ClusterNodes) == 0 {
				return nil, fmt.Errorf("engine %s needs orchestrator.cluster_nodes", kind)
			}
			c, err := browser.NewDockerCluster(cfg, logger)
			if err != nil {
				return nil, err
			}
			orch.Register(c)
			cluster = c
		case models.EngineManagedRemote:
			if cfg.Remote.BaseURL == "" {
				return nil, fmt.Errorf("engine %s needs orchestrator.remote.base_url", kind)
			}
			orch.Register(browser.NewRemoteEngine(cfg.Remote, logger))
		default:
			return nil, fmt.Errorf("unknown engine %q", kind)
		}
		logger.Info("engine registered", zap.String("engine", string(kind)))
	}
	return cluster, nil
}

// adoptClusterLoad seeds the cluster's per-node counts from containers
// that survived a restart.
func adoptClusterLoad(ctx context.Context, repo store.Repository, orch *browser.Orchestrator, cluster *browser.ClusterEngine) error {
	var live []*models.ContainerInstance
	for _, status := range []models.SessionStatus{models.StatusPending, models.StatusActive} {
		list, err := repo.ListSessions(ctx, store.SessionFilter{Status: status})
		if err != nil {
			return err
		}
		for _, s := range list {
			cs, err := orch.LiveContainers(ctx, s.ID)
			if err != nil {
				return err
			}
			live = append(live, cs...)
		}
	}
	cluster.Adopt(live)
	return nil
}
