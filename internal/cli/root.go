package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/apiscan-orchestrator/internal/artifacts"
	"github.com/yourorg/apiscan-orchestrator/internal/config"
	"github.com/yourorg/apiscan-orchestrator/internal/coordinator"
	"github.com/yourorg/apiscan-orchestrator/internal/db"
	"github.com/yourorg/apiscan-orchestrator/internal/engine"
	"github.com/yourorg/apiscan-orchestrator/internal/logging"
	"github.com/yourorg/apiscan-orchestrator/internal/normalize"
	"github.com/yourorg/apiscan-orchestrator/internal/runtime"
)

var debugMode bool

var rootCmd = &cobra.Command{
	Use:          "apiscand",
	Short:        "API security scan orchestrator",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired components shared by the serve and scan commands.
type app struct {
	cfg   config.Config
	log   *zap.SugaredLogger
	store *db.Store
	gw    *runtime.DockerGateway
	coord *coordinator.Coordinator
}

func buildApp(ctx context.Context) (*app, error) {
	log, err := logging.New(debugMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	gw := runtime.NewDockerGateway(cfg.DockerBin, cfg.StorageNamespace, log)
	if err := gw.Ping(ctx); err != nil {
		return nil, err
	}

	registry, err := engine.Default(engine.Options{EngineTimeout: cfg.EngineTimeout})
	if err != nil {
		return nil, fmt.Errorf("build engine registry: %w", err)
	}

	var arts coordinator.ArtifactStore
	if cfg.ArtifactEndpoint != "" && cfg.ArtifactBucket != "" {
		client, err := artifacts.New(cfg.ArtifactEndpoint, cfg.ArtifactAccessKey,
			cfg.ArtifactSecretKey, cfg.ArtifactUseSSL, cfg.ArtifactBucket, cfg.StorageNamespace)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		arts = client
	} else {
		log.Infow("artifact storage not configured, raw reports are discarded")
	}

	norm := normalize.New(cfg.Scoring, log)
	coord := coordinator.New(store, gw, registry, norm, arts, coordinator.Options{
		DefaultBudget: cfg.DefaultBudget,
		ScanTimeout:   cfg.ScanTimeout,
		ScratchDir:    cfg.ScratchDir,
	}, log)

	return &app{cfg: cfg, log: log, store: store, gw: gw, coord: coord}, nil
}
