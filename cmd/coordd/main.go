// Coordd is a workspace coordination daemon for multi-agent coding setups.
//
// It tracks every agent operation in a causal coordination graph, detects
// concurrent edits to shared resources, runs conflicts through a staged
// resolution pipeline, and archives encrypted session trajectories. Agent
// frameworks drive it through lifecycle hook endpoints over HTTP.
//
// Usage:
//
//	# Start the daemon with defaults
//	coordd
//
//	# Configure via file and environment
//	coordd -config ~/.config/coordd/config.yaml
//	COORDD_SERVER_PORT=9999 coordd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/config"
	"github.com/fyrsmithlabs/coordd/internal/conflict"
	"github.com/fyrsmithlabs/coordd/internal/coordgraph"
	"github.com/fyrsmithlabs/coordd/internal/hooks"
	coordhttp "github.com/fyrsmithlabs/coordd/internal/http"
	"github.com/fyrsmithlabs/coordd/internal/logging"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
	"github.com/fyrsmithlabs/coordd/internal/resolution"
	"github.com/fyrsmithlabs/coordd/internal/telemetry"
	"github.com/fyrsmithlabs/coordd/internal/trajectory"
	"github.com/fyrsmithlabs/coordd/internal/vcs"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/coordd/config.yaml)")
	workspacePath := flag.String("workspace", ".", "path to the coordinated workspace")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  coordd           Start the coordination daemon\n")
			fmt.Fprintf(os.Stderr, "  coordd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *workspacePath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("coordd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the coordination daemon and blocks until context cancellation.
//
//  1. Loads and validates configuration
//  2. Initializes telemetry and the structured logger
//  3. Builds the coordination core (log, graph, detector, pipeline, store)
//  4. Opens the workspace VCS adapter
//  5. Wires the lifecycle state machine and the HTTP server
//  6. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath, workspacePath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(&cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logCfg, err := logging.FromAppConfig(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zlog := logger.Underlying()

	logger.Info(ctx, "starting coordd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry", tel.IsEnabled()))

	// Coordination core.
	opLog := oplog.New(zlog, oplog.WithMaxEntries(cfg.Coordination.MaxLogEntries))
	graph := coordgraph.New(opLog, zlog,
		coordgraph.WithDepthLimit(cfg.Coordination.AncestryDepthLimit))
	detector := conflict.NewDetector(graph, opLog, zlog,
		conflict.WithWindow(cfg.Coordination.ConflictWindow))

	// The structural stage needs the workspace's VCS. A workspace without
	// one is still coordinated; the stage just fails fast.
	var provider resolution.ContentProvider
	if workspace, err := vcs.Open(workspacePath, zlog); err != nil {
		logger.Warn(ctx, "workspace has no usable repository, structural merges disabled",
			zap.String("path", workspacePath), zap.Error(err))
	} else {
		provider = workspace
	}

	semantic, err := buildSemanticStage(cfg, opLog, zlog)
	if err != nil {
		return err
	}

	pipeline := resolution.NewPipeline(
		resolution.DefaultStages(opLog, provider, semantic, zlog), zlog)

	dataDir := expandHome(cfg.Trajectory.DataDir)
	var storeOpts []trajectory.Option
	if cfg.Trajectory.EnableSync {
		storeOpts = append(storeOpts,
			trajectory.WithPath(filepath.Join(dataDir, "trajectories.jsonl")))
	}
	store, err := trajectory.NewStore(zlog, storeOpts...)
	if err != nil {
		return fmt.Errorf("opening trajectory store: %w", err)
	}
	defer func() { _ = store.Close() }()

	lifecycle := hooks.NewLifecycle(graph, detector, pipeline, store, opLog, hooks.Config{
		SessionTimeout:       cfg.Hooks.SessionTimeout.Duration(),
		EnableTrajectorySync: cfg.Trajectory.EnableSync,
	}, zlog)

	if cfg.Trajectory.EnableSync {
		sec, pub, err := trajectory.LoadOrCreateKeyPair(filepath.Join(dataDir, "trajectory.key"))
		if err != nil {
			return fmt.Errorf("loading trajectory keys: %w", err)
		}
		lifecycle.EnableEncryption(sec, pub)
		logger.Info(ctx, "trajectory sync enabled", zap.String("data_dir", dataDir))
	}

	srv, err := coordhttp.NewServer(lifecycle, opLog, zlog, &coordhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildSemanticStage creates the LLM fallback stage when enabled.
func buildSemanticStage(cfg *config.Config, opLog *oplog.Log, zlog *zap.Logger) (*resolution.SemanticStage, error) {
	if !cfg.Resolution.EnableSemantic {
		return nil, nil
	}

	opts := []openai.Option{
		openai.WithToken(cfg.Resolution.LLMAPIKey.Value()),
	}
	if cfg.Resolution.LLMModel != "" {
		opts = append(opts, openai.WithModel(cfg.Resolution.LLMModel))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	return resolution.NewSemanticStage(model, opLog, zlog,
		resolution.WithTimeout(cfg.Resolution.LLMFallbackTimeout.Duration())), nil
}

// expandHome resolves a leading ~ in configured paths.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
