package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joescharf/apex/internal/agent"
	"github.com/joescharf/apex/internal/git"
	"github.com/joescharf/apex/internal/llm"
	"github.com/joescharf/apex/internal/metrics"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/orchestrator"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/repo"
	"github.com/joescharf/apex/internal/store"
	"github.com/joescharf/apex/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *zap.Logger
	dataStore store.Store
	orch      *orchestrator.Orchestrator

	verbose    bool
	dryRun     bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "apex",
	Short: "Run coding agents on tasks, each in its own git worktree",
	Long: `apex orchestrates AI coding tasks against git repositories.

Every task gets its own branch and worktree. The agent works there while
the main checkout stays untouched; finished work is pushed or merged back
into the base branch from the CLI or over MCP.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if dataStore != nil {
		_ = dataStore.Close()
	}
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output and debug logging")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/apex/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("APEX")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default.
func setDefaults() {
	dir, _ := configDirFunc()

	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "apex.db"))
	viper.SetDefault("git.binary", "git")
	viper.SetDefault("git.timeout", git.DefaultTimeout)
	viper.SetDefault("git.base_branch", repo.DefaultBaseBranch)
	viper.SetDefault("git.remote", repo.DefaultRemote)
	viper.SetDefault("branch.prefix", models.DefaultBranchPrefix)
	viper.SetDefault("worktree.root", "")
	viper.SetDefault("worktree.max", worktree.DefaultMaxWorktrees)
	viper.SetDefault("worktree.prune_stale_after", worktree.DefaultPruneStaleAfter)
	viper.SetDefault("task.max_retries", orchestrator.DefaultMaxRetries)
	viper.SetDefault("task.max_parallel_subtasks", orchestrator.DefaultMaxParallelSubtasks)
	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.model", "")
	viper.SetDefault("agent.max_turns", 50)
	viper.SetDefault("planner.enabled", false)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", llm.DefaultModel)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("metrics.addr", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	l, err := newLogger(viper.GetString("log.level"), viper.GetString("log.format"), verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using defaults\n", err)
		l, _ = newLogger("info", "console", verbose)
	}
	logger = l

	// Store and orchestrator are opened lazily so config/version commands
	// run without a database.
}

// newLogger builds a zap logger writing to stderr. Stdout stays free for
// command output and the MCP stdio transport.
func newLogger(level, format string, debug bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", level, err)
	}
	if debug {
		lvl = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case "console", "":
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("invalid log.format %q: use console or json", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	return zap.New(core), nil
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getOrchestrator wires the store, git, agent and metrics into the shared
// orchestrator on first call.
func getOrchestrator() (*orchestrator.Orchestrator, error) {
	if orch != nil {
		return orch, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	gitClient := git.NewClient(git.NewExecRunner(viper.GetString("git.binary"), viper.GetDuration("git.timeout")))
	repos := repo.NewRegistry(gitClient, repo.Options{
		BaseBranch: viper.GetString("git.base_branch"),
		Remote:     viper.GetString("git.remote"),
	})

	runner := agent.NewClaudeRunner(
		viper.GetString("agent.command"),
		viper.GetString("agent.model"),
		viper.GetInt("agent.max_turns"),
		logger.Named("agent"),
	)
	runner.PIDDir = filepath.Join(viper.GetString("state_dir"), "run")

	cfg := orchestrator.Config{
		BranchPrefix:        viper.GetString("branch.prefix"),
		MaxRetries:          viper.GetInt("task.max_retries"),
		MaxParallelSubtasks: viper.GetInt("task.max_parallel_subtasks"),
		Worktree: worktree.Config{
			Root:            viper.GetString("worktree.root"),
			MaxWorktrees:    viper.GetInt("worktree.max"),
			PruneStaleAfter: viper.GetDuration("worktree.prune_stale_after"),
		},
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		orchestrator.WithProcessDetector(&agent.OSProcessDetector{
			Name:   filepath.Base(runner.Command),
			PIDDir: runner.PIDDir,
		}),
	}
	if viper.GetBool("planner.enabled") {
		if client := newLLMClient(); client != nil {
			opts = append(opts, orchestrator.WithPlanner(client))
		} else {
			ui.Warning("planner.enabled is set but no Anthropic API key is configured; planning is skipped")
		}
	}

	orch = orchestrator.New(s, repos, runner, cfg, opts...)
	return orch, nil
}
