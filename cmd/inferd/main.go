package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"inferd/internal/capability"
	"inferd/internal/classify"
	"inferd/internal/config"
	"inferd/internal/core"
	"inferd/internal/lifecycle"
	"inferd/internal/logging"
	"inferd/internal/routing"
	"inferd/internal/store"
	"inferd/internal/types"
	"inferd/internal/verification"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "inferd",
	Short: "inferd - adaptive inference routing core",
	Long: `inferd routes inference requests across local and cloud execution modes.

Each request is classified for complexity and risk, matched against a live
host capability snapshot, and assigned an execution mode, a model tier, and
an ordered fallback chain. The lifecycle manager keeps the decided model
tier resident under a fixed memory budget.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
		logging.CloseAll()
	},
}

// runtime bundles the wired components for one command invocation.
type runtime struct {
	cfg      *config.Config
	audit    *store.AuditStore
	handler  *core.Handler
	manager  *lifecycle.Manager
	verifier *verification.Engine
	watcher  *lifecycle.CatalogWatcher
	preload  *lifecycle.Preloader
}

// buildRuntime wires the full component graph from configuration.
func buildRuntime(ctx context.Context) (*runtime, error) {
	if err := logging.Initialize(workspace); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}
	if err := logging.InitAudit(); err != nil {
		logger.Warn("audit log unavailable", zap.Error(err))
	}

	path := configPath
	if path == "" {
		path = filepath.Join(workspace, "inferd.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	audit, err := store.NewAuditStore(filepath.Join(workspace, cfg.Store.DatabasePath))
	if err != nil {
		logger.Warn("audit store unavailable, continuing without persistence", zap.Error(err))
		audit = nil
	}

	var sink classify.AuditSink
	if audit != nil {
		sink = audit
	}
	classifier := classify.New(cfg.Classifier, sink)
	monitor := capability.NewMonitor(cfg.Capability)
	router := routing.New(cfg.Routing, classifier, monitor)

	manager := lifecycle.NewManager(cfg.Lifecycle)
	catalogPath := filepath.Join(workspace, cfg.Lifecycle.CatalogPath)
	if _, err := os.Stat(catalogPath); err == nil {
		cat, err := lifecycle.LoadCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		if err := manager.RegisterCatalog(cat); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("module catalog not found", zap.String("path", catalogPath))
	}

	watcher, err := lifecycle.NewCatalogWatcher(catalogPath, manager)
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(ctx); err != nil {
		return nil, err
	}

	preload := lifecycle.NewPreloader(cfg.Lifecycle, manager)
	preload.Start(ctx)

	verifier := verification.NewEngine(cfg.Verification)
	handlerOpts := []core.HandlerOption{core.WithPreloader(preload)}
	if audit != nil {
		handlerOpts = append(handlerOpts, core.WithEventSink(audit))
	}
	handler := core.NewHandler(router, manager, verifier, handlerOpts...)

	return &runtime{
		cfg:      cfg,
		audit:    audit,
		handler:  handler,
		manager:  manager,
		verifier: verifier,
		watcher:  watcher,
		preload:  preload,
	}, nil
}

func (rt *runtime) close() {
	rt.preload.Stop()
	rt.watcher.Stop()
	if rt.audit != nil {
		_ = rt.audit.Close()
	}
}

// routeCmd routes a single request and prints the decision.
var routeCmd = &cobra.Command{
	Use:   "route [text]",
	Short: "Route a request and print the decision as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRoute,
}

var (
	routeOperation string
	routeOverride  string
	routeHints     []string
)

func runRoute(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	ctx, tcancel := context.WithTimeout(ctx, timeout)
	defer tcancel()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	text := ""
	for i, a := range args {
		if i > 0 {
			text += " "
		}
		text += a
	}

	req := types.NewRequest(routeOperation, text, routeHints)
	if routeOverride != "" {
		mode, err := parseMode(routeOverride)
		if err != nil {
			return err
		}
		req = req.WithOverride(mode)
	}

	logger.Info("routing request", zap.String("request_id", req.ID))
	decision, err := rt.handler.Handle(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), decision)
}

// verifyCmd verifies output read from a file or stdin.
var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify model output and print the result as JSON",
	Long: `Reads output content from the given file, or stdin when no file is
supplied, runs the verification layers, and prints the result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

var verifyRisk string

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	var content []byte
	if len(args) == 1 {
		content, err = os.ReadFile(args[0])
	} else {
		content, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read output content: %w", err)
	}

	risk, err := parseRisk(verifyRisk)
	if err != nil {
		return err
	}

	result, err := rt.verifier.Verify(ctx, verification.Input{
		RequestID: types.NewDecisionID(),
		Content:   string(content),
		Risk:      risk,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

// modulesCmd lists registered and resident modules.
var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List resident modules and memory accounting",
	RunE:  runModules,
}

func runModules(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	out := struct {
		Stats    lifecycle.Stats        `json:"stats"`
		Resident []lifecycle.ModuleInfo `json:"resident"`
	}{
		Stats:    rt.manager.Stats(),
		Resident: rt.manager.Resident(),
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func parseMode(s string) (types.ExecutionMode, error) {
	for _, m := range types.AllExecutionModes() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

func parseRisk(s string) (types.RiskTier, error) {
	switch s {
	case "", "standard":
		return types.RiskStandard, nil
	case "elevated":
		return types.RiskElevated, nil
	case "critical":
		return types.RiskCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk tier %q", s)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to inferd.yaml (default <workspace>/inferd.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-command timeout")

	routeCmd.Flags().StringVar(&routeOperation, "operation", "chat", "request operation class")
	routeCmd.Flags().StringVar(&routeOverride, "mode", "", "force an execution mode")
	routeCmd.Flags().StringSliceVar(&routeHints, "hint", nil, "attached file extension hints (repeatable)")

	verifyCmd.Flags().StringVar(&verifyRisk, "risk", "standard", "risk tier of the originating request")

	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(modulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
