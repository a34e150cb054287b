// ============================================================================
// tilesplit CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands wiring config, scan, splitter and controller together
//
// Command Structure:
//   tilesplit                      # Root command
//   ├── run <input>                # Split every image under input
//   │   ├── --format              # Output preset (instagram_square, ...)
//   │   ├── --workers             # Worker count (clamped to [1, NumCPU])
//   │   ├── --output              # Output root directory
//   │   ├── --resume              # Resume ledger path
//   │   ├── --report              # Batch report path
//   │   ├── --plan                # Boundary plan file (explicit cuts)
//   │   └── --analyze-only        # Print analysis, write nothing
//   ├── status                     # Show resume ledger state
//   │   └── --resume
//   ├── init [path]                # Write the default configuration
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --log-level                # debug | info | warn | error
//
// Signal Handling:
//   run cancels its context on SIGINT / SIGTERM. In-flight units finish the
//   tile they are writing, the ledger is snapshotted and an interrupted
//   report is written. The process exits 0 so the next run simply resumes.
//
// Exit codes:
//   0  run finished (including interrupted runs and per-image failures)
//   1  configuration error, unreadable input or ledger corruption
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/tilesplit/internal/boundary"
	"github.com/ChuLiYu/tilesplit/internal/config"
	"github.com/ChuLiYu/tilesplit/internal/controller"
	"github.com/ChuLiYu/tilesplit/internal/metrics"
	"github.com/ChuLiYu/tilesplit/internal/report"
	"github.com/ChuLiYu/tilesplit/internal/scan"
	"github.com/ChuLiYu/tilesplit/internal/splitter"
	"github.com/ChuLiYu/tilesplit/internal/storage/wal"
	"github.com/ChuLiYu/tilesplit/pkg/types"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// globalOptions holds the persistent flags.
type globalOptions struct {
	configFile string
	logLevel   string
}

type runOptions struct {
	format      string
	workers     int
	output      string
	resume      string
	reportPath  string
	planPath    string
	analyzeOnly bool
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tilesplit",
		Short: "tilesplit: split tall images into platform-sized tiles",
		Long: `tilesplit splits composite images into tiles sized for social platforms.
- Automatic boundaries from a preset, or explicit cuts from a plan file
- Resumable: a crash or Ctrl+C never loses or repeats finished work
- Bounded parallelism with per-image failure isolation`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand(g))
	rootCmd.AddCommand(buildStatusCommand(g))
	rootCmd.AddCommand(buildInitCommand(g))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(g *globalOptions) *cobra.Command {
	o := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <input>",
		Short: "Start splitting every image under <input>",
		Long:  "Split a directory (recursively) or a single image file into tiles, resuming any earlier run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configExplicit := cmd.Flags().Changed("config") || cmd.InheritedFlags().Changed("config")
			return runSplit(cmd.Context(), g, o, configExplicit, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&o.format, "format", "", "output preset (default "+config.DefaultFormat+")")
	cmd.Flags().IntVar(&o.workers, "workers", 0, "worker count, 0 uses worker_count from config")
	cmd.Flags().StringVarP(&o.output, "output", "o", "output", "output root directory")
	cmd.Flags().StringVar(&o.resume, "resume", "", "resume ledger path (default <output>/.tilesplit/resume.json)")
	cmd.Flags().StringVar(&o.reportPath, "report", "", "batch report path (default <output>/batch_report.json)")
	cmd.Flags().StringVar(&o.planPath, "plan", "", "boundary plan YAML with explicit cuts")
	cmd.Flags().BoolVar(&o.analyzeOnly, "analyze-only", false, "print the split analysis as JSON and exit")

	return cmd
}

func runSplit(ctx context.Context, g *globalOptions, o *runOptions, configExplicit bool, input string, stdout, stderr io.Writer) error {
	logger, err := newLogger(g.logLevel, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(g.configFile, configExplicit)
	if err != nil {
		return err
	}
	if o.workers > 0 {
		cfg.WorkerCount = o.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	format := o.format
	if format == "" {
		format = config.DefaultFormat
	}
	if _, err := cfg.Preset(format); err != nil {
		return err
	}

	var plan *boundary.Plan
	if o.planPath != "" {
		if plan, err = boundary.LoadPlan(o.planPath); err != nil {
			return err
		}
	}

	output, err := filepath.Abs(o.output)
	if err != nil {
		return fmt.Errorf("invalid output directory: %w", err)
	}
	resumePath := o.resume
	if resumePath == "" {
		resumePath = filepath.Join(output, ".tilesplit", "resume.json")
	}
	reportPath := o.reportPath
	if reportPath == "" {
		reportPath = filepath.Join(output, "batch_report.json")
	}

	sources, err := scan.Sources(input, output)
	if err != nil {
		return err
	}
	inputRoot, err := scan.Root(input)
	if err != nil {
		return err
	}

	split, err := splitter.New(splitter.Options{
		Config:    cfg,
		Format:    format,
		OutputDir: output,
		InputRoot: inputRoot,
		Plan:      plan,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if o.analyzeOnly {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(split.Analyze(sources))
	}
	if err := split.Preflight(sources); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)

		metricsCtx, cancelMetrics := context.WithCancel(context.Background())
		defer cancelMetrics()
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			logger.Info("Starting metrics server", "addr", addr)
			if err := metrics.Serve(metricsCtx, addr, reg); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	ctrl, err := controller.New(controller.Config{
		ResumePath:       resumePath,
		Format:           format,
		WorkerCount:      cfg.EffectiveWorkers(),
		RetryBudget:      cfg.RetryBudget,
		UnitTimeout:      cfg.UnitTimeout,
		FlushEvery:       cfg.Ledger.FlushEvery,
		FlushInterval:    cfg.Ledger.FlushInterval,
		SnapshotInterval: cfg.Ledger.SnapshotInterval,
		ProgressEvery:    cfg.ProgressEvery,
		Logger:           logger,
		Metrics:          collector,
		Layout:           split,
	}, split.Process)
	if err != nil {
		return err
	}

	r, runErr := ctrl.Run(ctx, sources)
	if runErr != nil && r.RunID == "" {
		// 恢復失敗：沒有可寫的報告
		return runErr
	}

	if err := report.Write(reportPath, r); err != nil {
		return errors.Join(runErr, err)
	}
	printSummary(stdout, r, reportPath)
	return runErr
}

// loadConfig reads the config file. A missing default file falls back to the
// built-in defaults; a missing file named explicitly is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// newLogger builds the stderr text logger for level.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, &config.Error{Field: "log-level", Err: fmt.Errorf("unknown level %q", level)}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})), nil
}

func printSummary(w io.Writer, r types.BatchReport, reportPath string) {
	state := "finished"
	if r.Interrupted {
		state = "interrupted (run again to resume)"
	}
	fmt.Fprintf(w, "Run %s %s\n", r.RunID, state)
	fmt.Fprintf(w, "  scanned:   %d\n", r.TotalScanned)
	fmt.Fprintf(w, "  completed: %d\n", r.Completed)
	fmt.Fprintf(w, "  skipped:   %d\n", r.Skipped)
	fmt.Fprintf(w, "  failed:    %d\n", r.Failed)
	fmt.Fprintf(w, "  pending:   %d\n", r.Pending)
	fmt.Fprintf(w, "  tiles:     %d\n", r.TotalTilesWritten)
	if r.VariantsWritten > 0 {
		fmt.Fprintf(w, "  variants:  %d\n", r.VariantsWritten)
	}
	fmt.Fprintf(w, "  report:    %s\n", reportPath)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(g *globalOptions) *cobra.Command {
	var resume string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show resume ledger status",
		Long:  "Load the resume snapshot and journal and print unit counts and failures. Nothing is modified.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), resume)
		},
	}
	cmd.Flags().StringVar(&resume, "resume", filepath.Join("output", ".tilesplit", "resume.json"), "resume ledger path")
	return cmd
}

func showStatus(w io.Writer, resumePath string) error {
	state, err := controller.LoadState(resumePath)
	if err != nil {
		return err
	}

	counts := map[types.UnitStatus]int{}
	var failed []*types.WorkUnit
	tiles, variants := 0, 0
	for _, u := range state.Data.Units {
		counts[u.Status]++
		tiles += len(u.Outputs)
		variants += len(u.Variants)
		if u.Status == types.StatusFailed {
			failed = append(failed, u)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Path < failed[j].Path })

	fmt.Fprintf(w, "Resume ledger: %s\n", resumePath)
	switch {
	case !state.HasSnapshot:
		fmt.Fprintln(w, "  snapshot:    none")
	case !state.SnapshotAt.IsZero():
		fmt.Fprintf(w, "  snapshot:    %s\n", state.SnapshotAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "  last seq:    %d (journal events replayed: %d)\n", state.Data.LastSeq, state.Replay.Applied)
	if j := state.Journal; j != nil && j.TotalEvents > 0 {
		fmt.Fprintf(w, "  journal:     %d events (seq %d-%d, %s)\n",
			j.TotalEvents, j.FirstSeq, j.LastSeq, formatEventTypes(j.EventTypes))
	}
	if state.Replay.TornTail {
		fmt.Fprintln(w, "  journal:     incomplete final record (ignored)")
	}
	fmt.Fprintf(w, "  units:       %d\n", len(state.Data.Units))
	for _, st := range []types.UnitStatus{types.StatusPending, types.StatusInProgress, types.StatusDone, types.StatusFailed} {
		fmt.Fprintf(w, "  %-12s %d\n", string(st)+":", counts[st])
	}
	fmt.Fprintf(w, "  tiles:       %d\n", tiles)
	if variants > 0 {
		fmt.Fprintf(w, "  variants:    %d\n", variants)
	}

	if len(failed) > 0 {
		fmt.Fprintln(w, "Failures:")
		for _, u := range failed {
			fmt.Fprintf(w, "  %s [%s] %s\n", u.Path, u.ErrorKind, strings.TrimSpace(u.LastError))
		}
	}
	return nil
}

// formatEventTypes 例如 "CLAIM=3 DONE=2"
func formatEventTypes(counts map[wal.EventType]int) string {
	names := make([]string, 0, len(counts))
	for t := range counts {
		names = append(names, string(t))
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[wal.EventType(name)]))
	}
	return strings.Join(parts, " ")
}

// ============================================================================
// init
// ============================================================================

func buildInitCommand(g *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := writeDefaultConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := config.Default().Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
