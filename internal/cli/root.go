package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ppiankov/toolwarden/internal/anomaly"
	"github.com/ppiankov/toolwarden/internal/audit"
	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/governance"
	"github.com/ppiankov/toolwarden/internal/metrics"
	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/store"
)

var (
	logLevel    string
	storePath   string
	journalPath string
	policyPath  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", store.DefaultPath(), "Path to the shared SQLite state store")
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", defaultJournalPath(), "Path to the hash-chained JSONL journal (empty disables)")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", policy.DefaultPath(), "Path to policy YAML")
}

var rootCmd = &cobra.Command{
	Use:           "toolwarden",
	Short:         "Governance gateway for agent tool calls",
	Long:          "Decides whether an agent's tool call may run, must be escalated for human approval,\nor is denied. Scans tool output for sensitive data before it reaches the agent.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code without printing anything extra.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func defaultJournalPath() string {
	return filepath.Join(filepath.Dir(store.DefaultPath()), "journal.jsonl")
}

// newLogger builds a JSON production logger on stderr at the given level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// app bundles everything a command needs to talk to the shared state.
type app struct {
	logger  *zap.Logger
	store   *store.Store
	journal *audit.Journal
	events  *audit.Mirror
	esc     *escalation.Manager
	metrics *metrics.Metrics
	gw      *governance.Gateway
}

type appOptions struct {
	logLevel    string
	storePath   string
	journalPath string
	policyPath  string
	metrics     *metrics.Metrics
}

func flagOptions() appOptions {
	return appOptions{
		logLevel:    logLevel,
		storePath:   storePath,
		journalPath: journalPath,
		policyPath:  policyPath,
	}
}

// openApp opens the store and journal and wires a gateway over them.
func openApp(ctx context.Context, o appOptions) (*app, error) {
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(o.storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var journal *audit.Journal
	if o.journalPath != "" {
		journal, err = audit.Open(o.journalPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}
	events := audit.NewMirror(st, journal, logger)

	esc, err := escalation.NewManager(ctx, events, escalation.WithLogger(logger))
	if err != nil {
		closeAll(st, journal)
		return nil, fmt.Errorf("failed to create escalation manager: %w", err)
	}

	gw, err := governance.New(governance.Config{
		Store:      events,
		Escalation: esc,
		Anomaly:    anomaly.NewDetector(events, logger),
		PolicyPath: o.policyPath,
		Logger:     logger,
		Metrics:    o.metrics,
	})
	if err != nil {
		closeAll(st, journal)
		return nil, err
	}

	return &app{
		logger:  logger,
		store:   st,
		journal: journal,
		events:  events,
		esc:     esc,
		metrics: o.metrics,
		gw:      gw,
	}, nil
}

// Close releases the store and journal.
func (a *app) Close() error {
	_ = a.logger.Sync()
	return closeAll(a.store, a.journal)
}

func closeAll(st *store.Store, journal *audit.Journal) error {
	var errs []error
	if journal != nil {
		errs = append(errs, journal.Close())
	}
	errs = append(errs, st.Close())
	return errors.Join(errs...)
}
