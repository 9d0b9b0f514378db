package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/toolwarden/internal/metrics"
	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/server"
)

var (
	serveAddr        string
	serveMetricsAddr string
	servePurgeEvery  time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":50051", "gRPC listen address")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9464", "Prometheus /metrics listen address (empty disables)")
	serveCmd.Flags().DurationVar(&servePurgeEvery, "purge-interval", time.Minute, "How often stale approval tokens are marked expired")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC governance server",
	Long: "Runs toolwarden as a central governance server over gRPC.\n" +
		"Agents call Check before every tool call and Scan/Redact on tool output.\n" +
		"The policy file is hot-reloaded; an invalid edit makes checks fail closed.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	m := metrics.New()
	opts := flagOptions()
	opts.metrics = m

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	srv, err := server.New(server.Config{Addr: serveAddr, Gateway: a.gw, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	watcher, err := policy.NewWatcher(a.gw.Policies(), logger, policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	} else {
		watcher.OnReload = func(path string, res policy.ValidationResult, err error) {
			switch {
			case err != nil:
				m.RecordPolicyReload("error")
			case !res.Valid:
				m.RecordPolicyReload("invalid")
			default:
				m.RecordPolicyReload("ok")
			}
		}
		go watcher.Run(ctx)
	}

	go purgeLoop(ctx, a, servePurgeEvery)

	var metricsSrv *http.Server
	if serveMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: serveMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		fmt.Fprintln(os.Stderr, "\nShutting down governance server...")
		cancel()
		if metricsSrv != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		srv.GracefulStop()
	}()

	fmt.Fprintf(os.Stderr, "toolwarden governance server listening on %s\n", serveAddr)
	fmt.Fprintf(os.Stderr, "Policy: %s (hot-reload enabled)\n", policyPath)
	if serveMetricsAddr != "" {
		fmt.Fprintf(os.Stderr, "Metrics: http://%s/metrics\n", serveMetricsAddr)
	}
	fmt.Fprintln(os.Stderr)

	return srv.Serve()
}

// purgeLoop marks stale tokens expired until ctx is cancelled.
func purgeLoop(ctx context.Context, a *app, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.gw.PurgeExpired(ctx)
			if err != nil {
				a.logger.Warn("token purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("expired stale approval tokens", zap.Int64("count", n))
			}
		}
	}
}
