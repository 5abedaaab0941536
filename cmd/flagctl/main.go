package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/pkg/flagkit"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	userID     string
	customIDs  []string

	eventValue string
	eventMeta  []string

	refreshInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "flagctl",
	Short:        "flagctl - command line client for the flag evaluation service",
	SilenceUsage: true,
}

var checkGateCmd = &cobra.Command{
	Use:   "check-gate NAME",
	Short: "Fetch values for the user and print a gate",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckGate,
}

var getConfigCmd = &cobra.Command{
	Use:   "get-config NAME",
	Short: "Fetch values for the user and print a dynamic config as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetConfig,
}

var logEventCmd = &cobra.Command{
	Use:   "log-event NAME",
	Short: "Log a custom event and flush it",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogEvent,
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Resend event batches persisted after failed deliveries",
	RunE:  runRetryFailed,
}

var clearStorageCmd = &cobra.Command{
	Use:   "clear-storage",
	Short: "Delete persisted failed event batches for the configured SDK key",
	RunE:  runClearStorage,
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Keep a session alive, refresh values periodically and expose /metrics",
	RunE:  runServeMetrics,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to flagkit.yaml")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User ID")
	rootCmd.PersistentFlags().StringSliceVar(&customIDs, "custom-id", nil, "Custom ID as key=value (repeatable)")

	logEventCmd.Flags().StringVar(&eventValue, "value", "", "Event value")
	logEventCmd.Flags().StringSliceVarP(&eventMeta, "meta", "m", nil, "Event metadata as key=value (repeatable)")

	serveMetricsCmd.Flags().DurationVar(&refreshInterval, "refresh", time.Minute, "Values refresh interval")

	rootCmd.AddCommand(checkGateCmd, getConfigCmd, logEventCmd, retryFailedCmd, clearStorageCmd, serveMetricsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app — собранная сессия и ее окружение.
type app struct {
	cfg     *infra.Config
	logger  *zap.Logger
	session *flagkit.Session
}

func newApp(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}

	ids, err := parseKeyValues(customIDs)
	if err != nil {
		return nil, fmt.Errorf("custom-id: %w", err)
	}
	user := flagkit.User{UserID: userID, CustomIDs: ids}

	opts := []flagkit.Option{
		flagkit.WithStorage(cfg.Storage),
		flagkit.WithFallback(cfg.Fallback),
		flagkit.WithLogger(logger),
	}
	if reg != nil {
		opts = append(opts, flagkit.WithRegisterer(reg))
	}

	session, err := flagkit.New(ctx, cfg.SDK.SDKKey, user, cfg.SDK, opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, session: session}, nil
}

// close делает финальный флаш с сохранением неотправленного.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.session.Shutdown(ctx)
	_ = a.logger.Sync()
	return err
}

func runCheckGate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Initialize(cmd.Context()); err != nil {
		a.logger.Warn("initialize failed, using cached values", zap.Error(err))
	}

	gate := a.session.GetFeatureGate(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %t (%s)\n", args[0], gate.Value, gate.Details.Reason)
	return nil
}

func runGetConfig(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Initialize(cmd.Context()); err != nil {
		a.logger.Warn("initialize failed, using cached values", zap.Error(err))
	}

	cfg := a.session.GetConfig(args[0])
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"name":    cfg.Name,
		"value":   cfg.Value,
		"ruleID":  cfg.RuleID,
		"group":   cfg.GroupName,
		"details": cfg.Details,
	})
}

func runLogEvent(cmd *cobra.Command, args []string) error {
	meta, err := parseKeyValues(eventMeta)
	if err != nil {
		return fmt.Errorf("meta: %w", err)
	}

	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}

	var value any
	if eventValue != "" {
		value = eventValue
	}
	a.session.LogEvent(args[0], value, meta)

	// Финальный флаш внутри Shutdown: при ошибке сети батч сохранится
	if err := a.close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged %s\n", args[0])
	return nil
}

func runRetryFailed(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.close()

	done := make(chan struct{})
	a.session.RetryFailedRequests(func() { close(done) })

	select {
	case <-done:
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
	fmt.Fprintln(cmd.OutOrStdout(), "retry completed")
	return nil
}

func runClearStorage(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, closeStore, err := flagkit.OpenStore(cmd.Context(), cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	return flagkit.DeleteLocalStorage(cmd.Context(), store, cfg.SDK.SDKKey)
}

func runServeMetrics(cmd *cobra.Command, args []string) error {
	// 1. Контекст жизненного цикла: SIGTERM/SIGINT останавливают сервер
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Сессия с метриками в собственном реестре
	reg := prometheus.NewRegistry()
	a, err := newApp(ctx, reg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Initialize(ctx); err != nil {
		a.logger.Warn("initialize failed, using cached values", zap.Error(err))
	}

	// 3. /metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 4. Периодическое обновление значений
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.session.Refresh(ctx); err != nil {
				a.logger.Warn("refresh failed", zap.Error(err))
			}
		case err := <-errCh:
			return err
		case <-ctx.Done():
			// 5. Graceful Shutdown
			a.logger.Info("metrics server stopping")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// parseKeyValues разбирает список "k=v".
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
