package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pqsecure/mesh/internal/app"
	"github.com/pqsecure/mesh/internal/config"
	errs "github.com/pqsecure/mesh/internal/core/errors"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the mesh sidecar and serve every configured listener",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	if globalConfigPath == "" {
		return fmt.Errorf("%w: --config is required", ErrConfig)
	}

	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	logger := newLogger(cfg.Observability.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil {
		if errors.Is(err, errs.ErrConfigMissing) || errors.Is(err, errs.ErrConfigInvalid) {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
