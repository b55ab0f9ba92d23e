// Package pqsecuremesh is the programmatic embedding surface for the
// pqsecure-mesh sidecar: the same composition root the CLI drives, exposed
// as a library so a host process can start a mesh instance in-process
// instead of shelling out to the binary.
package pqsecuremesh

import (
	"context"
	"log/slog"

	"github.com/pqsecure/mesh/internal/app"
	"github.com/pqsecure/mesh/internal/config"
)

// Run loads configPath, validates it, and runs the sidecar until ctx is
// cancelled or a fatal runtime error occurs. It is equivalent to
// `pqsecure-mesh run --config configPath`.
func Run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(ctx, cfg, logger)
}

// RunWithConfig runs the sidecar from an already-loaded configuration,
// letting an embedding host build cfg programmatically instead of from a
// file on disk.
func RunWithConfig(ctx context.Context, cfg *config.MeshConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return app.Run(ctx, cfg, logger)
}
