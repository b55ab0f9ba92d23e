// Package cli implements the pqsecure-mesh command tree: run, validate-config,
// and version, matching the teacher's cobra-based command structure.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var globalConfigPath string

var rootCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra command pattern
	Use:   "pqsecure-mesh",
	Short: "Post-quantum-capable mutually authenticated TLS sidecar proxy",
	Long: `pqsecure-mesh terminates mutually authenticated TLS for a backend
service using SPIFFE-shaped identities issued by a configured CA, enforces
a first-match-wins peer policy, and forwards allowed connections to the
backend unmodified.`,
	Version: Version,
}

// Execute runs the CLI without an existing context.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the CLI bound to ctx, so a caller's signal-driven
// cancellation propagates into whichever subcommand runs.
func ExecuteContext(ctx context.Context) error {
	rootCmd.SetContext(ctx)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("executing command: %w", err)
	}
	return nil
}

func init() { //nolint:gochecknoinits // cobra requires init for command setup
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to the mesh configuration file (required)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(versionCmd)
}
