package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pqsecure/mesh/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration file without starting the sidecar",
	RunE:  runValidateConfig,
}

func runValidateConfig(cmd *cobra.Command, _ []string) error {
	if globalConfigPath == "" {
		return fmt.Errorf("%w: --config is required", ErrConfig)
	}
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d listener(s), trust domain %q\n",
		len(cfg.Listeners), cfg.Identity.Tenant)
	return nil
}
