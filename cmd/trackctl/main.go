// trackctl is the operator CLI: mint and inspect tracking tokens, and run a
// campaign dispatch from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ignite/mailtrack/internal/config"
	"github.com/ignite/mailtrack/internal/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trackctl",
		Short:         "Mailtrack operator CLI",
		Long:          `trackctl mints and inspects signed tracking tokens and dispatches campaigns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.LoadFromEnv(cfgFile); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("CONFIG_PATH"), "config file (optional)")

	root.AddCommand(newTokenCmd())
	root.AddCommand(newDispatchCmd())
	return root
}
