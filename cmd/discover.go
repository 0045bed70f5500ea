package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-crawler/internal/logging"
)

// newDiscoverCmd creates the 'discover' subcommand, which pages through the
// catalog list endpoint and writes the identifier chunks.
func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Discovers catalog identifiers into input chunks",
		Long: `Pages through the catalog list endpoint using the configured API key
(discovery.api_key or STEAM_API_KEY), appending each page to numbered
identifier chunks and writing a metadata report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runID, err := appInstance.IDs().NewID()
			if err != nil {
				return err
			}
			d, err := appInstance.NewDiscovery(logging.ForRun(appInstance.Logger(), runID, appInstance.DiscoveryType()))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			report, err := d.Run(ctx)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			return writeReport(cmd, report)
		},
	}
}
