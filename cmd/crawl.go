package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/runs"
	"github.com/JakeFAU/catalog-crawler/internal/scrapers"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one scraper type
// in the foreground until its input is exhausted or it is interrupted.
func newCrawlCmd() *cobra.Command {
	var (
		req      runs.Request
		noResume bool
	)
	cmd := &cobra.Command{
		Use:   "crawl <scraper_type>",
		Short: "Runs one batch crawl in the foreground",
		Long: fmt.Sprintf(`Reads numbered input chunks, fetches one payload per identifier and
writes numbered output chunks plus a run report. Scraper types: %s.
SIGINT or SIGTERM stops dispatching, flushes results and still writes the report.`,
			strings.Join(scrapers.Types(), ", ")),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req.ScraperType = args[0]
			if cmd.Flags().Changed("no-resume") {
				resume := !noResume
				req.Resume = &resume
			}

			runID, err := appInstance.IDs().NewID()
			if err != nil {
				return err
			}
			logger := logging.ForRun(appInstance.Logger(), runID, req.ScraperType)
			orch, err := appInstance.NewOrchestrator(req, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			report, err := orch.Run(ctx)
			if err != nil {
				return fmt.Errorf("crawl %s: %w", req.ScraperType, err)
			}
			return writeReport(cmd, report)
		},
	}
	cmd.Flags().IntVar(&req.MaxInputFiles, "max-input-files", 0, "stop after this many input files (0 keeps the configured cap)")
	cmd.Flags().IntVar(&req.StartInputFile, "start-input-file", 0, "first input file index, overriding the checkpoint")
	cmd.Flags().IntVar(&req.StartOutputFile, "start-output-file", 0, "first output file index, overriding the checkpoint")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "ignore the saved checkpoint")
	return cmd
}

func writeReport(cmd *cobra.Command, report any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
