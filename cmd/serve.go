package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
)

type serveOptions struct {
	port            int
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	apiKey          string
}

// newServeCmd creates the 'serve' subcommand, which exposes the run API.
func newServeCmd() *cobra.Command {
	var portOverride int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API that triggers and tracks runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			opts := serveOptions{
				port:            cfg.Server.Port,
				requestTimeout:  cfg.Server.RequestTimeout,
				shutdownTimeout: cfg.Server.ShutdownTimeout,
			}
			if cfg.Auth.Enabled {
				opts.apiKey = cfg.Auth.APIKey
			}
			if portOverride > 0 {
				opts.port = portOverride
			}

			manager, err := appInstance.NewRunManager()
			if err != nil {
				return err
			}
			server := api.NewServer(manager, appInstance.IDs(), api.Options{
				APIKey:         opts.apiKey,
				RequestTimeout: opts.requestTimeout,
			}, appInstance.Logger())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, server.Handler(), opts, manager, appInstance.Logger())
		},
	}
	cmd.Flags().IntVar(&portOverride, "port", 0, "listen port (defaults to server.port)")
	return cmd
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func serve(ctx context.Context, handler http.Handler, opts serveOptions, runs shutdowner, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(opts.port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", opts.port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("active runs did not finish before shutdown deadline", zap.Error(err))
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
