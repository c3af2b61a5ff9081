package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amitspk/blogwidget/api"
	"github.com/amitspk/blogwidget/common"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the public read API and admin API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Security.AdminKey == "" {
			common.Logger.Warn("no admin key configured, admin endpoints are disabled")
		}

		ctx := cmd.Context()
		d, err := buildDeps(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer d.close()

		server := api.New(cfg.Server, cfg.Security.AdminKey, cfg.Worker.MaxRetries,
			d.ledger, d.queue, d.store, d.thresholds, d.llm, d.search)

		errCh := make(chan error, 1)
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-stop:
			common.Logger.WithField("signal", sig.String()).Info("shutting down api server")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}
