package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/crawler"
	"github.com/amitspk/blogwidget/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the blog processing worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		d, err := buildDeps(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer d.close()

		crawl := crawler.New(crawler.Config{
			Timeout:        cfg.Crawler.Timeout,
			MaxContentSize: cfg.Crawler.MaxContentSize,
			MaxRedirects:   cfg.Crawler.MaxRedirects,
			MaxRetries:     cfg.Crawler.MaxRetries,
			UserAgent:      cfg.Crawler.UserAgent,
		})

		pool := worker.New(worker.Config{
			PollInterval:      cfg.Worker.PollInterval,
			BatchSize:         cfg.Worker.BatchSize,
			Concurrency:       cfg.Worker.Concurrency,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			StallFactor:       cfg.Worker.StallFactor,
			ReaperTTL:         cfg.Worker.ReaperTTL,
		}, d.queue, d.store, d.ledger, crawl, d.llm, d.search)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-stop
			common.Logger.WithField("signal", sig.String()).Info("stopping worker pool")
			cancel()
		}()

		pool.Run(ctx)
		return nil
	},
}
