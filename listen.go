package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/spf13/cobra"
)

type batchHandler interface {
	HandleBatch(ctx context.Context, info notification.Info) int
}

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Validate uploads from MinIO bucket notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
				cfg.Checker.Workers = workers
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if a.minio == nil {
				return errNoStorage
			}
			a.start(ctx)

			runListener(ctx, a, cfg.Checker.Workers)
			slog.Info("listener stopped")
			return nil
		},
	}

	cmd.Flags().IntP("workers", "w", 0, "Override the configured worker count")

	return cmd
}

func runListener(ctx context.Context, a *app, workers int) {
	prefix := a.cfg.Checker.KeyPrefix + "/"
	slog.Info("listening for bucket notifications", "bucket", a.minio.Bucket(), "prefix", prefix, "workers", workers)
	dispatch(ctx, a.minio.ListenCreated(ctx, prefix), a.validator, workers)
}

// dispatch fans notifications out to a fixed pool of workers and returns
// once the channel is closed and every batch has been handled.
func dispatch(ctx context.Context, events <-chan notification.Info, h batchHandler, workers int) {
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan notification.Info)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for info := range jobs {
				n := h.HandleBatch(ctx, info)
				slog.Debug("notification batch handled", "records", n)
			}
		}()
	}

	for info := range events {
		if info.Err != nil {
			slog.Warn("bucket notification error", "error", info.Err)
			continue
		}
		jobs <- info
	}
	close(jobs)
	wg.Wait()
}
