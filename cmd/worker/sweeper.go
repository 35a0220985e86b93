package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/jmehdipour/webhook-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepOnce bool

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Re-dispatch pending, failed and stuck events on an interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		rdb, err := db.NewRedisClient(e.cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = rdb.Close() }()

		s := worker.NewSweeper(
			e.app.Events,
			e.app.Pipeline,
			worker.NewRedisLocker(rdb),
			e.cfg.Sweeper,
			e.cfg.Pipeline.ProcessingLease,
			e.log,
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if sweepOnce {
			st, err := s.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			e.log.Info("sweep done",
				zap.Bool("locked", st.Locked),
				zap.Int("scanned", st.Scanned),
				zap.Int("dispatched", st.Dispatched),
				zap.Int("throttled", st.Throttled),
				zap.Int("errors", st.Errors),
			)
			return nil
		}

		e.log.Info("sweeper started",
			zap.Duration("interval", e.cfg.Sweeper.Interval),
			zap.Int("batch_size", e.cfg.Sweeper.BatchSize),
		)
		return s.Run(ctx)
	},
}

func init() {
	sweeperCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single pass and exit")
}
