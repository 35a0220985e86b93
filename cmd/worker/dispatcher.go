package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/service/queue"
	"github.com/jmehdipour/webhook-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Consume webhooks.dispatch and run handlers for stored events (async mode)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		kcfg := kafka.ConfigFor(e.cfg.Kafka, queue.DispatchKafkaTopic)
		if kcfg.GroupID == "" {
			kcfg.GroupID = "whgw-dispatcher"
		}
		consumer := kafka.NewConsumer(kcfg, e.log)
		defer consumer.Close()

		w := worker.NewDispatchKafka(consumer, e.app.Pipeline, e.log)
		if e.cfg.Dispatcher.WorkerCount > 0 {
			w.Workers = e.cfg.Dispatcher.WorkerCount
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e.log.Info("dispatcher started",
			zap.String("topic", kcfg.Topic),
			zap.String("group_id", kcfg.GroupID),
			zap.Int("workers", w.Workers),
		)
		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	},
}
