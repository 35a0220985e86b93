package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"go.uber.org/zap"
)

// Consumer is the subset of kafka.Consumer the dispatcher uses.
type Consumer interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type Dispatcher interface {
	DispatchByID(ctx context.Context, id string) (pipeline.Outcome, error)
}

// DispatchKafka:
// - fetches dispatch envelopes from Kafka,
// - runs the pipeline for each referenced event on a pool of goroutines,
// - commits every message; events left behind are picked up by the sweeper.
type DispatchKafka struct {
	Consumer Consumer
	Pipeline Dispatcher
	Workers  int
	Log      *zap.Logger
}

func NewDispatchKafka(consumer Consumer, p Dispatcher, l *zap.Logger) *DispatchKafka {
	return &DispatchKafka{Consumer: consumer, Pipeline: p, Workers: 16, Log: logger.OrNop(l)}
}

// Run blocks until ctx is cancelled and all in-flight events finished.
func (w *DispatchKafka) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 16
	}
	w.Log = logger.OrNop(w.Log)

	msgCh := make(chan kafka.Message, w.Workers*2)

	go func() {
		defer close(msgCh)
		for {
			m, err := w.Consumer.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Error("kafka fetch", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m)
			}
		}()
	}

	wg.Wait()
	return nil
}

func (w *DispatchKafka) processOne(ctx context.Context, m kafka.Message) {
	var env model.DispatchEnvelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.EventID == "" {
		w.Log.Warn("bad dispatch envelope", zap.ByteString("value", m.Value), zap.Error(err))
		w.commit(ctx, m)
		return
	}

	// Handlers run to completion even if shutdown starts mid-event.
	out, err := w.Pipeline.DispatchByID(context.WithoutCancel(ctx), env.EventID)
	if err != nil {
		w.Log.Error("dispatch",
			zap.String("event_id", env.EventID),
			zap.String("provider", env.Provider),
			zap.Error(err),
		)
	} else {
		w.Log.Debug("dispatched", zap.String("event_id", env.EventID), zap.String("outcome", string(out)))
	}

	w.commit(ctx, m)
}

func (w *DispatchKafka) commit(ctx context.Context, m kafka.Message) {
	if err := w.Consumer.Commit(context.WithoutCancel(ctx), m); err != nil {
		w.Log.Error("kafka commit", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
