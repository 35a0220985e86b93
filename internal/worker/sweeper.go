package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

type RetryableLister interface {
	ListRetryable(ctx context.Context, olderThan, staleBefore time.Time, limit int) ([]model.WebhookEvent, error)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, ev model.WebhookEvent) (pipeline.Outcome, error)
}

// SweepStats summarises one sweeper pass.
type SweepStats struct {
	Locked     bool
	Scanned    int
	Dispatched int
	Throttled  int
	Errors     int
}

// Sweeper re-dispatches events left pending, failed, or stuck in processing.
type Sweeper struct {
	events   RetryableLister
	pipeline EventDispatcher
	locker   Locker
	breakers *Breakers
	cfg      config.SweeperConfig
	lease    time.Duration
	log      *zap.Logger

	Now func() time.Time
}

func NewSweeper(
	events RetryableLister,
	p EventDispatcher,
	locker Locker,
	cfg config.SweeperConfig,
	processingLease time.Duration,
	l *zap.Logger,
) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "whgw:sweeper:lock"
	}
	return &Sweeper{
		events:   events,
		pipeline: p,
		locker:   locker,
		breakers: NewBreakers(cfg.Breaker),
		cfg:      cfg,
		lease:    processingLease,
		log:      logger.OrNop(l),
		Now:      time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		if st, err := s.RunOnce(ctx); err != nil {
			s.log.Error("sweep", zap.Error(err))
		} else if st.Scanned > 0 {
			s.log.Info("sweep done",
				zap.Int("scanned", st.Scanned),
				zap.Int("dispatched", st.Dispatched),
				zap.Int("throttled", st.Throttled),
				zap.Int("errors", st.Errors),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs a single pass. It returns Locked=false when another instance holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var st SweepStats

	if s.locker != nil {
		token := util.New()
		ok, err := s.locker.Acquire(ctx, s.cfg.LockKey, token, s.cfg.LockTTL)
		if err != nil {
			return st, err
		}
		if !ok {
			return st, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), s.cfg.LockKey, token); err != nil {
				s.log.Warn("release sweeper lock", zap.Error(err))
			}
		}()
	}
	st.Locked = true

	now := s.Now()
	evs, err := s.events.ListRetryable(ctx, now.Add(-s.cfg.MinAge), now.Add(-s.lease), s.cfg.BatchSize)
	if err != nil {
		return st, err
	}
	st.Scanned = len(evs)

	for _, ev := range evs {
		if ctx.Err() != nil {
			break
		}
		b := s.breakers.For(ev.Provider)
		if !b.TryAcquire() {
			st.Throttled++
			metrics.SweeperRuns.WithLabelValues(ev.Provider, "throttled").Inc()
			continue
		}

		out, err := s.pipeline.Dispatch(ctx, ev)
		if err != nil {
			b.Release()
			st.Errors++
			metrics.SweeperRuns.WithLabelValues(ev.Provider, "error").Inc()
			s.log.Error("sweeper dispatch", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}

		switch out {
		case pipeline.OutcomeSucceeded:
			b.OnSuccess()
		case pipeline.OutcomeRetryLater, pipeline.OutcomeEscalated:
			b.OnFailure()
		default:
			b.Release()
		}
		st.Dispatched++
		metrics.SweeperRuns.WithLabelValues(ev.Provider, string(out)).Inc()
	}
	return st, nil
}
