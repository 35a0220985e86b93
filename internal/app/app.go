package app

import (
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/handlers"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/service/queue"
	"github.com/jmehdipour/webhook-gateway/internal/signature"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// App holds the wired pipeline and the stores the HTTP and worker commands read from.
type App struct {
	Pipeline *pipeline.Pipeline
	Replayer *pipeline.Replayer
	Queue    *queue.Service

	Events      *repository.EventsRepositoryImpl
	DeadLetters *repository.DeadLetterRepositoryImpl
	ActionLogs  *repository.ActionLogRepositoryImpl
	Operators   *repository.OperatorsRepositoryImpl
	Stats       repository.CHEventsRepository
}

// Build wires repositories, verifier, handler registry and pipeline.
func Build(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, l *zap.Logger) (*App, error) {
	log := logger.OrNop(l)

	// repos (MySQL)
	eventsRepo := repository.NewEventsRepository(mysqlDB)
	dlqRepo := repository.NewDeadLetterRepository(mysqlDB)
	actionRepo := repository.NewActionLogRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	usersRepo := repository.NewUsersRepository(mysqlDB)
	ledgerRepo := repository.NewLedgerRepository(mysqlDB)
	subsRepo := repository.NewSubscriptionsRepository(mysqlDB)
	referralsRepo := repository.NewReferralsRepository(mysqlDB)
	suppressionsRepo := repository.NewSuppressionsRepository(mysqlDB)
	operatorsRepo := repository.NewOperatorsRepository(mysqlDB)

	// repos (ClickHouse)
	engagementRepo := repository.NewCHEngagementRepository(clickhouseDB)
	statsRepo := repository.NewCHEventsRepository(clickhouseDB)

	// services
	queueSvc := queue.New(outboxRepo)

	verifier, err := signature.NewVerifier(cfg.Providers, log)
	if err != nil {
		return nil, fmt.Errorf("signature verifier: %w", err)
	}

	opts := pipeline.OptionsFrom(cfg.Pipeline)
	rec := pipeline.NewRecorder(actionRepo, log)
	reg := pipeline.NewRegistry(rec, log)
	retry := pipeline.NewRetryController(eventsRepo, dlqRepo, rec, opts.MaxAttempts, log)

	tiers := handlers.Tiers{Default: cfg.Subscriptions.DefaultTier, Plans: cfg.Subscriptions.PlanTiers}
	payments := handlers.NewPayments(usersRepo, ledgerRepo, subsRepo, referralsRepo, queueSvc, tiers, rec, log)
	email := handlers.NewEmail(usersRepo, suppressionsRepo, engagementRepo, rec, log)
	if err := handlers.Bind(reg, cfg.Providers, payments, email); err != nil {
		return nil, fmt.Errorf("bind handlers: %w", err)
	}

	p := pipeline.New(cfg.Providers, verifier, eventsRepo, reg, retry, rec, queueSvc, opts, log)

	return &App{
		Pipeline:    p,
		Replayer:    pipeline.NewReplayer(p, dlqRepo, cfg.Pipeline.ReviewLease, log),
		Queue:       queueSvc,
		Events:      eventsRepo,
		DeadLetters: dlqRepo,
		ActionLogs:  actionRepo,
		Operators:   operatorsRepo,
		Stats:       statsRepo,
	}, nil
}
