package worker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmehdipour/webhook-gateway/internal/app"
	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type env struct {
	cfg     config.Config
	log     *zap.Logger
	app     *app.App
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	_ = e.log.Sync()
}

// bootstrap loads config, connects the stores and wires the pipeline.
func bootstrap(cmd *cobra.Command) (*env, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	e := &env{cfg: cfg, log: logger.Init(cfg.Log.Level)}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error("metrics listener", zap.Error(err))
			}
		}()
	}

	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	e.closers = append(e.closers, mysqlDB.Close)

	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	e.closers = append(e.closers, chDB.Close)

	if e.app, err = buildApp(cfg, mysqlDB, chDB, e.log); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Workers always dispatch inline; scheduling again from a worker would loop.
func buildApp(cfg config.Config, mysqlDB, chDB *sqlx.DB, log *zap.Logger) (*app.App, error) {
	cfg.Pipeline.DispatchMode = "inline"
	return app.Build(cfg, mysqlDB, chDB, log)
}
