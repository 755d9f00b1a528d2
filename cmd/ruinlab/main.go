// Package main provides the ruinlab command line: bot solvency analysis from
// the trade ledger (Kelly statistics, Monte Carlo ruin simulation, scenario
// stress tests and minimum-bankroll calibration) plus an HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-desktop/ruinlab/internal/analysis"
	"github.com/atlas-desktop/ruinlab/internal/config"
	"github.com/atlas-desktop/ruinlab/internal/logging"
	"github.com/atlas-desktop/ruinlab/internal/metrics"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// app carries what every subcommand shares once Before has run.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pool     *workers.Pool
	engine   *montecarlo.Engine
	analyzer *analysis.Analyzer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	cliApp := &cli.App{
		Name:  "ruinlab",
		Usage: "Kelly and risk-of-ruin analysis for a trading bot's ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML/JSON/TOML config file",
				EnvVars: []string{"RUINLAB_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before the environment is read",
			},
			&cli.StringFlag{
				Name:  "ledger",
				Usage: "ledger DSN (sqlite path, json path or postgres URL); overrides ledger.dsn",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error); overrides log.level",
			},
		},
		Before: a.setup,
		After:  a.teardown,
		Commands: []*cli.Command{
			analyzeCommand(a),
			kellyCommand(a),
			simulateCommand(a),
			calibrateCommand(a),
			importCommand(a),
			serveCommand(a),
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ruinlab:", err)
		os.Exit(1)
	}
}

func (a *app) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return err
	}
	if dsn := c.String("ledger"); dsn != "" {
		cfg.Ledger.DSN = dsn
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "ruinlab")

	poolCfg := workers.DefaultPoolConfig("montecarlo")
	if cfg.Workers.NumWorkers > 0 {
		poolCfg.NumWorkers = cfg.Workers.NumWorkers
	}
	if cfg.Workers.MinChunk > 0 {
		poolCfg.MinChunk = cfg.Workers.MinChunk
	}
	pool := workers.NewPool(logger, poolCfg)
	pool.Start()

	engine := montecarlo.NewEngine(logger, m, pool)

	*a = app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		pool:     pool,
		engine:   engine,
		analyzer: analysis.NewAnalyzer(logger, engine, m),
	}
	return nil
}

func (a *app) teardown(c *cli.Context) error {
	if a.pool != nil {
		if err := a.pool.Stop(); err != nil {
			a.logger.Warn("Worker pool did not stop cleanly", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}
