package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/analysis"
	"github.com/atlas-desktop/ruinlab/internal/api"
	"github.com/atlas-desktop/ruinlab/internal/calibration"
	"github.com/atlas-desktop/ruinlab/internal/kelly"
	"github.com/atlas-desktop/ruinlab/internal/ledger"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

var queryFlags = []cli.Flag{
	&cli.StringFlag{Name: "since", Usage: "only trades opened at or after this date (YYYY-MM-DD or RFC3339)"},
	&cli.StringFlag{Name: "until", Usage: "only trades opened before this date (YYYY-MM-DD or RFC3339)"},
	&cli.StringSliceFlag{Name: "bot-version", Usage: "only trades from these bot versions; overrides ledger.bot_versions"},
}

var outputFlag = &cli.StringFlag{
	Name:    "output",
	Aliases: []string{"o"},
	Usage:   "write JSON here instead of stdout",
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func analyzeCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "run the full solvency analysis and print the report",
		Flags: withFlags(queryFlags, []cli.Flag{outputFlag}),
		Action: func(c *cli.Context) error {
			trades, err := a.loadTrades(c)
			if err != nil {
				return err
			}

			report, err := a.analyzer.Run(c.Context, analysis.Request{
				Trades:  trades,
				Options: analysis.FromConfig(a.cfg),
				Progress: func(p analysis.Progress) {
					if p.Probe != nil {
						a.logger.Debug("calibration probe",
							zap.Float64("bankroll", p.Probe.Bankroll),
							zap.Float64("probability_bankrupt", p.Probe.ProbabilityBankrupt),
						)
						return
					}
					a.logger.Info(p.Message, zap.String("stage", string(p.Stage)))
				},
			})
			if err != nil {
				return err
			}
			return writeJSON(c, report)
		},
	}
}

// kellyOutput is printed by the kelly subcommand.
type kellyOutput struct {
	Kelly     kelly.Result         `json:"kelly"`
	BreakEven kelly.BreakEvenPoint `json:"breakEven"`
	Ablated   *kelly.Result        `json:"ablated,omitempty"`
	ByVersion []kelly.GroupResult  `json:"byVersion,omitempty"`
}

func kellyCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "kelly",
		Usage: "print Kelly statistics for the ledger",
		Flags: withFlags(queryFlags, []cli.Flag{outputFlag}),
		Action: func(c *cli.Context) error {
			trades, err := a.loadTrades(c)
			if err != nil {
				return err
			}
			s, err := sample.FromTrades(trades)
			if err != nil {
				return err
			}

			calc := kelly.NewCalculator(a.logger)
			out := kellyOutput{Kelly: calc.Calculate(s)}
			out.BreakEven = kelly.BreakEven(out.Kelly)

			var exclude []types.TradePredicate
			if len(a.cfg.Kelly.ExcludeExitReasons) > 0 {
				exclude = append(exclude, types.ExitReasonIs(a.cfg.Kelly.ExcludeExitReasons...))
			}
			if a.cfg.Kelly.MinInvested > 0 {
				exclude = append(exclude, types.InvestedBelow(decimal.NewFromFloat(a.cfg.Kelly.MinInvested)))
			}
			if len(exclude) > 0 {
				ablated, err := calc.CalculateExcluding(trades, types.AnyOf(exclude...))
				if err != nil {
					return err
				}
				out.Ablated = &ablated
			}

			out.ByVersion, err = calc.CalculateByGroup(trades,
				func(t types.Trade) string { return t.BotVersion }, a.cfg.Kelly.GroupMinTrades)
			if err != nil {
				return err
			}
			return writeJSON(c, out)
		},
	}
}

func simulateCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "run the Monte Carlo bankroll simulation",
		Flags: withFlags(queryFlags, []cli.Flag{
			outputFlag,
			&cli.Float64Flag{Name: "bankroll", Usage: "initial bankroll; overrides simulation.initial_bankroll"},
			&cli.Float64Flag{Name: "position-size", Usage: "stake per trade; overrides simulation.position_size"},
			&cli.IntFlag{Name: "paths", Usage: "number of paths; overrides simulation.num_paths"},
			&cli.IntFlag{Name: "trades", Usage: "trades per path; overrides simulation.num_trades"},
			&cli.Int64Flag{Name: "seed", Usage: "random seed (0 for time-based); overrides simulation.seed"},
			&cli.BoolFlag{Name: "sweep", Usage: "compare the sweep.position_sizes instead of a single run"},
		}),
		Action: func(c *cli.Context) error {
			trades, err := a.loadTrades(c)
			if err != nil {
				return err
			}
			s, err := sample.FromTrades(trades)
			if err != nil {
				return err
			}

			cfg := a.cfg.Simulation
			if c.IsSet("bankroll") {
				cfg.InitialBankroll = c.Float64("bankroll")
			}
			if c.IsSet("position-size") {
				cfg.PositionSize = c.Float64("position-size")
			}
			if c.IsSet("paths") {
				cfg.NumPaths = c.Int("paths")
			}
			if c.IsSet("trades") {
				cfg.NumTrades = c.Int("trades")
			}
			if c.IsSet("seed") {
				cfg.Seed = c.Int64("seed")
			}

			if c.Bool("sweep") {
				rows, err := a.engine.Sweep(c.Context, s, cfg, a.cfg.Sweep.PositionSizes)
				if err != nil {
					return err
				}
				return writeJSON(c, rows)
			}
			res, err := a.engine.Run(c.Context, s, cfg)
			if err != nil {
				return err
			}
			return writeJSON(c, res)
		},
	}
}

func calibrateCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "calibrate",
		Usage: "find the minimum bankroll keeping bankruptcy under the target",
		Flags: withFlags(queryFlags, []cli.Flag{
			outputFlag,
			&cli.Float64SliceFlag{Name: "position-size", Usage: "position sizes to calibrate; overrides calibration.position_sizes"},
			&cli.Float64Flag{Name: "target", Usage: "bankruptcy probability target; overrides calibration.target"},
		}),
		Action: func(c *cli.Context) error {
			trades, err := a.loadTrades(c)
			if err != nil {
				return err
			}
			s, err := sample.FromTrades(trades)
			if err != nil {
				return err
			}

			sizes := a.cfg.Calibration.PositionSizes
			if c.IsSet("position-size") {
				sizes = c.Float64Slice("position-size")
			}
			if len(sizes) == 0 {
				return errors.New("no position sizes to calibrate")
			}
			base := a.cfg.Request(sizes[0])
			if c.IsSet("target") {
				base.Target = c.Float64("target")
			}
			base.Edge = kelly.NewCalculator(a.logger).Calculate(s).Edge

			calibrator := calibration.NewCalibrator(a.logger, a.engine, a.metrics)
			results, err := calibrator.CalibrateTable(c.Context, s, base, sizes)
			if err != nil {
				return err
			}
			return writeJSON(c, results)
		},
	}
}

func importCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "copy trades from the ledger into another ledger",
		Flags: withFlags(queryFlags, []cli.Flag{
			&cli.StringFlag{Name: "to", Required: true, Usage: "destination ledger DSN"},
		}),
		Action: func(c *cli.Context) error {
			trades, err := a.loadTrades(c)
			if err != nil {
				return err
			}

			dst, err := ledger.Open(c.Context, a.logger, c.String("to"))
			if err != nil {
				return err
			}
			defer dst.Close()

			if err := dst.Append(c.Context, trades); err != nil {
				return err
			}
			a.logger.Info("Imported trades",
				zap.Int("count", len(trades)),
				zap.String("from", a.cfg.Ledger.DSN),
				zap.String("to", c.String("to")),
			)
			return nil
		},
	}
}

func serveCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP/WebSocket API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "listen host; overrides server.host"},
			&cli.IntFlag{Name: "port", Usage: "listen port; overrides server.port"},
		},
		Action: func(c *cli.Context) error {
			serverCfg := a.cfg.Server
			if c.IsSet("host") {
				serverCfg.Host = c.String("host")
			}
			if c.IsSet("port") {
				serverCfg.Port = c.Int("port")
			}

			var lg ledger.Ledger
			if a.cfg.Ledger.DSN != "" {
				var err error
				lg, err = ledger.Open(c.Context, a.logger, a.cfg.Ledger.DSN)
				if err != nil {
					return err
				}
				defer lg.Close()
			}

			server := api.NewServer(a.logger, &serverCfg, api.Deps{
				Analyzer: a.analyzer,
				Engine:   a.engine,
				Ledger:   lg,
				Options:  analysis.FromConfig(a.cfg),
				Gatherer: a.registry,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-c.Context.Done():
			}

			a.logger.Info("Shutdown signal received")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Stop(ctx)
		},
	}
}

// loadTrades reads the configured ledger, filtered by the query flags.
func (a *app) loadTrades(c *cli.Context) ([]types.Trade, error) {
	q := ledger.Query{BotVersions: a.cfg.Ledger.BotVersions}
	if c.IsSet("bot-version") {
		q.BotVersions = c.StringSlice("bot-version")
	}
	var err error
	if q.Since, err = parseDate(c.String("since")); err != nil {
		return nil, fmt.Errorf("--since: %w", err)
	}
	if q.Until, err = parseDate(c.String("until")); err != nil {
		return nil, fmt.Errorf("--until: %w", err)
	}

	lg, err := ledger.Open(c.Context, a.logger, a.cfg.Ledger.DSN)
	if err != nil {
		return nil, err
	}
	defer lg.Close()

	trades, err := lg.Trades(c.Context, q)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("no trades in ledger %s", a.cfg.Ledger.DSN)
	}
	a.logger.Info("Loaded trades", zap.Int("count", len(trades)), zap.String("ledger", a.cfg.Ledger.DSN))
	return trades, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, s)
}

func writeJSON(c *cli.Context, v interface{}) error {
	var w io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
