// Package config loads ruinlab configuration from a YAML, JSON or TOML file,
// an optional .env file and RUINLAB_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/calibration"
	"github.com/atlas-desktop/ruinlab/internal/logging"
	"github.com/atlas-desktop/ruinlab/internal/montecarlo"
	"github.com/atlas-desktop/ruinlab/internal/ruin"
	"github.com/atlas-desktop/ruinlab/internal/scenario"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RUINLAB_SIMULATION_NUM_PATHS.
const EnvPrefix = "RUINLAB"

// ErrInvalidConfig is returned when a loaded config fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full application configuration.
type Config struct {
	Log         logging.Config     `json:"log" mapstructure:"log"`
	Ledger      LedgerConfig       `json:"ledger" mapstructure:"ledger"`
	Kelly       KellyConfig        `json:"kelly" mapstructure:"kelly"`
	Simulation  montecarlo.Config  `json:"simulation" mapstructure:"simulation"`
	Sweep       SweepConfig        `json:"sweep" mapstructure:"sweep"`
	Scenarios   ScenarioConfig     `json:"scenarios" mapstructure:"scenarios"`
	Calibration CalibrationConfig  `json:"calibration" mapstructure:"calibration"`
	Ruin        RuinConfig         `json:"ruin" mapstructure:"ruin"`
	Workers     WorkersConfig      `json:"workers" mapstructure:"workers"`
	Server      types.ServerConfig `json:"server" mapstructure:"server"`
}

// LedgerConfig selects the trade ledger.
type LedgerConfig struct {
	DSN         string   `json:"dsn" mapstructure:"dsn"`
	BotVersions []string `json:"botVersions" mapstructure:"bot_versions"`
}

// KellyConfig controls the ablated and grouped Kelly computations.
type KellyConfig struct {
	ExcludeExitReasons []string `json:"excludeExitReasons" mapstructure:"exclude_exit_reasons"`
	MinInvested        float64  `json:"minInvested" mapstructure:"min_invested"`
	GroupMinTrades     int      `json:"groupMinTrades" mapstructure:"group_min_trades"`
}

// SweepConfig lists the position sizes compared at the configured bankroll.
type SweepConfig struct {
	PositionSizes []float64 `json:"positionSizes" mapstructure:"position_sizes"`
}

// ScenarioConfig controls the scenario battery.
type ScenarioConfig struct {
	TailThreshold float64         `json:"tailThreshold" mapstructure:"tail_threshold"`
	Seed          int64           `json:"seed" mapstructure:"seed"`
	Defaults      bool            `json:"defaults" mapstructure:"defaults"` // Include the standard battery
	Custom        []scenario.Spec `json:"custom" mapstructure:"custom"`
}

// Specs returns the standard battery (when enabled) followed by custom specs.
func (c ScenarioConfig) Specs() []scenario.Spec {
	var specs []scenario.Spec
	if c.Defaults {
		specs = append(specs, scenario.DefaultBattery(c.TailThreshold)...)
	}
	return append(specs, c.Custom...)
}

// CalibrationConfig configures minimum-bankroll searches.
type CalibrationConfig struct {
	PositionSizes []float64 `json:"positionSizes" mapstructure:"position_sizes"`
	Target        float64   `json:"target" mapstructure:"target"`
	LowMultiple   float64   `json:"lowMultiple" mapstructure:"low_multiple"`
	Upper         float64   `json:"upper" mapstructure:"upper"`
	Iterations    int       `json:"iterations" mapstructure:"iterations"`
	ProbePaths    int       `json:"probePaths" mapstructure:"probe_paths"`
}

// RuinConfig configures the analytical checks.
type RuinConfig struct {
	Tolerance   float64 `json:"tolerance" mapstructure:"tolerance"`
	StopBuffers []int   `json:"stopBuffers" mapstructure:"stop_buffers"`
}

// WorkersConfig sizes the simulation worker pool. Zero workers means one
// per CPU.
type WorkersConfig struct {
	NumWorkers int `json:"numWorkers" mapstructure:"num_workers"`
	MinChunk   int `json:"minChunk" mapstructure:"min_chunk"`
}

// Request builds the calibration request for one position size, sharing the
// simulation horizon and seed.
func (c *Config) Request(positionSize float64) calibration.Request {
	return calibration.Request{
		PositionSize: positionSize,
		Target:       c.Calibration.Target,
		LowMultiple:  c.Calibration.LowMultiple,
		Upper:        c.Calibration.Upper,
		Iterations:   c.Calibration.Iterations,
		ProbePaths:   c.Calibration.ProbePaths,
		NumTrades:    c.Simulation.NumTrades,
		Seed:         c.Simulation.Seed,
	}
}

// Load reads configuration. configPath may be empty to use defaults and
// environment only. envFile is loaded first when it exists.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every value at its default.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Simulation.Validate(); err != nil {
		return fmt.Errorf("%w: simulation: %v", ErrInvalidConfig, err)
	}
	for _, size := range c.Sweep.PositionSizes {
		if !(size > 0) {
			return fmt.Errorf("%w: sweep position size must be > 0, got %v", ErrInvalidConfig, size)
		}
	}
	for _, size := range c.Calibration.PositionSizes {
		if err := c.Request(size).Validate(); err != nil {
			return fmt.Errorf("%w: calibration: %v", ErrInvalidConfig, err)
		}
	}
	for _, spec := range c.Scenarios.Custom {
		if _, err := spec.Build(); err != nil {
			return fmt.Errorf("%w: scenarios: %v", ErrInvalidConfig, err)
		}
	}
	if c.Kelly.MinInvested < 0 {
		return fmt.Errorf("%w: kelly min invested must be >= 0, got %v", ErrInvalidConfig, c.Kelly.MinInvested)
	}
	if !(c.Ruin.Tolerance > 0 && c.Ruin.Tolerance < 1) {
		return fmt.Errorf("%w: ruin tolerance must be in (0, 1), got %v", ErrInvalidConfig, c.Ruin.Tolerance)
	}
	if c.Workers.NumWorkers < 0 {
		return fmt.Errorf("%w: num workers must be >= 0, got %d", ErrInvalidConfig, c.Workers.NumWorkers)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port: %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.MaxPaths < 0 || c.Server.MaxTrades < 0 {
		return fmt.Errorf("%w: server path and trade limits must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("ledger.dsn", "data/bot.db")
	v.SetDefault("ledger.bot_versions", []string{})

	v.SetDefault("kelly.exclude_exit_reasons", []string{"dust_skip"})
	v.SetDefault("kelly.min_invested", 0.005)
	v.SetDefault("kelly.group_min_trades", 5)

	sim := montecarlo.DefaultConfig()
	v.SetDefault("simulation.initial_bankroll", sim.InitialBankroll)
	v.SetDefault("simulation.position_size", sim.PositionSize)
	v.SetDefault("simulation.num_paths", sim.NumPaths)
	v.SetDefault("simulation.num_trades", sim.NumTrades)
	v.SetDefault("simulation.seed", sim.Seed)

	v.SetDefault("sweep.position_sizes", []float64{0.003, 0.005, 0.010, 0.015, 0.020, 0.025, 0.030})

	v.SetDefault("scenarios.tail_threshold", -0.90)
	v.SetDefault("scenarios.seed", 7)
	v.SetDefault("scenarios.defaults", true)
	v.SetDefault("scenarios.custom", []scenario.Spec{})

	cal := calibration.DefaultRequest(sim.PositionSize)
	v.SetDefault("calibration.position_sizes", []float64{0.005, 0.010, 0.015, 0.020})
	v.SetDefault("calibration.target", cal.Target)
	v.SetDefault("calibration.low_multiple", cal.LowMultiple)
	v.SetDefault("calibration.upper", cal.Upper)
	v.SetDefault("calibration.iterations", cal.Iterations)
	v.SetDefault("calibration.probe_paths", cal.ProbePaths)

	v.SetDefault("ruin.tolerance", ruin.DefaultTolerance)
	v.SetDefault("ruin.stop_buffers", ruin.DefaultStopBuffers)

	v.SetDefault("workers.num_workers", 0)
	v.SetDefault("workers.min_chunk", 1024)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.analysis_ttl", time.Hour)
	v.SetDefault("server.max_analyses", 64)
	v.SetDefault("server.max_paths", 100000)
	v.SetDefault("server.max_trades", 10000)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.allowed_origins", []string{"*"})
}
