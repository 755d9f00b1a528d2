package types

import "time"

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	AnalysisTTL    time.Duration `json:"analysisTTL" mapstructure:"analysis_ttl"`
	MaxAnalyses    int           `json:"maxAnalyses" mapstructure:"max_analyses"`
	MaxPaths       int           `json:"maxPaths" mapstructure:"max_paths"`   // Per simulate request; 0 is unlimited
	MaxTrades      int           `json:"maxTrades" mapstructure:"max_trades"` // Per simulated path; 0 is unlimited
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins"`
}
