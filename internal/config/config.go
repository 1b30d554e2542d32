package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/aurix/cardio/internal/domain/analysis"
	"github.com/aurix/cardio/internal/platform/db"
	"github.com/aurix/cardio/internal/platform/dsp"
	"github.com/aurix/cardio/internal/platform/middleware"
)

// Ledger backends.
const (
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	LogLevel              string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit             string   `mapstructure:"BODY_LIMIT"`
	RequestTimeoutSeconds int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	RateLimitRPS          float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int      `mapstructure:"RATE_LIMIT_BURST"`

	HistoryFile   string `mapstructure:"HISTORY_FILE"`
	ReportsDir    string `mapstructure:"REPORTS_DIR"`
	LedgerBackend string `mapstructure:"LEDGER_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	ThresholdBPM          float64 `mapstructure:"THRESHOLD_BPM"`
	ECGSamplingRateHz     float64 `mapstructure:"ECG_SAMPLING_RATE_HZ"`
	ECGLowCutHz           float64 `mapstructure:"ECG_LOW_CUT_HZ"`
	ECGHighCutHz          float64 `mapstructure:"ECG_HIGH_CUT_HZ"`
	FilterOrder           int     `mapstructure:"FILTER_ORDER"`
	ECGCenterBeforeFilter bool    `mapstructure:"ECG_CENTER_BEFORE_FILTER"`
	MaxPlotPoints         int     `mapstructure:"MAX_PLOT_POINTS"`
	FilterCacheSize       int     `mapstructure:"FILTER_CACHE_SIZE"`
	ChartWidth            int     `mapstructure:"CHART_WIDTH"`
	ChartHeight           int     `mapstructure:"CHART_HEIGHT"`
}

// Load reads ./.env, if present, and the environment. Environment values
// win over the file.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an
// error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	pipeline := analysis.DefaultPipelineConfig()
	defaults := map[string]interface{}{
		"PORT":                     "8000",
		"ENV":                      "development",
		"LOG_LEVEL":                "info",
		"CORS_ORIGINS":             "http://localhost:3000",
		"BODY_LIMIT":               "8M",
		"REQUEST_TIMEOUT_SECONDS":  30,
		"RATE_LIMIT_RPS":           middleware.DefaultRateLimitConfig().RequestsPerSecond,
		"RATE_LIMIT_BURST":         middleware.DefaultRateLimitConfig().BurstSize,
		"HISTORY_FILE":             "historial_pacientes.csv",
		"REPORTS_DIR":              "informes_pacientes",
		"LEDGER_BACKEND":           BackendCSV,
		"DB_MAX_CONNS":             10,
		"DB_MIN_CONNS":             1,
		"THRESHOLD_BPM":            pipeline.ThresholdBPM,
		"ECG_SAMPLING_RATE_HZ":     pipeline.SamplingRateHz,
		"ECG_LOW_CUT_HZ":           pipeline.Band.Low,
		"ECG_HIGH_CUT_HZ":          pipeline.Band.High,
		"FILTER_ORDER":             pipeline.Order,
		"ECG_CENTER_BEFORE_FILTER": pipeline.CenterBeforeFilter,
		"MAX_PLOT_POINTS":          pipeline.MaxPlotPoints,
		"FILTER_CACHE_SIZE":        32,
		"CHART_WIDTH":              1000,
		"CHART_HEIGHT":             500,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
		// Bind explicitly so Unmarshal sees environment values.
		v.BindEnv(key)
	}
	v.BindEnv("DATABASE_URL")

	// The file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.LedgerBackend = strings.ToLower(strings.TrimSpace(cfg.LedgerBackend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run: a valid default
// filter band and threshold, a positive chart size and a usable ledger
// backend.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if err := c.Pipeline().Validate(); err != nil {
		return fmt.Errorf("pipeline defaults: %w", err)
	}
	filter := dsp.Params{
		Order:          c.FilterOrder,
		Band:           dsp.Band{Low: c.ECGLowCutHz, High: c.ECGHighCutHz},
		SamplingRateHz: c.ECGSamplingRateHz,
	}
	if err := dsp.CheckDesign(filter); err != nil {
		return fmt.Errorf("pipeline defaults: FILTER_ORDER %d: %w", c.FilterOrder, err)
	}
	if c.ChartWidth <= 0 || c.ChartHeight <= 0 {
		return fmt.Errorf("CHART_WIDTH and CHART_HEIGHT must be positive, got %dx%d", c.ChartWidth, c.ChartHeight)
	}
	if c.FilterCacheSize < 0 {
		return fmt.Errorf("FILTER_CACHE_SIZE must not be negative, got %d", c.FilterCacheSize)
	}
	if c.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must not be negative, got %d", c.RequestTimeoutSeconds)
	}
	if c.ReportsDir == "" {
		return fmt.Errorf("REPORTS_DIR is required")
	}
	if c.IsProduction() {
		for _, o := range c.CORSOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ORIGINS must list explicit origins in production")
			}
		}
	}

	switch c.LedgerBackend {
	case BackendCSV:
		if c.HistoryFile == "" {
			return fmt.Errorf("HISTORY_FILE is required when LEDGER_BACKEND is %q", BackendCSV)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_BACKEND is %q", BackendPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", BackendCSV, BackendPostgres, c.LedgerBackend)
	}
	return nil
}

// Pipeline returns the analysis defaults described by the configuration.
func (c *Config) Pipeline() analysis.PipelineConfig {
	return analysis.PipelineConfig{
		Version:            analysis.PipelineVersion,
		ThresholdBPM:       c.ThresholdBPM,
		SamplingRateHz:     c.ECGSamplingRateHz,
		Band:               dsp.Band{Low: c.ECGLowCutHz, High: c.ECGHighCutHz},
		Order:              c.FilterOrder,
		CenterBeforeFilter: c.ECGCenterBeforeFilter,
		MaxPlotPoints:      c.MaxPlotPoints,
	}
}

// Pool returns the Postgres pool settings.
func (c *Config) Pool() db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL:     c.DatabaseURL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		ApplicationName: "aurix-cardio",
	}
}

// RateLimit returns the per-client limits for the render endpoints.
func (c *Config) RateLimit() middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = c.RateLimitRPS
	rl.BurstSize = c.RateLimitBurst
	return rl
}

// RequestTimeout returns the per-request deadline; zero disables it.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
