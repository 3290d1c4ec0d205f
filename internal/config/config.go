package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration derived from env, .env and an optional file.
type Config struct {
	HTTPPort         string
	DataDir          string
	ConsultationsDir string
	ReportsDir       string
	CustomersCSV     string
	PricingJSON      string
	DBPath           string
	LogLevel         string
	LogPretty        bool
	FanoutWorkers    int
	FanoutQueueSize  int
	FanoutTimeoutSec int
	EnableWatcher    bool
	RedisURL         string
	RedisChannel     string
	StrictConfig     bool
	Agents           map[string]AgentOverride
}

// AgentOverride replaces parts of a built-in agent definition.
type AgentOverride struct {
	URL       string
	Enabled   *bool
	TimeoutMS int
}

type fileConfig struct {
	HTTPPort         string                     `json:"http_port" yaml:"http_port"`
	DataDir          string                     `json:"data_dir" yaml:"data_dir"`
	ConsultationsDir string                     `json:"consultations_dir" yaml:"consultations_dir"`
	ReportsDir       string                     `json:"reports_dir" yaml:"reports_dir"`
	DBPath           string                     `json:"db_path" yaml:"db_path"`
	RedisURL         string                     `json:"redis_url" yaml:"redis_url"`
	Fanout           fanoutFileConfig           `json:"fanout" yaml:"fanout"`
	Agents           map[string]agentFileConfig `json:"agents" yaml:"agents"`
}

type fanoutFileConfig struct {
	Workers    *int `json:"workers" yaml:"workers"`
	QueueSize  *int `json:"queue_size" yaml:"queue_size"`
	TimeoutSec *int `json:"timeout_sec" yaml:"timeout_sec"`
}

type agentFileConfig struct {
	URL       string `json:"url" yaml:"url"`
	Enabled   *bool  `json:"enabled" yaml:"enabled"`
	TimeoutMS *int   `json:"timeout_ms" yaml:"timeout_ms"`
}

const (
	defaultPort          = ":3000"
	defaultDataDir       = "docs"
	defaultReportsDir    = "reports"
	defaultDBFile        = "callassist.db"
	defaultRedisChannel  = "callassist:events"
	minFanoutWorkers     = 2
	defaultFanoutWorkers = 4
	defaultQueueSize     = 128
	maxQueueSize         = 1024
	defaultFanoutTimeout = 5
)

// AgentKeys lists the downstream agents that accept env overrides.
var AgentKeys = []string{"report", "stt", "rag", "upsell"}

// Load reads configuration from environment variables and applies defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("config: .env not loaded")
	}

	cfg := Config{
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        parseBoolEnv("LOG_PRETTY"),
		FanoutWorkers:    defaultFanoutWorkers,
		FanoutQueueSize:  defaultQueueSize,
		FanoutTimeoutSec: defaultFanoutTimeout,
		EnableWatcher:    parseBoolEnvDefault("ENABLE_WATCHER", true),
		RedisChannel:     getEnv("REDIS_CHANNEL", defaultRedisChannel),
		StrictConfig:     parseBoolEnv("STRICT_CONFIG"),
		Agents:           map[string]AgentOverride{},
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		log.Debug().Str("path", configPath).Err(fileErr).Msg("config file not used, using defaults")
	}

	cfg.DataDir = firstNonEmpty(os.Getenv("DATA_DIR"), fileCfg.DataDir, defaultDataDir)
	cfg.ConsultationsDir = firstNonEmpty(os.Getenv("CONSULTATIONS_DIR"), fileCfg.ConsultationsDir, filepath.Join(cfg.DataDir, "consultations"))
	cfg.ReportsDir = firstNonEmpty(os.Getenv("REPORTS_DIR"), fileCfg.ReportsDir, defaultReportsDir)
	cfg.CustomersCSV = firstNonEmpty(os.Getenv("CUSTOMERS_CSV"), filepath.Join(cfg.DataDir, "customer_data.csv"))
	cfg.PricingJSON = firstNonEmpty(os.Getenv("PRICING_JSON"), filepath.Join(cfg.DataDir, "pricing_plan.json"))
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, filepath.Join(cfg.DataDir, defaultDBFile))
	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), fileCfg.RedisURL)

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	if fileCfg.Fanout.Workers != nil {
		cfg.FanoutWorkers = *fileCfg.Fanout.Workers
	}
	if fileCfg.Fanout.QueueSize != nil {
		cfg.FanoutQueueSize = *fileCfg.Fanout.QueueSize
	}
	if fileCfg.Fanout.TimeoutSec != nil && *fileCfg.Fanout.TimeoutSec > 0 {
		cfg.FanoutTimeoutSec = *fileCfg.Fanout.TimeoutSec
	}

	if v, ok, err := parseIntEnv("FANOUT_WORKERS"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid FANOUT_WORKERS: %w", err)
		}
		log.Warn().Err(err).Int("default", defaultFanoutWorkers).Msg("invalid FANOUT_WORKERS")
	} else if ok {
		cfg.FanoutWorkers = v
	}
	if cfg.FanoutWorkers < minFanoutWorkers {
		log.Warn().Int("was", cfg.FanoutWorkers).Int("min", minFanoutWorkers).Msg("FANOUT_WORKERS raised to minimum")
		cfg.FanoutWorkers = minFanoutWorkers
	}

	if v, ok, err := parseIntEnv("FANOUT_QUEUE_SIZE"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid FANOUT_QUEUE_SIZE: %w", err)
		}
		log.Warn().Err(err).Int("default", defaultQueueSize).Msg("invalid FANOUT_QUEUE_SIZE")
	} else if ok {
		cfg.FanoutQueueSize = v
	}
	if cfg.FanoutQueueSize > maxQueueSize {
		log.Warn().Int("was", cfg.FanoutQueueSize).Int("max", maxQueueSize).Msg("FANOUT_QUEUE_SIZE capped")
		cfg.FanoutQueueSize = maxQueueSize
	}
	if cfg.FanoutQueueSize < cfg.FanoutWorkers {
		log.Warn().Int("queue", cfg.FanoutQueueSize).Int("workers", cfg.FanoutWorkers).Msg("FANOUT_QUEUE_SIZE must be >= FANOUT_WORKERS, using default")
		cfg.FanoutQueueSize = max(defaultQueueSize, cfg.FanoutWorkers)
	}

	if v, ok, err := parseIntEnv("FANOUT_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid FANOUT_TIMEOUT_SEC: %w", err)
	} else if ok {
		if v <= 0 {
			return cfg, errors.New("FANOUT_TIMEOUT_SEC must be positive")
		}
		cfg.FanoutTimeoutSec = v
	}

	for key, fa := range fileCfg.Agents {
		ov := AgentOverride{URL: strings.TrimRight(strings.TrimSpace(fa.URL), "/"), Enabled: fa.Enabled}
		if fa.TimeoutMS != nil && *fa.TimeoutMS > 0 {
			ov.TimeoutMS = *fa.TimeoutMS
		}
		cfg.Agents[strings.ToLower(key)] = ov
	}
	for _, key := range AgentKeys {
		if err := applyAgentEnv(&cfg, key); err != nil {
			if cfg.StrictConfig {
				return cfg, err
			}
			log.Warn().Err(err).Str("agent", key).Msg("agent override ignored")
		}
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Warn().Err(err).Msg("config validation failed (continuing)")
	}
	return cfg, nil
}

// FanoutTimeout is the per-agent bound on a fan-out notification.
func (c Config) FanoutTimeout() time.Duration {
	return time.Duration(c.FanoutTimeoutSec) * time.Second
}

func applyAgentEnv(cfg *Config, key string) error {
	prefix := strings.ToUpper(key) + "_AGENT_"
	ov := cfg.Agents[key]
	if v := strings.TrimSpace(os.Getenv(prefix + "URL")); v != "" {
		ov.URL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "ENABLED")); v != "" {
		// any value other than "false" keeps the agent on
		enabled := !strings.EqualFold(v, "false")
		ov.Enabled = &enabled
	}
	if v, ok, err := parseIntEnv(prefix + "TIMEOUT_MS"); err != nil {
		return fmt.Errorf("invalid %sTIMEOUT_MS: %w", prefix, err)
	} else if ok && v > 0 {
		ov.TimeoutMS = v
	}
	if ov != (AgentOverride{}) {
		cfg.Agents[key] = ov
	}
	return nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ConsultationsDir) == "" {
		return errors.New("CONSULTATIONS_DIR is required")
	}
	if strings.TrimSpace(cfg.ReportsDir) == "" {
		return errors.New("REPORTS_DIR is required")
	}
	for key, ov := range cfg.Agents {
		if ov.URL != "" && !strings.HasPrefix(ov.URL, "http://") && !strings.HasPrefix(ov.URL, "https://") {
			return fmt.Errorf("agent %s url must be http(s): %q", key, ov.URL)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}
