package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/dayuer/nanobot-hub/internal/utils"
)

// Environment overrides, applied after the config file.
const (
	EnvPort         = "NANOBOT_HUB_PORT"
	EnvAPIKey       = "NANOBOT_HUB_API_KEY"
	EnvRedisURL     = "NANOBOT_HUB_REDIS_URL"
	EnvPipelineMode = "NANOBOT_HUB_PIPELINE_MODE"
	EnvLogLevel     = "NANOBOT_HUB_LOG_LEVEL"
)

// DataDir returns the hub's home directory (~/.nanobot-hub).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nanobot-hub")
}

// GetConfigPath returns the default config file path (~/.nanobot-hub/config.json).
func GetConfigPath() string {
	return filepath.Join(DataDir(), "config.json")
}

// Load reads configuration from a JSON file and applies environment
// overrides.
// If path is empty, uses the default config path.
// If the file doesn't exist, starts from DefaultConfig().
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return DefaultConfig(), errors.Wrapf(err, "parse %s", path)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, errors.Wrapf(err, "read %s", path)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Cron.DBPath == "" {
		cfg.Cron.DBPath = filepath.Join(DataDir(), "jobs.db")
	}
	cfg.Cron.DBPath = utils.ExpandHome(cfg.Cron.DBPath)
	cfg.Cron.JobsFile = utils.ExpandHome(cfg.Cron.JobsFile)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvPort)
		}
		cfg.Gateway.Port = port
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv(EnvPipelineMode); v != "" {
		cfg.Pipeline.Mode = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate rejects settings the hub cannot run with.
func (c Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errors.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Reply.BudgetMs >= c.Reply.DeadlineMs {
		return errors.Errorf("reply.budgetMs (%d) must be below reply.deadlineMs (%d)", c.Reply.BudgetMs, c.Reply.DeadlineMs)
	}
	switch c.Pipeline.Mode {
	case PipelineEcho:
	case PipelineRedis:
		if c.Pipeline.RedisAddr == "" && c.Redis.URL == "" {
			return errors.New("pipeline.mode redis needs pipeline.redisAddr or redis.url")
		}
	default:
		return errors.Errorf("unknown pipeline.mode %q", c.Pipeline.Mode)
	}
	return nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
}
