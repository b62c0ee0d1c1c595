package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yourorg/apiscan-orchestrator/internal/scoring"
)

type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	HTTPAddr    string `mapstructure:"http_addr"`

	// Container runtime.
	DockerBin        string        `mapstructure:"docker_bin"`
	StorageNamespace string        `mapstructure:"storage_namespace"`
	ScratchDir       string        `mapstructure:"scratch_dir"`
	ReaperInterval   time.Duration `mapstructure:"reaper_interval"`

	// Artifact object storage (optional; scans still run without it).
	ArtifactEndpoint  string `mapstructure:"artifact_endpoint"`
	ArtifactAccessKey string `mapstructure:"artifact_access_key"`
	ArtifactSecretKey string `mapstructure:"artifact_secret_key"`
	ArtifactUseSSL    bool   `mapstructure:"artifact_use_ssl"`
	ArtifactBucket    string `mapstructure:"artifact_bucket"`

	// Scan policy.
	DefaultBudget int           `mapstructure:"default_budget"`
	EngineTimeout time.Duration `mapstructure:"engine_timeout"`
	ScanTimeout   time.Duration `mapstructure:"scan_timeout"`

	// Risk-scoring weights; single source of truth, overridable from file.
	Scoring scoring.Weights `mapstructure:"scoring"`
}

// Load reads configuration from the environment (APISCAN_ prefix) layered
// over an optional apiscan.yaml. Defaults suit a local docker deployment.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APISCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("docker_bin", "docker")
	v.SetDefault("storage_namespace", "default")
	v.SetDefault("scratch_dir", "/scratch")
	v.SetDefault("reaper_interval", "5m")
	v.SetDefault("default_budget", 1000)
	v.SetDefault("engine_timeout", "30m")
	v.SetDefault("scan_timeout", "2h")

	v.SetConfigName("apiscan")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/apiscan")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{Scoring: scoring.DefaultWeights()}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = v.GetString("database_url")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("APISCAN_DATABASE_URL is required")
	}
	if cfg.DefaultBudget <= 0 {
		return Config{}, fmt.Errorf("default_budget must be positive, got %d", cfg.DefaultBudget)
	}
	if err := cfg.Scoring.Validate(); err != nil {
		return Config{}, fmt.Errorf("scoring weights: %w", err)
	}
	return cfg, nil
}
