package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/promptmesh/api/internal/model"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Fal       FalConfig
	Meshy     MeshyConfig
	R2        R2Config
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type FalConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type MeshyConfig struct {
	APIKey  string
	BaseURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// PipelineConfig holds boot-time pipeline knobs. Per-stage concurrency and
// timeouts live in QueueRuntimeConfig rows; the values here only seed the
// rows on first boot.
type PipelineConfig struct {
	ImageCount          int
	CacheTTL            time.Duration
	ImageMaxConcurrency int
	ImageJobTimeout     time.Duration
	ModelMaxConcurrency int
	ModelJobTimeout     time.Duration
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
}

// QueueDefaults builds the seed rows the config cache writes on first boot.
func (p *PipelineConfig) QueueDefaults() map[model.Stage]model.QueueRuntimeConfig {
	return map[model.Stage]model.QueueRuntimeConfig{
		model.StageImage: {
			Stage:          model.StageImage,
			MaxConcurrency: p.ImageMaxConcurrency,
			JobTimeout:     p.ImageJobTimeout,
			MaxRetries:     p.RetryMaxAttempts,
			RetryBaseDelay: p.RetryBaseDelay,
			RetryMaxDelay:  p.RetryMaxDelay,
		},
		model.StageModel: {
			Stage:          model.StageModel,
			MaxConcurrency: p.ModelMaxConcurrency,
			JobTimeout:     p.ModelJobTimeout,
			MaxRetries:     p.RetryMaxAttempts,
			RetryBaseDelay: p.RetryBaseDelay,
			RetryMaxDelay:  p.RetryMaxDelay,
		},
	}
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("FAL_API_KEY")
	readSecret("MESHY_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("fal.api_key", "FAL_API_KEY")
	_ = viper.BindEnv("fal.base_url", "FAL_BASE_URL")
	_ = viper.BindEnv("fal.model", "FAL_MODEL")
	_ = viper.BindEnv("meshy.api_key", "MESHY_API_KEY")
	_ = viper.BindEnv("meshy.base_url", "MESHY_BASE_URL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("pipeline.image_count", "PIPELINE_IMAGE_COUNT")
	_ = viper.BindEnv("pipeline.cache_ttl_sec", "PIPELINE_CACHE_TTL_SEC")
	_ = viper.BindEnv("pipeline.image_max_concurrency", "PIPELINE_IMAGE_MAX_CONCURRENCY")
	_ = viper.BindEnv("pipeline.image_job_timeout_sec", "PIPELINE_IMAGE_JOB_TIMEOUT_SEC")
	_ = viper.BindEnv("pipeline.model_max_concurrency", "PIPELINE_MODEL_MAX_CONCURRENCY")
	_ = viper.BindEnv("pipeline.model_job_timeout_sec", "PIPELINE_MODEL_JOB_TIMEOUT_SEC")
	_ = viper.BindEnv("pipeline.retry_max_attempts", "PIPELINE_RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.retry_base_delay_sec", "PIPELINE_RETRY_BASE_DELAY_SEC")
	_ = viper.BindEnv("pipeline.retry_max_delay_sec", "PIPELINE_RETRY_MAX_DELAY_SEC")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("gateway.enabled", false)
	viper.SetDefault("ratelimit.generate_per_hour", 10)

	// fal.ai queue API defaults
	viper.SetDefault("fal.base_url", "https://queue.fal.run")
	viper.SetDefault("fal.model", "fal-ai/flux/dev")

	// Meshy defaults
	viper.SetDefault("meshy.base_url", "https://api.meshy.ai")

	// Pipeline defaults
	viper.SetDefault("pipeline.image_count", 4)
	viper.SetDefault("pipeline.cache_ttl_sec", 30)
	viper.SetDefault("pipeline.image_max_concurrency", 2)
	viper.SetDefault("pipeline.image_job_timeout_sec", 600)
	viper.SetDefault("pipeline.model_max_concurrency", 1)
	viper.SetDefault("pipeline.model_job_timeout_sec", 600)
	viper.SetDefault("pipeline.retry_max_attempts", 3)
	viper.SetDefault("pipeline.retry_base_delay_sec", 5)
	viper.SetDefault("pipeline.retry_max_delay_sec", 120)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
		},
		Fal: FalConfig{
			APIKey:  viper.GetString("fal.api_key"),
			BaseURL: viper.GetString("fal.base_url"),
			Model:   viper.GetString("fal.model"),
		},
		Meshy: MeshyConfig{
			APIKey:  viper.GetString("meshy.api_key"),
			BaseURL: viper.GetString("meshy.base_url"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Pipeline: PipelineConfig{
			ImageCount:          viper.GetInt("pipeline.image_count"),
			CacheTTL:            time.Duration(viper.GetInt("pipeline.cache_ttl_sec")) * time.Second,
			ImageMaxConcurrency: viper.GetInt("pipeline.image_max_concurrency"),
			ImageJobTimeout:     time.Duration(viper.GetInt("pipeline.image_job_timeout_sec")) * time.Second,
			ModelMaxConcurrency: viper.GetInt("pipeline.model_max_concurrency"),
			ModelJobTimeout:     time.Duration(viper.GetInt("pipeline.model_job_timeout_sec")) * time.Second,
			RetryMaxAttempts:    viper.GetInt("pipeline.retry_max_attempts"),
			RetryBaseDelay:      time.Duration(viper.GetInt("pipeline.retry_base_delay_sec")) * time.Second,
			RetryMaxDelay:       time.Duration(viper.GetInt("pipeline.retry_max_delay_sec")) * time.Second,
		},
	}

	return cfg, nil
}
