package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable the service reads.
const EnvPrefix = "MEDIATEXT"

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from the file.
// configPath may be empty, in which case MEDIATEXT_CONFIG is consulted and
// then ./config.yaml is tried if present.
// Returns a populated Config struct or an error if loading/validation fails.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Poll.Lease == "redis" && cfg.Redis.Addr == "" {
		return errors.New("config validation failed: redis.addr is required when poll.lease is redis")
	}
	if cfg.Artifacts.Backend == "minio" {
		m := cfg.Artifacts.MinIO
		if m.Endpoint == "" || m.Bucket == "" {
			return errors.New("config validation failed: artifacts.minio endpoint and bucket are required")
		}
	}
	if cfg.Poll.Timeout < cfg.Poll.Interval {
		return errors.New("config validation failed: poll.timeout must not be shorter than poll.interval")
	}
	// remote-transcribe is the engine polled through the lease.
	if t := cfg.Engines.Transcribe; t.Enabled && cfg.Poll.LeaseTTL <= t.WaitTimeout+t.CallTimeout {
		return fmt.Errorf("config validation failed: poll.lease_ttl (%s) must exceed remote-transcribe wait_timeout plus call_timeout (%s)",
			cfg.Poll.LeaseTTL, t.WaitTimeout+t.CallTimeout)
	}

	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:mediatext.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("log.level", "info")

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.idle_interval", time.Second)
	v.SetDefault("dispatch.stuck_task_age", 30*time.Minute)
	v.SetDefault("dispatch.stuck_check_interval", 5*time.Minute)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", time.Minute)
	v.SetDefault("retry.jitter", 0.5)

	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.timeout", 30*time.Minute)
	v.SetDefault("poll.max_concurrent", 8)
	v.SetDefault("poll.lease", "memory")
	v.SetDefault("poll.lease_ttl", 5*time.Minute)

	engineDefaults(v, "local-ocr", true, 4, 60)
	v.SetDefault("engines.local-ocr.tesseract", "tesseract")
	v.SetDefault("engines.local-ocr.pdftotext", "pdftotext")
	v.SetDefault("engines.local-ocr.pdftoppm", "pdftoppm")
	v.SetDefault("engines.local-ocr.languages", "chi_sim+eng")
	v.SetDefault("engines.local-ocr.dpi", 300)

	engineDefaults(v, "remote-ocr", false, 2, 30)
	v.SetDefault("engines.remote-ocr.api_key", "")
	v.SetDefault("engines.remote-ocr.base_url", "https://api.mistral.ai")
	v.SetDefault("engines.remote-ocr.model", "mistral-ocr-latest")

	engineDefaults(v, "remote-nlp", false, 2, 30)
	v.SetDefault("engines.remote-nlp.api_key", "")
	v.SetDefault("engines.remote-nlp.model", "gemini-2.0-flash")
	v.SetDefault("engines.remote-nlp.prompt", "")
	v.SetDefault("engines.remote-nlp.temperature", 0.2)

	engineDefaults(v, "remote-transcribe", false, 1, 10)
	v.SetDefault("engines.remote-transcribe.api_key", "")
	v.SetDefault("engines.remote-transcribe.base_url", "https://dashscope.aliyuncs.com")
	v.SetDefault("engines.remote-transcribe.model", "paraformer-v2")
	v.SetDefault("engines.remote-transcribe.speaker_count", 0)
	v.SetDefault("engines.remote-transcribe.language_hints", []string{"zh", "en"})

	v.SetDefault("aggregate.delimiter", "\n\n")
	v.SetDefault("aggregate.image_header", "")
	v.SetDefault("aggregate.video_header", "")

	v.SetDefault("acquire.download_dir", "data/downloads")
	v.SetDefault("acquire.max_bytes", int64(512<<20))
	v.SetDefault("acquire.timeout", 2*time.Minute)
	v.SetDefault("acquire.user_agent", "mediatext/1.0")

	v.SetDefault("artifacts.backend", "fs")
	v.SetDefault("artifacts.dir", "data/results")
	v.SetDefault("artifacts.minio.endpoint", "")
	v.SetDefault("artifacts.minio.access_key", "")
	v.SetDefault("artifacts.minio.secret_key", "")
	v.SetDefault("artifacts.minio.bucket", "")
	v.SetDefault("artifacts.minio.use_ssl", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("tabular.image_engine", "remote-ocr")
	v.SetDefault("tabular.video_engine", "remote-transcribe")
}

func engineDefaults(v *viper.Viper, name string, enabled bool, concurrency, ratePerMinute int) {
	prefix := "engines." + name + "."
	v.SetDefault(prefix+"enabled", enabled)
	v.SetDefault(prefix+"concurrency", concurrency)
	v.SetDefault(prefix+"rate", ratePerMinute)
	v.SetDefault(prefix+"rate_window", time.Minute)
	v.SetDefault(prefix+"burst", concurrency)
	v.SetDefault(prefix+"wait_timeout", 30*time.Second)
	v.SetDefault(prefix+"call_timeout", 2*time.Minute)
}
