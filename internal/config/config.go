package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth"      validate:"required"`
	Log       LogConfig       `mapstructure:"log"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Poll      PollConfig      `mapstructure:"poll"`
	Engines   EnginesConfig   `mapstructure:"engines"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Acquire   AcquireConfig   `mapstructure:"acquire"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tabular   TabularConfig   `mapstructure:"tabular"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	GRPCPort        int           `mapstructure:"grpc_port"        validate:"gte=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects and configures the task record store.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"         validate:"required,oneof=postgres sqlite memory"`
	URL          string `mapstructure:"url"            validate:"required_unless=Driver memory"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// DispatchConfig sizes the dispatch worker pool and stuck-task recovery.
type DispatchConfig struct {
	Workers            int           `mapstructure:"workers"              validate:"gt=0"`
	IdleInterval       time.Duration `mapstructure:"idle_interval"        validate:"gt=0"`
	StuckTaskAge       time.Duration `mapstructure:"stuck_task_age"       validate:"gt=0"`
	StuckCheckInterval time.Duration `mapstructure:"stuck_check_interval" validate:"gt=0"`
}

// RetryConfig is the retry policy shared by all engines unless overridden.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `mapstructure:"base_delay"   validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay"    validate:"gtefield=BaseDelay"`
	Jitter      float64       `mapstructure:"jitter"       validate:"gte=0,lte=1"`
}

// PollConfig controls the asynchronous job poll manager.
type PollConfig struct {
	Interval      time.Duration `mapstructure:"interval"       validate:"gt=0"`
	Timeout       time.Duration `mapstructure:"timeout"        validate:"gt=0"`
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"gt=0"`
	Lease         string        `mapstructure:"lease"          validate:"oneof=memory redis"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"      validate:"gt=0"`
}

// EngineLimits are the throttling settings every engine carries.
type EngineLimits struct {
	Enabled     bool          `mapstructure:"enabled"`
	Concurrency int           `mapstructure:"concurrency"  validate:"gt=0"`
	Rate        int           `mapstructure:"rate"         validate:"gt=0"`
	RateWindow  time.Duration `mapstructure:"rate_window"  validate:"gt=0"`
	Burst       int           `mapstructure:"burst"        validate:"gte=0"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout" validate:"gt=0"`
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`

	// Retry overrides the global policy when MaxAttempts is set.
	Retry *RetryConfig `mapstructure:"retry"`
}

// LocalOCRConfig configures the tesseract based local-ocr engine.
type LocalOCRConfig struct {
	EngineLimits `mapstructure:",squash"`
	Tesseract    string `mapstructure:"tesseract"`
	PDFToText    string `mapstructure:"pdftotext"`
	PDFToPPM     string `mapstructure:"pdftoppm"`
	Languages    string `mapstructure:"languages"`
	DPI          int    `mapstructure:"dpi" validate:"gte=0"`
}

// RemoteOCRConfig configures the remote-ocr engine.
type RemoteOCRConfig struct {
	EngineLimits `mapstructure:",squash"`
	APIKey       string `mapstructure:"api_key"  validate:"required_if=Enabled true"`
	BaseURL      string `mapstructure:"base_url" validate:"omitempty,url"`
	Model        string `mapstructure:"model"`
}

// RemoteNLPConfig configures the remote-nlp engine.
type RemoteNLPConfig struct {
	EngineLimits `mapstructure:",squash"`
	APIKey       string  `mapstructure:"api_key"     validate:"required_if=Enabled true"`
	Model        string  `mapstructure:"model"`
	Prompt       string  `mapstructure:"prompt"`
	Temperature  float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// TranscribeConfig configures the remote-transcribe engine.
type TranscribeConfig struct {
	EngineLimits  `mapstructure:",squash"`
	APIKey        string   `mapstructure:"api_key"        validate:"required_if=Enabled true"`
	BaseURL       string   `mapstructure:"base_url"       validate:"omitempty,url"`
	Model         string   `mapstructure:"model"`
	SpeakerCount  int      `mapstructure:"speaker_count"  validate:"gte=0"`
	LanguageHints []string `mapstructure:"language_hints"`
}

// EnginesConfig groups per-engine settings keyed by engine name.
type EnginesConfig struct {
	LocalOCR   LocalOCRConfig   `mapstructure:"local-ocr"`
	RemoteOCR  RemoteOCRConfig  `mapstructure:"remote-ocr"`
	RemoteNLP  RemoteNLPConfig  `mapstructure:"remote-nlp"`
	Transcribe TranscribeConfig `mapstructure:"remote-transcribe"`
}

// AggregateConfig controls composite text rendering.
type AggregateConfig struct {
	Delimiter   string `mapstructure:"delimiter"`
	ImageHeader string `mapstructure:"image_header"`
	VideoHeader string `mapstructure:"video_header"`
}

// AcquireConfig controls media downloads.
type AcquireConfig struct {
	DownloadDir string        `mapstructure:"download_dir" validate:"required"`
	MaxBytes    int64         `mapstructure:"max_bytes"    validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"timeout"      validate:"gt=0"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// ArtifactsConfig selects where result artifacts are written.
type ArtifactsConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=none fs minio"`
	Dir     string      `mapstructure:"dir"     validate:"required_if=Backend fs"`
	MinIO   MinIOConfig `mapstructure:"minio"`
}

// MinIOConfig holds S3-compatible object storage settings.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// RedisConfig holds the connection used by the redis poll lease.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// TabularConfig holds defaults for spreadsheet imports.
type TabularConfig struct {
	ImageEngine string `mapstructure:"image_engine" validate:"oneof=local-ocr remote-ocr remote-nlp"`
	VideoEngine string `mapstructure:"video_engine" validate:"oneof=remote-transcribe"`
}
