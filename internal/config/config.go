// Package config loads service configuration from an optional .env file, an
// optional YAML file and environment overrides, in that order, and validates
// the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Toolkit      ToolkitConfig      `yaml:"toolkit"`
	Stages       StagesConfig       `yaml:"stages"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Speakers     SpeakersConfig     `yaml:"speakers"`
	Fetch        FetchConfig        `yaml:"fetch"`
	Publish      PublishConfig      `yaml:"publish"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Env  string `yaml:"env" validate:"oneof=dev development staging prod production"`
	Port string `yaml:"port" validate:"required,numeric"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text console json"`
}

// ToolkitConfig configures the speech toolkit and how its commands run.
type ToolkitConfig struct {
	Mode           string        `yaml:"mode" validate:"oneof=local remote fallback"`
	ServiceURL     string        `yaml:"service_url" validate:"omitempty,url"`
	Python         string        `yaml:"python" validate:"required"`
	Script         string        `yaml:"script" validate:"required"`
	FFmpeg         string        `yaml:"ffmpeg" validate:"required"`
	Device         string        `yaml:"device" validate:"oneof=cpu cuda"`
	FallbackDevice string        `yaml:"fallback_device" validate:"omitempty,oneof=cpu cuda"`
	ComputeType    string        `yaml:"compute_type"`
	BatchSize      int           `yaml:"batch_size" validate:"gte=1"`
	Model          string        `yaml:"model" validate:"required"`
	Language       string        `yaml:"language"`
	AlignModel     string        `yaml:"align_model"`
	HFToken        string        `yaml:"hf_token"`
	HealthInterval time.Duration `yaml:"health_interval" validate:"gte=0"`
	FailThreshold  int           `yaml:"fail_threshold" validate:"gte=1"`
}

// StagePolicy bounds one toolkit stage.
type StagePolicy struct {
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=1"`
}

// EmbedPolicy bounds embedding of one clip.
type EmbedPolicy struct {
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=1"`
}

// StagesConfig holds per-stage policies.
type StagesConfig struct {
	Transcribe StagePolicy `yaml:"transcribe"`
	Align      StagePolicy `yaml:"align"`
	Diarize    StagePolicy `yaml:"diarize"`
	Embed      EmbedPolicy `yaml:"embed"`
}

// BackoffConfig shapes stage retries.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gt=0"`
	Multiplier      float64       `yaml:"multiplier" validate:"gte=1"`
}

// OrchestratorConfig configures the job queue and worker pool.
type OrchestratorConfig struct {
	Workers       int           `yaml:"workers" validate:"gte=1,lte=64"`
	MaxQueueDepth int           `yaml:"max_queue_depth" validate:"gte=1"`
	JobTimeout    time.Duration `yaml:"job_timeout" validate:"gte=0"`
	ResolveBudget time.Duration `yaml:"resolve_budget" validate:"gte=0"`
	RetainFor     time.Duration `yaml:"retain_for" validate:"gte=0"`
	WorkDir       string        `yaml:"work_dir" validate:"required"`
	OutputRoot    string        `yaml:"output_root" validate:"required"`
	KeepRaw       bool          `yaml:"keep_raw"`
	AuditLogPath  string        `yaml:"audit_log_path"`
}

// SpeakersConfig configures the enrollment store and resolver.
type SpeakersConfig struct {
	StoreDir         string  `yaml:"store_dir" validate:"required"`
	Threshold        float64 `yaml:"threshold" validate:"gt=0,lt=1"`
	MinSampleSeconds float64 `yaml:"min_sample_seconds" validate:"gte=0"`
	MaxSamples       int     `yaml:"max_samples" validate:"gte=1"`
}

// S3Config holds object storage credentials.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// FetchConfig configures audio source fetching.
type FetchConfig struct {
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxBytes   int64         `yaml:"max_bytes" validate:"gte=0"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	S3         S3Config      `yaml:"s3"`
}

// PublishConfig configures optional artifact upload.
type PublishConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the built-in defaults.
func Default() *Config {
	stage := func(timeout time.Duration) StagePolicy {
		return StagePolicy{Timeout: timeout, MaxRetries: 2, MaxConcurrent: 1}
	}
	return &Config{
		Server: ServerConfig{Env: "dev", Port: "8000"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Toolkit: ToolkitConfig{
			Mode:           "local",
			Python:         "python",
			Script:         "scripts/whisperx_stage.py",
			FFmpeg:         "ffmpeg",
			Device:         "cuda",
			FallbackDevice: "cpu",
			BatchSize:      8,
			Model:          "medium",
			Language:       "ru",
			AlignModel:     "jonatasgrosman/wav2vec2-large-xlsr-53-russian",
			HealthInterval: 30 * time.Second,
			FailThreshold:  3,
		},
		Stages: StagesConfig{
			Transcribe: stage(30 * time.Minute),
			Align:      stage(15 * time.Minute),
			Diarize:    stage(30 * time.Minute),
			Embed:      EmbedPolicy{Timeout: 2 * time.Minute, MaxConcurrent: 2},
		},
		Backoff: BackoffConfig{
			InitialInterval: 2 * time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
		},
		Orchestrator: OrchestratorConfig{
			Workers:       1,
			MaxQueueDepth: 16,
			ResolveBudget: 10 * time.Minute,
			RetainFor:     24 * time.Hour,
			WorkDir:       "data",
			OutputRoot:    "outputs",
			AuditLogPath:  "logs/jobs_audit.log",
		},
		Speakers: SpeakersConfig{
			StoreDir:         "speakers_db",
			Threshold:        0.55,
			MinSampleSeconds: 2.0,
			MaxSamples:       5,
		},
		Fetch: FetchConfig{
			Timeout:    60 * time.Second,
			MaxBytes:   2 << 30,
			MaxRetries: 3,
		},
		Publish: PublishConfig{Bucket: "transcripts"},
	}
}

// Load builds the configuration. A missing .env file or an empty path is not
// an error; the YAML file, when given, must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("DIARIZE_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	c.Server.Env = getEnv("ENV", c.Server.Env)
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Toolkit.Mode = getEnv("TOOLKIT_MODE", c.Toolkit.Mode)
	c.Toolkit.ServiceURL = getEnv("TOOLKIT_SERVICE_URL", c.Toolkit.ServiceURL)
	c.Toolkit.Python = getEnv("WHISPERX_PYTHON", c.Toolkit.Python)
	c.Toolkit.Script = getEnv("WHISPERX_SCRIPT", c.Toolkit.Script)
	c.Toolkit.FFmpeg = getEnv("FFMPEG_BIN", c.Toolkit.FFmpeg)
	c.Toolkit.Device = getEnv("WHISPERX_DEVICE", c.Toolkit.Device)
	c.Toolkit.ComputeType = getEnv("WHISPERX_COMPUTE_TYPE", c.Toolkit.ComputeType)
	c.Toolkit.BatchSize = getEnvAsInt("WHISPERX_BATCH_SIZE", c.Toolkit.BatchSize)
	c.Toolkit.Model = getEnv("WHISPERX_MODEL", c.Toolkit.Model)
	c.Toolkit.Language = getEnv("WHISPERX_LANGUAGE", c.Toolkit.Language)
	c.Toolkit.AlignModel = getEnv("WHISPERX_ALIGN_MODEL", c.Toolkit.AlignModel)
	c.Toolkit.HFToken = getEnv("HF_TOKEN", c.Toolkit.HFToken)

	c.Orchestrator.Workers = getEnvAsInt("WORKERS", c.Orchestrator.Workers)
	c.Orchestrator.MaxQueueDepth = getEnvAsInt("MAX_QUEUE_DEPTH", c.Orchestrator.MaxQueueDepth)
	c.Orchestrator.JobTimeout = getEnvAsDuration("JOB_TIMEOUT", c.Orchestrator.JobTimeout)
	c.Orchestrator.WorkDir = getEnv("WORK_DIR", c.Orchestrator.WorkDir)
	c.Orchestrator.OutputRoot = getEnv("OUTPUT_ROOT", c.Orchestrator.OutputRoot)
	c.Orchestrator.KeepRaw = getEnvAsBool("KEEP_RAW", c.Orchestrator.KeepRaw)

	c.Speakers.StoreDir = getEnv("SPEAKERS_DIR", c.Speakers.StoreDir)
	c.Speakers.Threshold = getEnvAsFloat("SPEAKER_THRESHOLD", c.Speakers.Threshold)

	c.Fetch.S3.Endpoint = getEnv("S3_ENDPOINT", c.Fetch.S3.Endpoint)
	c.Fetch.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.Fetch.S3.AccessKey)
	c.Fetch.S3.SecretKey = getEnv("S3_SECRET_KEY", c.Fetch.S3.SecretKey)
	c.Fetch.S3.UseSSL = getEnvAsBool("S3_USE_SSL", c.Fetch.S3.UseSSL)

	c.Publish.Enabled = getEnvAsBool("PUBLISH_ENABLED", c.Publish.Enabled)
	c.Publish.Endpoint = getEnv("PUBLISH_ENDPOINT", c.Publish.Endpoint)
	c.Publish.Bucket = getEnv("PUBLISH_BUCKET", c.Publish.Bucket)
	c.Publish.AccessKey = getEnv("PUBLISH_ACCESS_KEY", c.Publish.AccessKey)
	c.Publish.SecretKey = getEnv("PUBLISH_SECRET_KEY", c.Publish.SecretKey)
	c.Publish.UseSSL = getEnvAsBool("PUBLISH_USE_SSL", c.Publish.UseSSL)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules, reporting every
// problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				result = multierror.Append(result, fmt.Errorf("%s: failed %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	if c.Toolkit.Mode != "local" && c.Toolkit.ServiceURL == "" {
		result = multierror.Append(result, fmt.Errorf("toolkit.service_url is required in %s mode", c.Toolkit.Mode))
	}
	if c.Backoff.MaxInterval < c.Backoff.InitialInterval {
		result = multierror.Append(result, errors.New("backoff.max_interval must not be below backoff.initial_interval"))
	}
	if s3 := c.Fetch.S3; s3.Endpoint != "" && (s3.AccessKey == "" || s3.SecretKey == "") {
		result = multierror.Append(result, errors.New("fetch.s3 requires access_key and secret_key when endpoint is set"))
	}
	if p := c.Publish; p.Enabled && (p.Endpoint == "" || p.Bucket == "") {
		result = multierror.Append(result, errors.New("publish.endpoint and publish.bucket are required when publishing is enabled"))
	}

	if result == nil {
		return nil
	}
	result.ErrorFormat = func(errs []error) string {
		lines := make([]string, len(errs))
		for i, err := range errs {
			lines[i] = err.Error()
		}
		return "configuration validation failed:\n  - " + strings.Join(lines, "\n  - ")
	}
	return result
}

// fieldPath turns "Config.Toolkit.BatchSize" into "Toolkit.BatchSize".
func fieldPath(namespace string) string {
	_, rest, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return rest
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "prod" || c.Server.Env == "production"
}

// LoggerEnvironment maps the server env onto pkg/logger environments.
func (c *Config) LoggerEnvironment() string {
	if c.IsProduction() {
		return "prod"
	}
	return c.Server.Env
}

// GetServerAddr returns the listen address.
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

// PrintConfig renders the configuration with secrets masked.
func (c *Config) PrintConfig() string {
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Server Port: %s
  Toolkit:
    - Mode: %s (%s)
    - Device: %s, fallback %s
    - Model: %s, language %s
    - HF Token: %s
  Orchestrator:
    - Workers: %d, queue depth %d
    - Work Dir: %s
    - Output Root: %s
  Speakers:
    - Store: %s (threshold %.2f)
  Publish:
    - Enabled: %t (%s/%s)
    - Secret Key: %s`,
		c.Server.Env,
		c.Server.Port,
		c.Toolkit.Mode, c.Toolkit.ServiceURL,
		c.Toolkit.Device, c.Toolkit.FallbackDevice,
		c.Toolkit.Model, c.Toolkit.Language,
		maskSecret(c.Toolkit.HFToken),
		c.Orchestrator.Workers, c.Orchestrator.MaxQueueDepth,
		c.Orchestrator.WorkDir,
		c.Orchestrator.OutputRoot,
		c.Speakers.StoreDir, c.Speakers.Threshold,
		c.Publish.Enabled, c.Publish.Endpoint, c.Publish.Bucket,
		maskSecret(c.Publish.SecretKey),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func maskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}
