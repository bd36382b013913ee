package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/stage"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "medium", cfg.Toolkit.Model)
	assert.Equal(t, "ru", cfg.Toolkit.Language)
	assert.Equal(t, 8, cfg.Toolkit.BatchSize)
	assert.Equal(t, 0.55, cfg.Speakers.Threshold)
	assert.Equal(t, "outputs", cfg.Orchestrator.OutputRoot)
	assert.Equal(t, "speakers_db", cfg.Speakers.StoreDir)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9090"
toolkit:
  mode: fallback
  service_url: http://toolkit:8090
  device: cpu
stages:
  transcribe:
    timeout: 45m
    max_retries: 1
    max_concurrent: 2
orchestrator:
  workers: 3
  job_timeout: 2h
speakers:
  threshold: 0.7
`)
	for _, key := range []string{"PORT", "ENV", "TOOLKIT_MODE", "WHISPERX_DEVICE"} {
		t.Setenv(key, "")
	}
	t.Setenv("WHISPERX_MODEL", "large-v3")
	t.Setenv("HF_TOKEN", "hf_secret_token_value")
	t.Setenv("WORKERS", "4")
	t.Setenv("KEEP_RAW", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "fallback", cfg.Toolkit.Mode)
	assert.Equal(t, 45*time.Minute, cfg.Stages.Transcribe.Timeout)
	assert.Equal(t, 1, cfg.Stages.Transcribe.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Stages.Align.Timeout, "untouched sections keep defaults")
	assert.Equal(t, 2*time.Hour, cfg.Orchestrator.JobTimeout)
	assert.Equal(t, 0.7, cfg.Speakers.Threshold)

	assert.Equal(t, "large-v3", cfg.Toolkit.Model, "env overrides file")
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.True(t, cfg.Orchestrator.KeepRaw)
	assert.Equal(t, "hf_secret_token_value", cfg.Toolkit.HFToken)

	printed := cfg.PrintConfig()
	assert.NotContains(t, printed, "hf_secret_token_value")
	assert.Contains(t, printed, "hf_s***alue")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Toolkit.Mode = "remote"
	cfg.Toolkit.BatchSize = 0
	cfg.Speakers.Threshold = 1.5
	cfg.Backoff.MaxInterval = time.Second
	cfg.Publish.Enabled = true
	cfg.Fetch.S3.Endpoint = "minio:9000"

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"configuration validation failed",
		"Toolkit.BatchSize",
		"Speakers.Threshold",
		"toolkit.service_url is required in remote mode",
		"backoff.max_interval",
		"publish.endpoint",
		"fetch.s3 requires access_key",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "Log.Level"},
		{"device", func(c *Config) { c.Toolkit.Device = "tpu" }, "Toolkit.Device"},
		{"env", func(c *Config) { c.Server.Env = "qa" }, "Server.Env"},
		{"port", func(c *Config) { c.Server.Port = "http" }, "Server.Port"},
		{"stage timeout", func(c *Config) { c.Stages.Diarize.Timeout = 0 }, "Stages.Diarize.Timeout"},
		{"workers", func(c *Config) { c.Orchestrator.Workers = 0 }, "Orchestrator.Workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Toolkit.ComputeType = "float16"

	exec := cfg.ExecutorConfig()
	assert.Equal(t, dependency.ModeLocal, exec.Mode)
	assert.Equal(t, "data", exec.SharedVolumePath)
	assert.Equal(t, "ffmpeg", exec.LocalBinaryPaths["ffmpeg"])

	primary := cfg.WhisperXConfig(cfg.Toolkit.Device)
	assert.Equal(t, "cuda", primary.Device)
	assert.Equal(t, "float16", primary.ComputeType)
	fallback := cfg.WhisperXConfig(cfg.Toolkit.FallbackDevice)
	assert.Equal(t, "cpu", fallback.Device)
	assert.Empty(t, fallback.ComputeType, "fallback picks the compute type for its device")

	sc := cfg.StageConfig()
	assert.Equal(t, 30*time.Minute, sc.Policies[stage.Transcribe].Timeout)
	assert.Equal(t, 2, sc.Policies[stage.Diarize].MaxRetries)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, "medium", oc.DefaultModel)
	assert.Equal(t, 16, oc.MaxQueueDepth)

	assert.Equal(t, 5, cfg.SpeakerOptions().MaxSamples)
	assert.Equal(t, int64(2<<30), cfg.FetchConfig().MaxBytes)
	assert.Equal(t, "transcripts", cfg.PublishConfig().Bucket)

	lc := cfg.LoggerConfig()
	assert.Equal(t, "dev", lc.Environment)
	cfg.Server.Env = "production"
	assert.Equal(t, "prod", cfg.LoggerConfig().Environment)
	assert.Equal(t, ":8000", cfg.GetServerAddr())
}
