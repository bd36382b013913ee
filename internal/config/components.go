package config

import (
	"time"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/fetch"
	"github.com/hurrican1/diarization-bot/internal/orchestrator"
	"github.com/hurrican1/diarization-bot/internal/output"
	"github.com/hurrican1/diarization-bot/internal/speaker"
	"github.com/hurrican1/diarization-bot/internal/stage"
	"github.com/hurrican1/diarization-bot/internal/toolkit"
	"github.com/hurrican1/diarization-bot/pkg/logger"
)

// LoggerConfig returns the pkg/logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Log.Level,
		Environment: c.LoggerEnvironment(),
		Format:      c.Log.Format,
	}
}

// ExecutorConfig returns the dependency executor settings. The work dir is
// the volume shared with a remote toolkit service.
func (c *Config) ExecutorConfig() dependency.ExecutorConfig {
	return dependency.ExecutorConfig{
		Mode:             dependency.ExecutionMode(c.Toolkit.Mode),
		ServiceURL:       c.Toolkit.ServiceURL,
		SharedVolumePath: c.Orchestrator.WorkDir,
		LocalBinaryPaths: map[string]string{
			"python": c.Toolkit.Python,
			"ffmpeg": c.Toolkit.FFmpeg,
		},
		DefaultTimeout:  c.Stages.Transcribe.Timeout,
		AllowedCommands: []string{"python", "ffmpeg"},
	}
}

// WhisperXConfig returns toolkit settings for the given device. The fallback
// toolkit uses FallbackDevice and lets the compute type follow the device.
func (c *Config) WhisperXConfig(device string) toolkit.Config {
	computeType := c.Toolkit.ComputeType
	if device != c.Toolkit.Device {
		computeType = ""
	}
	return toolkit.Config{
		Python:         "python",
		Script:         c.Toolkit.Script,
		FFmpeg:         "ffmpeg",
		Device:         device,
		ComputeType:    computeType,
		BatchSize:      c.Toolkit.BatchSize,
		HFToken:        c.Toolkit.HFToken,
		DefaultTimeout: c.Stages.Transcribe.Timeout,
	}
}

// StageConfig returns the stage runner policies.
func (c *Config) StageConfig() stage.Config {
	policy := func(p StagePolicy) stage.Policy {
		return stage.Policy{Timeout: p.Timeout, MaxRetries: p.MaxRetries, MaxConcurrent: p.MaxConcurrent}
	}
	return stage.Config{
		Policies: map[stage.Stage]stage.Policy{
			stage.Transcribe: policy(c.Stages.Transcribe),
			stage.Align:      policy(c.Stages.Align),
			stage.Diarize:    policy(c.Stages.Diarize),
		},
		Backoff: stage.BackoffConfig{
			InitialInterval: c.Backoff.InitialInterval,
			MaxInterval:     c.Backoff.MaxInterval,
			Multiplier:      c.Backoff.Multiplier,
		},
	}
}

// OrchestratorConfig returns the job orchestrator settings.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Workers:           c.Orchestrator.Workers,
		MaxQueueDepth:     c.Orchestrator.MaxQueueDepth,
		JobTimeout:        c.Orchestrator.JobTimeout,
		ResolveBudget:     c.Orchestrator.ResolveBudget,
		RetainFor:         c.Orchestrator.RetainFor,
		OutputRoot:        c.Orchestrator.OutputRoot,
		KeepRaw:           c.Orchestrator.KeepRaw,
		DefaultModel:      c.Toolkit.Model,
		DefaultLanguage:   c.Toolkit.Language,
		DefaultAlignModel: c.Toolkit.AlignModel,
	}
}

// SpeakerOptions returns resolver and enroller options.
func (c *Config) SpeakerOptions() speaker.Options {
	return speaker.Options{
		Threshold:        c.Speakers.Threshold,
		MinSampleSeconds: c.Speakers.MinSampleSeconds,
		MaxSamples:       c.Speakers.MaxSamples,
	}
}

// FetchConfig returns fetcher settings.
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:       c.Fetch.Timeout,
		MaxBytes:      c.Fetch.MaxBytes,
		MaxRetries:    c.Fetch.MaxRetries,
		RetryInterval: time.Second,
		S3: fetch.S3Config{
			Endpoint:  c.Fetch.S3.Endpoint,
			AccessKey: c.Fetch.S3.AccessKey,
			SecretKey: c.Fetch.S3.SecretKey,
			UseSSL:    c.Fetch.S3.UseSSL,
		},
	}
}

// PublishConfig returns artifact publisher settings.
func (c *Config) PublishConfig() output.PublishConfig {
	return output.PublishConfig{
		Endpoint:  c.Publish.Endpoint,
		Bucket:    c.Publish.Bucket,
		AccessKey: c.Publish.AccessKey,
		SecretKey: c.Publish.SecretKey,
		UseSSL:    c.Publish.UseSSL,
	}
}
