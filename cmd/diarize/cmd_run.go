package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurrican1/diarization-bot/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <source>",
		Short: "Transcribe and diarize one recording",
		Long: "Fetch the source (local path, http(s) URL or s3://bucket/key), run the stages, " +
			"and write the speaker-labelled transcript. Ctrl-C cancels the job.",
		Args: cobra.ExactArgs(1),
		RunE: runJob,
	}
	c.Flags().String("model", "", "WhisperX model (default from config)")
	c.Flags().String("language", "", "language code (default from config)")
	c.Flags().String("align-model", "", "alignment model")
	c.Flags().Bool("no-diarize", false, "skip diarization; the whole recording is one speaker")
	c.Flags().Bool("no-align", false, "skip word alignment")
	c.Flags().Int("num-speakers", 0, "expected number of speakers (0 = detect)")
	c.Flags().String("hf-token", "", "Hugging Face token for the diarization model (default $HF_TOKEN)")
	c.Flags().String("output-dir", "", "directory for transcripts (default from config)")
	c.Flags().String("speaker-map", "", "JSON file mapping cluster labels to names; also enrolls them")
	return c
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	cfg.Orchestrator.Workers = 1
	if dir, _ := flags.GetString("output-dir"); dir != "" {
		cfg.Orchestrator.OutputRoot = dir
	}
	if token, _ := flags.GetString("hf-token"); token != "" {
		cfg.Toolkit.HFToken = token
	}

	opts := orchestrator.DefaultOptions()
	opts.Model, _ = flags.GetString("model")
	opts.Language, _ = flags.GetString("language")
	opts.AlignModel, _ = flags.GetString("align-model")
	opts.NumSpeakers, _ = flags.GetInt("num-speakers")
	if noDiarize, _ := flags.GetBool("no-diarize"); noDiarize {
		opts.Diarize = false
	}
	if noAlign, _ := flags.GetBool("no-align"); noAlign {
		opts.Align = false
	}
	mapPath, _ := flags.GetString("speaker-map")
	if opts.SpeakerMap, err = readSpeakerMap(mapPath); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	a.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Shutdown(shutdownCtx)
	}()

	id, err := a.Orchestrator.Submit(ctx, args[0], opts)
	if err != nil {
		return err
	}

	job, err := a.Orchestrator.Wait(ctx, id)
	if err != nil {
		// Interrupted: cancel the job and report its final state.
		_ = a.Orchestrator.Cancel(id)
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if job, err = a.Orchestrator.Wait(waitCtx, id); err != nil {
			return err
		}
	}

	if outputFormat(cmd) == "json" {
		if err := printJSON(cmd, job); err != nil {
			return err
		}
	}

	switch job.State {
	case orchestrator.StateSucceeded:
		if outputFormat(cmd) != "json" {
			fmt.Fprintln(cmd.OutOrStdout(), job.OutputPath)
		}
		if job.Degraded {
			fmt.Fprintln(cmd.ErrOrStderr(), "note: some speakers could not be identified")
		}
		return nil
	case orchestrator.StateCancelled:
		return errors.New("cancelled")
	default:
		return errors.New(job.Reason.Message())
	}
}
