package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hurrican1/diarization-bot/internal/app"
	"github.com/hurrican1/diarization-bot/internal/config"
	"github.com/hurrican1/diarization-bot/pkg/logger"
)

// newApp builds the pipeline. Tests swap it to inject a mock toolkit.
var newApp = func(cfg *config.Config, log *slog.Logger) (*app.App, error) {
	return app.New(cfg, log)
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "path to config.yaml (default: $DIARIZE_CONFIG)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringP("output", "o", "text", "output format: text/json")
}

// loadConfig reads the config file named by --config and sets up logging on
// stderr so stdout stays clean for results.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	lc := cfg.LoggerConfig()
	lc.Output = cmd.ErrOrStderr()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		lc.Level = "debug"
	}
	log, err := logger.Init(lc)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, log, nil
}

// readSpeakerMap loads a {"SPEAKER_00": "Name"} JSON file.
func readSpeakerMap(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read speaker map: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse speaker map %s: %w", path, err)
	}
	return m, nil
}

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}
