package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hurrican1/diarization-bot/internal/output"
)

func newEnrollCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "enroll",
		Short: "Learn speaker profiles from a finished transcript",
		Long: "Embed the longest segments of every mapped cluster in the transcript JSON " +
			"and fold them into the named profiles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			transcriptPath, _ := cmd.Flags().GetString("transcript")
			audioPath, _ := cmd.Flags().GetString("audio")
			mapPath, _ := cmd.Flags().GetString("speaker-map")

			doc, err := output.ReadJSONFile(transcriptPath)
			if err != nil {
				return err
			}
			speakerMap, err := readSpeakerMap(mapPath)
			if err != nil {
				return err
			}
			if len(speakerMap) == 0 {
				return errors.New("speaker map is empty")
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())
			res, err := a.Enroller.Enroll(cmd.Context(), audioPath, doc.Utterances, speakerMap)
			if err != nil {
				return err
			}

			if outputFormat(cmd) == "json" {
				return printJSON(cmd, res)
			}
			for _, s := range res.Enrolled {
				fmt.Fprintf(cmd.OutOrStdout(), "enrolled %s: +%d samples (%d total)\n", s.Name, s.NewSamples, s.TotalSamples)
			}
			for _, name := range res.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped %s: no usable audio\n", name)
			}
			return nil
		},
	}
	c.Flags().String("transcript", "", "transcript JSON written by run (required)")
	c.Flags().String("audio", "", "audio the transcript was made from (required)")
	c.Flags().String("speaker-map", "", "JSON file mapping cluster labels to names (required)")
	_ = c.MarkFlagRequired("transcript")
	_ = c.MarkFlagRequired("audio")
	_ = c.MarkFlagRequired("speaker-map")
	return c
}
