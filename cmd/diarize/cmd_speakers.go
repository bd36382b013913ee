package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurrican1/diarization-bot/internal/speaker"
)

func newSpeakersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "speakers",
		Aliases: []string{"spk"},
		Short:   "Manage enrolled speaker profiles",
	}
	cmd.AddCommand(newSpeakersListCmd())
	cmd.AddCommand(newSpeakersDeleteCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (*speaker.Store, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return speaker.OpenStore(cfg.Speakers.StoreDir, log)
}

type speakerInfo struct {
	Name        string    `json:"name"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newSpeakersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrolled speakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}

			profiles := store.Snapshot().Profiles()
			if outputFormat(cmd) == "json" {
				list := make([]speakerInfo, 0, len(profiles))
				for _, p := range profiles {
					list = append(list, speakerInfo{Name: p.Name, SampleCount: p.SampleCount, UpdatedAt: p.UpdatedAt})
				}
				return printJSON(cmd, list)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSAMPLES\tUPDATED")
			for _, p := range profiles {
				fmt.Fprintf(w, "%s\t%d\t%s\n", p.Name, p.SampleCount, p.UpdatedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newSpeakersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an enrolled speaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
