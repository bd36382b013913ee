// Command diarize transcribes a recording, labels who spoke, and manages the
// enrolled speaker profiles used for labelling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "diarize",
		Short:         "Speaker-attributed transcription",
		Long:          "Transcribe audio with WhisperX, split it by speaker, and name the speakers from enrolled voice profiles.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addGlobalFlags(rootCmd)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newEnrollCmd())
	rootCmd.AddCommand(newSpeakersCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
