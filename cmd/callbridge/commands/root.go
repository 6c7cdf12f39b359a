// Package commands implements the callbridge command line.
package commands

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...commands.Version=v1.2.3".
var Version = "dev"

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "callbridge.yaml"

// NewRootCmd builds the callbridge command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "callbridge",
		Short: "Bridge phone and browser calls to a realtime voice-AI service",
		Long: `callbridge relays call audio between Twilio Media Streams or a browser
websocket and Azure Voice Live, transcribes voicemails into PostgreSQL and S3,
and mixes an optional ambient background into the assistant's voice.

Examples:
  # Run the server
  callbridge serve --config callbridge.yaml

  # Preview an ambient preset
  callbridge ambient render --preset office --seconds 10 --out office.wav

  # Ask for a voicemail transcript by SMS and queue the job
  callbridge voicemail request-sms --call CA123 --recording RE456 \
    --to +15551234567 --from +15557654321 --enqueue`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAmbientCmd(),
		newVoicemailCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
