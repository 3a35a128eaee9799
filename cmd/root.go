package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/babelcloud/gbox/packages/screencast/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "screencast",
	Short: "Capture the screen and stream it live",
	Long: `screencast captures a display (and optionally an audio input), encodes it to
H.264/AAC and streams it to an RTMP ingest, an MPEG-TS receiver, WHIP, or
viewers connecting over HTTP and WebSocket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		format, _ := cmd.Flags().GetString("log-format")
		util.InitLogger(verbose, format == "json")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			fmt.Fprintf(cmd.OutOrStdout(), "screencast version %s\n", version.Info().Short())
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format on stderr: text or json")

	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewSinksCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
