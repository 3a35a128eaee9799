package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/gbox/packages/screencast/internal/version"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type VersionOptions struct {
	OutputFormat string
}

func NewVersionCommand() *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Info()
			out := cmd.OutOrStdout()
			if opts.OutputFormat == "json" {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal version info")
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Git commit: %s\n", info.Short())
			fmt.Fprintf(out, "Built:      %s\n", info.FormattedBuildTime())
			fmt.Fprintf(out, "OS/Arch:    %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.OutputFormat, "format", "text", "Output format: text or json")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}
