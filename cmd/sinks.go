package cmd

import (
	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/transport"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewSinksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sinks",
		Short: "List supported endpoint schemes",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl := util.NewTable("SCHEME", "AUDIO", "EXAMPLE", "DESCRIPTION")
			for _, s := range transport.Schemes() {
				audio := color.New(color.Faint).Sprint("no")
				if s.Audio {
					audio = color.GreenString("yes")
				}
				tbl.AddRow(color.CyanString(s.Name), audio, s.Example, s.Description)
			}
			tbl.Render(cmd.OutOrStdout())
			return nil
		},
	}
}
