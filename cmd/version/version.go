package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/aedbatch/internal/buildinfo"
)

// Command creates the version command. It needs no configuration.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Current().String())
		},
	}
}
