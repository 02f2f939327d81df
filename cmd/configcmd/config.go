package configcmd

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/aedbatch/internal/conf"
)

// Command creates the config command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return conf.Dump(cmd.OutOrStdout(), settings)
		},
	})

	return cmd
}
