package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/aedbatch/cmd/conduct"
	"github.com/tphakala/aedbatch/cmd/configcmd"
	"github.com/tphakala/aedbatch/cmd/consume"
	"github.com/tphakala/aedbatch/cmd/detect"
	"github.com/tphakala/aedbatch/cmd/migrate"
	"github.com/tphakala/aedbatch/cmd/version"
	"github.com/tphakala/aedbatch/internal/conf"
)

// RootCommand creates and returns the root command. settings is filled in
// before any subcommand runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var (
		configFile string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:           "aedbatch",
		Short:         "Batch audio event detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	versionCmd := version.Command()
	rootCmd.AddCommand(
		conduct.Command(settings),
		consume.Command(settings),
		detect.Command(settings),
		migrate.Command(settings),
		configcmd.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(settings, configFile, cmd.Flags().Changed("debug") && debug)
	}

	return rootCmd
}

// initialize loads the configuration into settings. The --debug flag wins
// over the file and the environment.
func initialize(settings *conf.Settings, configFile string, debug bool) error {
	v, err := conf.New(configFile)
	if err != nil {
		return err
	}
	if debug {
		v.Set("main.debug", true)
	}

	loaded, err := conf.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	*settings = *loaded
	return nil
}
