package migrate

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/aedbatch/internal/app"
	"github.com/tphakala/aedbatch/internal/buildinfo"
	"github.com/tphakala/aedbatch/internal/conf"
)

// Command creates the command that creates or updates the database schema.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := app.New(settings, buildinfo.Current())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			store, err := a.OpenStore()
			if err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.Log.Info("database schema up to date")
			return nil
		},
	}
}
