package conduct

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/aedbatch/internal/app"
	"github.com/tphakala/aedbatch/internal/buildinfo"
	"github.com/tphakala/aedbatch/internal/conductor"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/observability"
)

type options struct {
	eventFile    string
	minFrequency float64
	maxFrequency float64
	inv          conductor.Invocation
}

// Command creates the command that submits one detection job.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "conduct",
		Short: "Submit a detection job for a playlist",
		Long: `Create a detection job for a playlist, check capacity, plan the chunks and
publish them to the worker queues. The job is read from --event (a JSON file,
"-" for stdin) or built from flags. The result is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := opts.invocation(cmd, settings)
			if err != nil {
				return err
			}
			return run(cmd, settings, inv)
		},
	}

	setupFlags(cmd, opts)
	return cmd
}

func setupFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVar(&opts.eventFile, "event", "", "JSON event file with the job, - for stdin")
	f.Uint64Var(&opts.inv.PlaylistID, "playlist", 0, "Playlist id")
	f.Uint64Var(&opts.inv.UserID, "user", 0, "Submitting user id")
	f.StringVar(&opts.inv.Name, "name", "", "Job name")
	f.Float64Var(&opts.inv.Amplitude, "amplitude", 3, "Amplitude threshold in standard deviations")
	f.Float64Var(&opts.inv.Duration, "duration", 0.1, "Minimum event duration in seconds")
	f.Float64Var(&opts.inv.Bandwidth, "bandwidth", 0.5, "Minimum event bandwidth in kHz")
	f.Float64Var(&opts.inv.Area, "area", 0.05, "Minimum event area in kHz*s")
	f.IntVar(&opts.inv.FilterSize, "filter-size", 0, "Percentile filter size, 0 for detection.defaultfiltersize")
	f.Float64Var(&opts.minFrequency, "min-frequency", 0, "Lower edge of the band of interest in kHz")
	f.Float64Var(&opts.maxFrequency, "max-frequency", 0, "Upper edge of the band of interest in kHz")
	cmd.MarkFlagsMutuallyExclusive("event", "playlist")
}

// invocation reads the event file or assembles the job from flags.
func (o *options) invocation(cmd *cobra.Command, settings *conf.Settings) (*conductor.Invocation, error) {
	if o.eventFile != "" {
		data, err := readEvent(cmd, o.eventFile)
		if err != nil {
			return nil, err
		}
		var inv conductor.Invocation
		if err := json.Unmarshal(data, &inv); err != nil {
			return nil, fmt.Errorf("invalid event %s: %w", o.eventFile, err)
		}
		return &inv, nil
	}

	if o.inv.PlaylistID == 0 {
		return nil, fmt.Errorf("either --event or --playlist is required")
	}
	inv := o.inv
	if inv.FilterSize == 0 {
		inv.FilterSize = settings.Detection.DefaultFilterSize
	}
	if cmd.Flags().Changed("min-frequency") {
		inv.MinFrequency = &o.minFrequency
	}
	if cmd.Flags().Changed("max-frequency") {
		inv.MaxFrequency = &o.maxFrequency
	}
	return &inv, nil
}

func readEvent(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		var raw json.RawMessage
		if err := json.NewDecoder(cmd.InOrStdin()).Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to read event from stdin: %w", err)
		}
		return raw, nil
	}
	return os.ReadFile(path)
}

func run(cmd *cobra.Command, settings *conf.Settings, inv *conductor.Invocation) (err error) {
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
	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	c, err := a.Conductor(store, metrics)
	if err != nil {
		return err
	}

	res, runErr := c.Run(cmd.Context(), inv)
	enc := json.NewEncoder(cmd.OutOrStdout())
	if err := enc.Encode(res); err != nil {
		return err
	}
	return runErr
}
