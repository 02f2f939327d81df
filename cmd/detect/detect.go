package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/features"
	"github.com/tphakala/aedbatch/internal/myaudio"
)

type options struct {
	thresholds   batch.Thresholds
	minFrequency float64
	maxFrequency float64
	imageDir     string
}

// event is one detected region as printed by the command.
type event struct {
	TimeMin      float64 `json:"time_min"`
	TimeMax      float64 `json:"time_max"`
	FrequencyMin float64 `json:"frequency_min"`
	FrequencyMax float64 `json:"frequency_max"`
	Image        string  `json:"image,omitempty"`
}

type report struct {
	File       string  `json:"file"`
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration"`
	Partial    bool    `json:"partial,omitempty"`
	Events     []event `json:"events"`
}

// Command creates the command that runs detection on local audio files.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "detect [files...]",
		Short: "Detect audio events in local WAV or FLAC files",
		Long: `Run the detection engine on local files with the given thresholds and print
the detected regions as JSON, one report per file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			th := opts.thresholds
			if th.FilterSize == 0 {
				th.FilterSize = settings.Detection.DefaultFilterSize
			}
			if cmd.Flags().Changed("min-frequency") {
				th.MinFrequency = &opts.minFrequency
			}
			if cmd.Flags().Changed("max-frequency") {
				th.MaxFrequency = &opts.maxFrequency
			}
			if err := th.Validate(); err != nil {
				return err
			}

			engine, err := aed.New(aed.ConfigFromSettings(&settings.Detection))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, path := range args {
				rep, err := detectFile(engine, path, &th, opts.imageDir, settings.Detection.ImageTrim)
				if err != nil {
					return err
				}
				if err := enc.Encode(rep); err != nil {
					return err
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&opts.thresholds.Amplitude, "amplitude", 3, "Amplitude threshold in standard deviations")
	f.Float64Var(&opts.thresholds.Duration, "duration", 0.1, "Minimum event duration in seconds")
	f.Float64Var(&opts.thresholds.Bandwidth, "bandwidth", 0.5, "Minimum event bandwidth in kHz")
	f.Float64Var(&opts.thresholds.Area, "area", 0.05, "Minimum event area in kHz*s")
	f.IntVar(&opts.thresholds.FilterSize, "filter-size", 0, "Percentile filter size, 0 for detection.defaultfiltersize")
	f.Float64Var(&opts.minFrequency, "min-frequency", 0, "Lower edge of the band of interest in kHz")
	f.Float64Var(&opts.maxFrequency, "max-frequency", 0, "Upper edge of the band of interest in kHz")
	f.StringVar(&opts.imageDir, "images", "", "Write a PNG per detected region into this directory")

	return cmd
}

func detectFile(engine *aed.Engine, path string, th *batch.Thresholds, imageDir string, trim float64) (*report, error) {
	audio, err := myaudio.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	res, err := engine.Detect(audio.Samples, audio.SampleRate, th)
	if err != nil {
		return nil, err
	}

	rep := &report{
		File:       path,
		SampleRate: audio.SampleRate,
		Duration:   audio.Duration(),
		Partial:    audio.Partial,
		Events:     make([]event, 0, len(res.Regions)),
	}
	base := filepath.Base(path)
	base = base[:len(base)-len(filepath.Ext(base))]

	for i := range res.Regions {
		r := &res.Regions[i]
		ev := event{TimeMin: r.TimeMin, TimeMax: r.TimeMax, FrequencyMin: r.FreqMin, FrequencyMax: r.FreqMax}
		if imageDir != "" {
			img, err := features.RenderROI(res.Spectrogram, r, trim)
			if err != nil {
				return nil, err
			}
			ev.Image = filepath.Join(imageDir, fmt.Sprintf("%s_%d.png", base, i))
			if err := os.MkdirAll(imageDir, 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(ev.Image, img, 0o644); err != nil {
				return nil, err
			}
		}
		rep.Events = append(rep.Events, ev)
	}
	return rep, nil
}
