// conf/validate.go

package conf

import (
	"fmt"
	"strings"
)

// Supported database drivers
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct and reports every
// problem at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateDatabaseSettings(&settings.Database)...)
	ve.Errors = append(ve.Errors, validateAccounts(settings.Accounts)...)
	ve.Errors = append(ve.Errors, validateConductorSettings(&settings.Conductor)...)
	ve.Errors = append(ve.Errors, validateWorkerSettings(&settings.Worker, settings.Accounts)...)
	ve.Errors = append(ve.Errors, validateDetectionSettings(&settings.Detection)...)

	if settings.Redis.Enabled && settings.Redis.Addr == "" {
		ve.Errors = append(ve.Errors, "redis.addr is required when redis is enabled")
	}
	if settings.Metrics.Enabled && settings.Metrics.Listen == "" {
		ve.Errors = append(ve.Errors, "metrics.listen is required when metrics are enabled")
	}
	if settings.Telemetry.Enabled {
		if settings.Telemetry.DSN == "" {
			ve.Errors = append(ve.Errors, "telemetry.dsn is required when telemetry is enabled")
		}
		if settings.Telemetry.SampleRate <= 0 || settings.Telemetry.SampleRate > 1 {
			ve.Errors = append(ve.Errors, fmt.Sprintf("telemetry.samplerate must be in (0, 1], got %g", settings.Telemetry.SampleRate))
		}
	}
	if strings.TrimSpace(settings.Main.Environment) == "" {
		ve.Errors = append(ve.Errors, "main.environment must not be empty")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(db *DatabaseSettings) []string {
	var errs []string

	switch db.Driver {
	case DriverMySQL:
		if db.MySQL.Host == "" {
			errs = append(errs, "database.mysql.host is required")
		}
		if db.MySQL.Schema == "" {
			errs = append(errs, "database.mysql.schema is required")
		}
		if db.MySQL.Username == "" {
			errs = append(errs, "database.mysql.username is required")
		}
		if db.MySQL.Port < 1 || db.MySQL.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database.mysql.port must be between 1 and 65535, got %d", db.MySQL.Port))
		}
	case DriverSQLite:
		if db.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be %q or %q, got %q", DriverMySQL, DriverSQLite, db.Driver))
	}

	return errs
}

func validateAccounts(accounts []AccountSettings) []string {
	var errs []string

	if len(accounts) == 0 {
		return []string{"at least one account must be configured"}
	}

	seen := make(map[int]bool, len(accounts))
	prefixes := make(map[string]int, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("account id %d is configured twice", a.ID))
		}
		seen[a.ID] = true

		if other, ok := prefixes[a.URIPrefix]; ok {
			errs = append(errs, fmt.Sprintf("accounts %d and %d share uri prefix %q", other, a.ID, a.URIPrefix))
		}
		prefixes[a.URIPrefix] = a.ID

		if a.AMQP.NormalQueue == "" || a.AMQP.LargeQueue == "" {
			errs = append(errs, fmt.Sprintf("account %d needs both a normal and a large queue", a.ID))
		}
		if a.AMQP.URL == "" {
			errs = append(errs, fmt.Sprintf("account %d has no amqp url", a.ID))
		}
		if a.S3.LocalPath == "" && a.S3.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("account %d needs an s3 endpoint or a local path", a.ID))
		}
		if a.S3.RecordingsBucket == "" || a.S3.ArtifactsBucket == "" {
			errs = append(errs, fmt.Sprintf("account %d needs recordings and artifacts buckets", a.ID))
		}
		if a.ChunkCaps.Normal < 1 || a.ChunkCaps.High < 1 {
			errs = append(errs, fmt.Sprintf("account %d chunk caps must be at least 1", a.ID))
		}
	}

	if _, ok := prefixes[""]; !ok {
		errs = append(errs, "one account must have an empty uri prefix to own unmatched recordings")
	}

	return errs
}

func validateConductorSettings(c *ConductorSettings) []string {
	var errs []string

	if c.ConcurrentLimit < 1 {
		errs = append(errs, "conductor.concurrentlimit must be at least 1")
	}
	if c.AdmissionWindow <= 0 {
		errs = append(errs, "conductor.admissionwindow must be positive")
	}
	if c.MinRemainingTime < 0 {
		errs = append(errs, "conductor.minremainingtime must not be negative")
	}
	if c.ChunkFraction <= 0 || c.ChunkFraction > 1 {
		errs = append(errs, fmt.Sprintf("conductor.chunkfraction must be in (0, 1], got %g", c.ChunkFraction))
	}
	if c.LargeJobThreshold.Production < 1 || c.LargeJobThreshold.Default < 1 {
		errs = append(errs, "conductor.largejobthreshold values must be at least 1")
	}
	if c.DispatchRate < 0 {
		errs = append(errs, "conductor.dispatchrate must not be negative")
	}

	return errs
}

func validateWorkerSettings(w *WorkerSettings, accounts []AccountSettings) []string {
	var errs []string

	if w.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be at least 1")
	}
	if w.FailureRatio <= 0 || w.FailureRatio > 1 {
		errs = append(errs, fmt.Sprintf("worker.failureratio must be in (0, 1], got %g", w.FailureRatio))
	}

	known := make(map[string]bool)
	for i := range accounts {
		known[accounts[i].AMQP.NormalQueue] = true
		known[accounts[i].AMQP.LargeQueue] = true
	}
	for _, q := range w.Queues {
		if !known[q] {
			errs = append(errs, fmt.Sprintf("worker queue %q does not belong to any account", q))
		}
	}

	return errs
}

func validateDetectionSettings(d *DetectionSettings) []string {
	var errs []string

	if d.BinWidthHz <= 0 {
		errs = append(errs, "detection.binwidthhz must be positive")
	}
	if d.FilterPercentile <= 0 || d.FilterPercentile > 1 {
		errs = append(errs, fmt.Sprintf("detection.filterpercentile must be in (0, 1], got %g", d.FilterPercentile))
	}
	if d.Connectivity != 4 && d.Connectivity != 8 {
		errs = append(errs, fmt.Sprintf("detection.connectivity must be 4 or 8, got %d", d.Connectivity))
	}
	if d.FrequencyScale <= 0 || d.TimeScale <= 0 {
		errs = append(errs, "detection axis scales must be positive")
	}
	if d.ROISize < 2 || d.HOGPixelsPerCell < 1 || d.HOGCellsPerBlock < 1 || d.HOGOrientations < 1 {
		errs = append(errs, "detection descriptor geometry must be positive")
	} else if d.ROISize/d.HOGPixelsPerCell < d.HOGCellsPerBlock {
		errs = append(errs, "detection.roisize is too small for one descriptor block")
	}
	if d.ImageTrim < 0 || d.ImageTrim >= 1 {
		errs = append(errs, "detection.imagetrim must be in [0, 1)")
	}

	return errs
}
