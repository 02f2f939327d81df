// config.go: settings for the aedbatch conductor and workers and the
// functions that load them.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tphakala/aedbatch/internal/logger"
)

// Environment names with special meaning
const (
	EnvironmentProduction = "production"
)

// MainSettings contains process wide settings
type MainSettings struct {
	Name        string // service name used in logs and metrics
	Environment string // deployment environment, also part of artifact keys
	Debug       bool   // true to force debug logging
}

// MySQLSettings contains the connection parameters for MySQL
type MySQLSettings struct {
	Host         string
	Port         int
	Schema       string
	Username     string
	Password     string // may contain ${VAR} references
	PasswordFile string // mounted secret file, wins over Password
	SecretFile   string // JSON credential document with host, port, schema, username, password
	Params       map[string]string
}

// SQLiteSettings contains settings for the SQLite store used in development
type SQLiteSettings struct {
	Path string // database file, ":memory:" for an in-memory store
}

// DatabaseSettings contains relational store settings
type DatabaseSettings struct {
	Driver             string        // mysql or sqlite
	SlowQueryThreshold time.Duration // statements slower than this are logged at warn
	MaxOpenConns       int
	MySQL              MySQLSettings
	SQLite             SQLiteSettings
}

// AMQPSettings contains work queue settings of one account
type AMQPSettings struct {
	URL         string // may contain ${VAR} references
	URLFile     string // mounted secret file holding the URL
	Exchange    string // empty publishes through the default exchange
	NormalQueue string
	LargeQueue  string
}

// S3Settings contains blob store settings of one account
type S3Settings struct {
	Endpoint         string
	Region           string
	AccessKey        string
	SecretKey        string // may contain ${VAR} references
	SecretKeyFile    string
	UseSSL           bool
	RecordingsBucket string // bucket holding the audio, keyed by recording URI
	ArtifactsBucket  string // bucket receiving features, ids and ROI images
	ACL              string // canned ACL applied to uploads
	LocalPath        string // when set, a directory replaces the object store
}

// ChunkCaps bounds the chunk size per sample rate class
type ChunkCaps struct {
	Normal int // cap when the group's max sample rate is below the high-rate boundary
	High   int // cap when it is at or above
}

// AccountSettings describes one storage account and its queue namespace
type AccountSettings struct {
	ID        int
	Name      string
	URIPrefix string // recordings whose URI starts with this prefix belong to the account
	AMQP      AMQPSettings
	S3        S3Settings
	ChunkCaps ChunkCaps
}

// LargeJobThresholds holds the chunk count above which jobs go to the large queue
type LargeJobThresholds struct {
	Production int
	Default    int // every other environment
}

// ConductorSettings contains job conductor settings
type ConductorSettings struct {
	JobType           int           // job type id of detection jobs
	ConcurrentLimit   int           // work units allowed in flight across jobs of the type
	AdmissionWindow   time.Duration // trailing window of jobs counted as in flight
	MinRemainingTime  time.Duration // stop dispatching when less time than this is left
	Timeout           time.Duration // invocation budget when the caller sets no deadline
	ChunkFraction     float64       // share of an account's recordings per chunk
	HighSampleRate    int           // sample rate at which the high chunk cap applies
	MaxNormalMeanRate int           // mean sample rate above which chunks go to the large queue
	LargeJobThreshold LargeJobThresholds
	DispatchRate      float64 // messages per second, 0 for unlimited
	DispatchBurst     int
}

// WorkerSettings contains chunk worker settings
type WorkerSettings struct {
	Queues           []string      // queues to consume; empty means every queue of every account
	Concurrency      int           // recordings processed in parallel within a chunk
	Prefetch         int           // unacknowledged deliveries per consumer
	FailureRatio     float64       // failed fraction at which a chunk fails the job
	UploadImages     bool          // render and upload ROI images
	MinRemainingTime time.Duration // give the chunk back when less time than this is left
	ChunkTimeout     time.Duration // budget for one chunk
	JobStateCacheTTL time.Duration // how long a job's state is trusted before re-reading
	ClaimTTL         time.Duration // lifetime of the in-flight claim of a chunk
}

// DetectionSettings contains detection engine defaults
type DetectionSettings struct {
	BinWidthHz        float64 // frequency resolution of the spectrogram
	Epsilon           float64 // floor added before the logarithm
	FilterPercentile  float64 // percentile of the local reference filter
	FrequencyScale    float64 // filter window scale along frequency
	TimeScale         float64 // filter window scale along time
	Connectivity      int     // 4 or 8
	ROISize           int     // canonical region size in pixels
	HOGOrientations   int
	HOGPixelsPerCell  int
	HOGCellsPerBlock  int
	ImageTrim         float64 // contrast trim of ROI images
	DefaultFilterSize int
}

// RedisSettings contains the optional chunk claim store
type RedisSettings struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// MetricsSettings contains the Prometheus endpoint settings
type MetricsSettings struct {
	Enabled bool
	Listen  string
}

// TelemetrySettings contains the opt-in Sentry error reporting settings
type TelemetrySettings struct {
	Enabled    bool
	DSN        string // may contain ${VAR} references
	DSNFile    string // mounted secret file holding the DSN
	SampleRate float64
	Debug      bool
}

// Settings contains all configuration options for aedbatch
type Settings struct {
	Main      MainSettings
	Logging   logger.LoggingConfig
	Database  DatabaseSettings
	Accounts  []AccountSettings
	Conductor ConductorSettings
	Worker    WorkerSettings
	Detection DetectionSettings
	Redis     RedisSettings
	Metrics   MetricsSettings
	Telemetry TelemetrySettings
}

// IsProduction reports whether the settings describe the production environment
func (s *Settings) IsProduction() bool {
	return s.Main.Environment == EnvironmentProduction
}

// LargeJobThreshold returns the threshold for the configured environment
func (s *Settings) LargeJobThreshold() int {
	if s.IsProduction() {
		return s.Conductor.LargeJobThreshold.Production
	}
	return s.Conductor.LargeJobThreshold.Default
}

// Account returns the account with the given id
func (s *Settings) Account(id int) (*AccountSettings, bool) {
	for i := range s.Accounts {
		if s.Accounts[i].ID == id {
			return &s.Accounts[i], true
		}
	}
	return nil, false
}

// New prepares a viper instance with defaults, environment bindings and the
// configuration file. An empty configFile searches the default paths; a
// missing file is not an error since every setting has a default.
func New(configFile string) (*viper.Viper, error) {
	// .env is optional and never overrides variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		for _, path := range DefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fatal error reading config file: %w", err)
		}
	}

	return v, nil
}

// Load unmarshals, resolves secrets and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}

	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if settings.Main.Debug {
		settings.Logging.DefaultLevel = string(logger.LogLevelDebug)
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = string(logger.LogLevelDebug)
		}
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, fmt.Errorf("error resolving secrets: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// DefaultConfigPaths returns the directories searched for config.yaml
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aedbatch"))
	}
	return append(paths, "/etc/aedbatch")
}
